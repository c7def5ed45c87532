// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"time"

	"github.com/bcem/receipts/internal/correlation"
	"github.com/bcem/receipts/internal/models"
)

// StatusSkipped is the coarse status of a duplicate delivery.
const StatusSkipped = "skipped"

// SkipReasonDuplicate is the only skip reason.
const SkipReasonDuplicate = "duplicate"

// Outcome is the result of Process: Skipped, Completed or Failed.
type Outcome interface {
	// Status is the coarse user-visible status.
	Status() string
	outcome()
}

// Skipped means the message identity was already admitted.
type Skipped struct {
	Reason              string
	RecordID            string
	ExistingEmailID     string
	ExistingProcessedAt time.Time
}

// Completed means an email and a transaction were persisted.
type Completed struct {
	EmailID       string
	TransactionID string
	NeedsReview   bool
	Receipt       models.ExtractedReceipt
	Translation   models.TranslationResult
	Summary       correlation.Summary
}

// Failed means the message was admitted but not persisted. Message is safe
// to surface; it never carries raw model output.
type Failed struct {
	Kind          Kind
	Step          string
	Message       string
	CorrelationID string
	Err           error
}

func (Skipped) Status() string { return StatusSkipped }

func (c Completed) Status() string {
	if c.NeedsReview {
		return models.EmailStatusNeedsReview
	}
	return models.EmailStatusProcessed
}

func (Failed) Status() string { return models.EmailStatusFailed }

func (Skipped) outcome()   {}
func (Completed) outcome() {}
func (Failed) outcome()    {}
