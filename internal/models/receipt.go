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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used for receipt dates.
const DateLayout = "2006-01-02"

// ExtractedReceipt is the structured transaction the extractor produces.
type ExtractedReceipt struct {
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Merchant    string          `json:"merchant"`
	CardLast4   *string         `json:"card_last4"`
	Category    string          `json:"category"`
	Subcategory *string         `json:"subcategory"`
	Notes       *string         `json:"notes"`
	Confidence  int             `json:"confidence"`
	Explanation string          `json:"explanation"`
}

// DateString renders the receipt date without a time component.
func (r ExtractedReceipt) DateString() string {
	return r.Date.Format(DateLayout)
}

// Translation outcomes.
const (
	TranslationOK       = "ok"
	TranslationDegraded = "degraded"
)

// TranslationResult is the output of language normalization. A degraded
// result carries the untranslated source text and a zero confidence.
type TranslationResult struct {
	SourceText     string  `json:"source_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	Confidence     float64 `json:"confidence"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
}

// Degraded reports whether translation fell back to the source text.
func (t TranslationResult) Degraded() bool {
	return t.Status == TranslationDegraded
}

// TransactionRecord is the persisted financial transaction.
type TransactionRecord struct {
	ID             string          `json:"id"`
	EmailID        string          `json:"email_id"`
	OrganizationID string          `json:"organization_id"`
	Date           time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Merchant       string          `json:"merchant"`
	CardLast4      *string         `json:"card_last4,omitempty"`
	Category       string          `json:"category"`
	Subcategory    *string         `json:"subcategory,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	Confidence     int             `json:"confidence"`
	Explanation    string          `json:"explanation"`
	NeedsReview    bool            `json:"needs_review"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditEvent is one correlation-tagged step event written to the audit log.
type AuditEvent struct {
	OrganizationID   string         `json:"org_id"`
	EmailID          string         `json:"email_id,omitempty"`
	CorrelationID    string         `json:"correlation_id"`
	MessageID        string         `json:"message_id,omitempty"`
	Step             string         `json:"step"`
	Status           string         `json:"status"`
	Details          map[string]any `json:"details,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProcessingTimeMs *int64         `json:"processing_time_ms,omitempty"`
	At               time.Time      `json:"at"`
}
