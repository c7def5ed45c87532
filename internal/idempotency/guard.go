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

// Package idempotency admits each physical message at most once. Admission
// is a single conditional insert against a uniqueness constraint on
// (organization, alias, message id), so concurrent redeliveries of the same
// message cannot both be treated as new.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/receipts/internal/models"
)

var (
	// ErrAdmissionAmbiguous means the atomic check-and-insert itself failed.
	// The message must be treated as not admitted.
	ErrAdmissionAmbiguous = errors.New("admission result ambiguous")

	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrLinkConflict is returned when a record is already linked to a
	// different email.
	ErrLinkConflict = errors.New("idempotency record linked to a different email")
)

// AdmitResult is what a Store returns from its conditional insert: the row
// that now owns the identity tuple, and whether the proposed row won.
type AdmitResult struct {
	Record   models.IdempotencyRecord
	Inserted bool
}

// Store is the durable side of the guard. Admit must be one atomic
// operation, not a read followed by a write.
type Store interface {
	Admit(ctx context.Context, rec models.IdempotencyRecord) (AdmitResult, error)
	LinkEmail(ctx context.Context, recordID, emailID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Admission is the guard's decision for one delivery.
type Admission struct {
	IsDuplicate         bool
	RecordID            string
	ExistingEmailID     string
	ExistingProcessedAt time.Time
}

// Guard decides "new" vs "duplicate" for inbound messages.
type Guard struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewGuard creates a guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Admit records the message identity if it has not been seen and reports
// whether it is a duplicate. Any store failure is returned wrapped in
// ErrAdmissionAmbiguous; callers must not process the message in that case.
func (g *Guard) Admit(ctx context.Context, msg models.InboundMessage, correlationID string) (Admission, error) {
	if err := msg.Validate(); err != nil {
		return Admission{}, fmt.Errorf("admit: %w", err)
	}

	proposed := models.IdempotencyRecord{
		ID:             g.newID(),
		OrganizationID: msg.OrganizationID,
		Alias:          msg.Alias,
		MessageID:      msg.MessageID,
		Provider:       msg.Provider,
		RawRef:         msg.RawRef,
		CorrelationID:  correlationID,
		ProcessedAt:    g.now(),
	}

	res, err := g.store.Admit(ctx, proposed)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %w", ErrAdmissionAmbiguous, err)
	}

	if res.Inserted {
		slog.Debug("message admitted",
			"record_id", res.Record.ID,
			"org_id", msg.OrganizationID,
			"alias", msg.Alias,
			"message_id", msg.MessageID,
		)
		return Admission{RecordID: res.Record.ID}, nil
	}

	slog.Info("duplicate delivery detected",
		"record_id", res.Record.ID,
		"org_id", msg.OrganizationID,
		"alias", msg.Alias,
		"message_id", msg.MessageID,
		"existing_email_id", res.Record.EmailID,
	)
	return Admission{
		IsDuplicate:         true,
		RecordID:            res.Record.ID,
		ExistingEmailID:     res.Record.EmailID,
		ExistingProcessedAt: res.Record.ProcessedAt,
	}, nil
}

// LinkEmail attaches the resulting email id to an admitted record. Linking
// the same value twice is a no-op.
func (g *Guard) LinkEmail(ctx context.Context, recordID, emailID string) error {
	if recordID == "" || emailID == "" {
		return fmt.Errorf("link email: record id and email id are required")
	}
	if err := g.store.LinkEmail(ctx, recordID, emailID); err != nil {
		return fmt.Errorf("link email to record %s: %w", recordID, err)
	}
	return nil
}

// Cleanup deletes records processed more than retentionDays ago.
func (g *Guard) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("cleanup: retention days must be positive, got %d", retentionDays)
	}
	cutoff := g.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := g.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	if n > 0 {
		slog.Info("idempotency records swept", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
