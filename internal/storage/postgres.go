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

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/models"
)

// Postgres is the production store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool and ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			alias           TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			provider        TEXT NOT NULL,
			raw_ref         TEXT,
			email_id        TEXT,
			correlation_id  TEXT,
			processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(organization_id, alias, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_idem_processed ON idempotency_records(processed_at);

		CREATE TABLE IF NOT EXISTS emails (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			alias           TEXT NOT NULL,
			provider        TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			subject         TEXT DEFAULT '',
			sender          TEXT DEFAULT '',
			raw_ref         TEXT,
			correlation_id  TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_org ON emails(organization_id);
		CREATE INDEX IF NOT EXISTS idx_emails_correlation ON emails(correlation_id);

		CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,
			email_id        TEXT NOT NULL REFERENCES emails(id),
			organization_id TEXT NOT NULL,
			date            DATE NOT NULL,
			amount          NUMERIC(18,4) NOT NULL CHECK (amount >= 0),
			currency        CHAR(3) NOT NULL,
			merchant        TEXT NOT NULL,
			card_last4      CHAR(4),
			category        TEXT DEFAULT '',
			subcategory     TEXT,
			notes           TEXT,
			confidence      INT NOT NULL CHECK (confidence BETWEEN 0 AND 100),
			explanation     TEXT DEFAULT '',
			needs_review    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tx_org ON transactions(organization_id);
		CREATE INDEX IF NOT EXISTS idx_tx_email ON transactions(email_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id                 BIGSERIAL PRIMARY KEY,
			organization_id    TEXT NOT NULL,
			email_id           TEXT,
			correlation_id     TEXT NOT NULL,
			message_id         TEXT,
			step               TEXT NOT NULL,
			status             TEXT NOT NULL,
			details            JSONB,
			error_message      TEXT,
			processing_time_ms BIGINT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_audit_email ON audit_log(email_id);
	`)
	return err
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Admit inserts rec unless its identity already exists and returns the
// winning row either way. The no-op DO UPDATE makes RETURNING yield the
// existing row on conflict, in one round trip.
func (s *Postgres) Admit(ctx context.Context, rec models.IdempotencyRecord) (idempotency.AdmitResult, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(id, organization_id, alias, message_id, provider, raw_ref, correlation_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id, alias, message_id) DO UPDATE SET
			message_id = EXCLUDED.message_id
		RETURNING id, organization_id, alias, message_id, provider,
		          raw_ref, email_id, correlation_id, processed_at
	`, rec.ID, rec.OrganizationID, rec.Alias, rec.MessageID, string(rec.Provider),
		nullable(rec.RawRef), nullable(rec.CorrelationID), rec.ProcessedAt)

	got, err := scanIdempotency(row)
	if err != nil {
		return idempotency.AdmitResult{}, fmt.Errorf("admit message: %w", err)
	}
	return idempotency.AdmitResult{Record: got, Inserted: got.ID == rec.ID}, nil
}

// LinkEmail sets email_id once; relinking to the same id is a no-op.
func (s *Postgres) LinkEmail(ctx context.Context, recordID, emailID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET email_id = $2
		WHERE id = $1 AND (email_id IS NULL OR email_id = $2)
	`, recordID, emailID)
	if err != nil {
		return fmt.Errorf("link email: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing *string
	err = s.pool.QueryRow(ctx, `SELECT email_id FROM idempotency_records WHERE id = $1`, recordID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("link email: %w", err)
	}
	return idempotency.ErrLinkConflict
}

func (s *Postgres) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Persist writes the email and its transaction in one database transaction.
func (s *Postgres) Persist(ctx context.Context, email models.EmailRecord, tx models.TransactionRecord) error {
	err := pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx, `
			INSERT INTO emails
				(id, organization_id, alias, provider, message_id, subject, sender,
				 raw_ref, correlation_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, email.ID, email.OrganizationID, email.Alias, string(email.Provider), email.MessageID,
			email.Subject, email.Sender, nullable(email.RawRef), email.CorrelationID,
			email.Status, email.CreatedAt); err != nil {
			return fmt.Errorf("insert email: %w", err)
		}

		if _, err := dbtx.Exec(ctx, `
			INSERT INTO transactions
				(id, email_id, organization_id, date, amount, currency, merchant, card_last4,
				 category, subcategory, notes, confidence, explanation, needs_review, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, tx.ID, tx.EmailID, tx.OrganizationID, tx.Date, tx.Amount.String(), tx.Currency,
			tx.Merchant, tx.CardLast4, tx.Category, tx.Subcategory, tx.Notes, tx.Confidence,
			tx.Explanation, tx.NeedsReview, tx.CreatedAt); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist email %s: %w", email.ID, err)
	}
	return nil
}

// GetTransactionByEmail returns the transaction for an email, or nil.
func (s *Postgres) GetTransactionByEmail(ctx context.Context, emailID string) (*models.TransactionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email_id, organization_id, date, amount::text, currency, merchant,
		       card_last4, category, subcategory, notes, confidence, explanation,
		       needs_review, created_at
		FROM transactions
		WHERE email_id = $1
	`, emailID)

	var (
		t      models.TransactionRecord
		amount string
	)
	err := row.Scan(&t.ID, &t.EmailID, &t.OrganizationID, &t.Date, &amount, &t.Currency,
		&t.Merchant, &t.CardLast4, &t.Category, &t.Subcategory, &t.Notes, &t.Confidence,
		&t.Explanation, &t.NeedsReview, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

// CountTransactions returns the number of transactions for an organization.
func (s *Postgres) CountTransactions(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

// Write implements audit.Sink with one batched round trip.
func (s *Postgres) Write(ctx context.Context, events []models.AuditEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		details, err := marshalDetails(ev.Details)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO audit_log
				(organization_id, email_id, correlation_id, message_id, step, status,
				 details, error_message, processing_time_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, ev.OrganizationID, nullable(ev.EmailID), ev.CorrelationID, nullable(ev.MessageID),
			ev.Step, ev.Status, details, nullable(ev.ErrorMessage), ev.ProcessingTimeMs, ev.At)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

// AuditTrailByCorrelation returns every event for a correlation id in
// insertion order.
func (s *Postgres) AuditTrailByCorrelation(ctx context.Context, correlationID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, email_id, correlation_id, message_id, step, status,
		       details, error_message, processing_time_ms, created_at
		FROM audit_log
		WHERE correlation_id = $1
		ORDER BY id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// AuditTrailByEmail returns the events linked to an email plus the rest of
// the trail of the correlation that produced it.
func (s *Postgres) AuditTrailByEmail(ctx context.Context, emailID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, email_id, correlation_id, message_id, step, status,
		       details, error_message, processing_time_ms, created_at
		FROM audit_log
		WHERE email_id = $1
		   OR correlation_id IN (SELECT correlation_id FROM emails WHERE id = $1)
		ORDER BY id
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func scanIdempotency(row pgx.Row) (models.IdempotencyRecord, error) {
	var (
		r                              models.IdempotencyRecord
		provider                       string
		rawRef, emailID, correlationID *string
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Alias, &r.MessageID, &provider,
		&rawRef, &emailID, &correlationID, &r.ProcessedAt)
	if err != nil {
		return models.IdempotencyRecord{}, err
	}
	r.Provider = models.Provider(provider)
	r.RawRef = deref(rawRef)
	r.EmailID = deref(emailID)
	r.CorrelationID = deref(correlationID)
	return r, nil
}

func collectEvents(rows pgx.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev                               models.AuditEvent
			emailID, messageID, errorMessage *string
			details                          []byte
		)
		if err := rows.Scan(&ev.OrganizationID, &emailID, &ev.CorrelationID, &messageID,
			&ev.Step, &ev.Status, &details, &errorMessage, &ev.ProcessingTimeMs, &ev.At); err != nil {
			return nil, err
		}
		ev.EmailID = deref(emailID)
		ev.MessageID = deref(messageID)
		ev.ErrorMessage = deref(errorMessage)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
