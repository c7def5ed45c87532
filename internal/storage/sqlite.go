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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/models"
)

// SQLite is a single-file store for single-node deployments and tests.
// Timestamps are stored as fixed-width UTC text and amounts as decimal text.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; this also serializes admission.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLite{conn: conn}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	slog.Info("sqlite store initialised", "path", path)
	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_records (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  alias TEXT NOT NULL,
  message_id TEXT NOT NULL,
  provider TEXT NOT NULL,
  raw_ref TEXT,
  email_id TEXT,
  correlation_id TEXT,
  processed_at TEXT NOT NULL,
  UNIQUE(organization_id, alias, message_id)
);
CREATE INDEX IF NOT EXISTS idx_idem_processed ON idempotency_records(processed_at);

CREATE TABLE IF NOT EXISTS emails (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  alias TEXT NOT NULL,
  provider TEXT NOT NULL,
  message_id TEXT NOT NULL,
  subject TEXT DEFAULT '',
  sender TEXT DEFAULT '',
  raw_ref TEXT,
  correlation_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emails_correlation ON emails(correlation_id);

CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  email_id TEXT NOT NULL REFERENCES emails(id),
  organization_id TEXT NOT NULL,
  date TEXT NOT NULL,
  amount TEXT NOT NULL,
  currency TEXT NOT NULL,
  merchant TEXT NOT NULL,
  card_last4 TEXT,
  category TEXT DEFAULT '',
  subcategory TEXT,
  notes TEXT,
  confidence INTEGER NOT NULL,
  explanation TEXT DEFAULT '',
  needs_review INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_org ON transactions(organization_id);
CREATE INDEX IF NOT EXISTS idx_tx_email ON transactions(email_id);

CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization_id TEXT NOT NULL,
  email_id TEXT,
  correlation_id TEXT NOT NULL,
  message_id TEXT,
  step TEXT NOT NULL,
  status TEXT NOT NULL,
  details TEXT,
  error_message TEXT,
  processing_time_ms INTEGER,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_email ON audit_log(email_id);
`)
	return err
}

func (s *SQLite) Admit(ctx context.Context, rec models.IdempotencyRecord) (idempotency.AdmitResult, error) {
	row := s.conn.QueryRowContext(ctx, `
INSERT INTO idempotency_records
  (id, organization_id, alias, message_id, provider, raw_ref, correlation_id, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (organization_id, alias, message_id) DO UPDATE SET message_id = excluded.message_id
RETURNING id, organization_id, alias, message_id, provider, raw_ref, email_id, correlation_id, processed_at
`, rec.ID, rec.OrganizationID, rec.Alias, rec.MessageID, string(rec.Provider),
		nullable(rec.RawRef), nullable(rec.CorrelationID), formatTime(rec.ProcessedAt))

	var (
		got                            models.IdempotencyRecord
		provider, processedAt          string
		rawRef, emailID, correlationID sql.NullString
	)
	if err := row.Scan(&got.ID, &got.OrganizationID, &got.Alias, &got.MessageID, &provider,
		&rawRef, &emailID, &correlationID, &processedAt); err != nil {
		return idempotency.AdmitResult{}, fmt.Errorf("admit message: %w", err)
	}
	got.Provider = models.Provider(provider)
	got.RawRef = rawRef.String
	got.EmailID = emailID.String
	got.CorrelationID = correlationID.String

	var err error
	if got.ProcessedAt, err = parseTime(processedAt); err != nil {
		return idempotency.AdmitResult{}, err
	}
	return idempotency.AdmitResult{Record: got, Inserted: got.ID == rec.ID}, nil
}

func (s *SQLite) LinkEmail(ctx context.Context, recordID, emailID string) error {
	res, err := s.conn.ExecContext(ctx, `
UPDATE idempotency_records SET email_id = ?
WHERE id = ? AND (email_id IS NULL OR email_id = ?)
`, emailID, recordID, emailID)
	if err != nil {
		return fmt.Errorf("link email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing sql.NullString
	err = s.conn.QueryRowContext(ctx, `SELECT email_id FROM idempotency_records WHERE id = ?`, recordID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("link email: %w", err)
	}
	return idempotency.ErrLinkConflict
}

func (s *SQLite) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM idempotency_records WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Persist(ctx context.Context, email models.EmailRecord, tx models.TransactionRecord) error {
	dbtx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist email %s: begin: %w", email.ID, err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, `
INSERT INTO emails
  (id, organization_id, alias, provider, message_id, subject, sender, raw_ref, correlation_id, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, email.ID, email.OrganizationID, email.Alias, string(email.Provider), email.MessageID,
		email.Subject, email.Sender, nullable(email.RawRef), email.CorrelationID, email.Status,
		formatTime(email.CreatedAt)); err != nil {
		return fmt.Errorf("persist email %s: insert email: %w", email.ID, err)
	}

	if _, err := dbtx.ExecContext(ctx, `
INSERT INTO transactions
  (id, email_id, organization_id, date, amount, currency, merchant, card_last4,
   category, subcategory, notes, confidence, explanation, needs_review, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, tx.ID, tx.EmailID, tx.OrganizationID, tx.Date.Format(models.DateLayout), tx.Amount.String(),
		tx.Currency, tx.Merchant, tx.CardLast4, tx.Category, tx.Subcategory, tx.Notes,
		tx.Confidence, tx.Explanation, tx.NeedsReview, formatTime(tx.CreatedAt)); err != nil {
		return fmt.Errorf("persist email %s: insert transaction: %w", email.ID, err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("persist email %s: commit: %w", email.ID, err)
	}
	return nil
}

func (s *SQLite) GetTransactionByEmail(ctx context.Context, emailID string) (*models.TransactionRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
SELECT id, email_id, organization_id, date, amount, currency, merchant, card_last4,
       category, subcategory, notes, confidence, explanation, needs_review, created_at
FROM transactions WHERE email_id = ?
`, emailID)

	var (
		t                         models.TransactionRecord
		date, amount, createdAt   string
		last4, subcategory, notes sql.NullString
	)
	err := row.Scan(&t.ID, &t.EmailID, &t.OrganizationID, &date, &amount, &t.Currency,
		&t.Merchant, &last4, &t.Category, &subcategory, &notes, &t.Confidence,
		&t.Explanation, &t.NeedsReview, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	if t.Date, err = time.Parse(models.DateLayout, date); err != nil {
		return nil, fmt.Errorf("parse date: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	t.CardLast4 = nullPtr(last4)
	t.Subcategory = nullPtr(subcategory)
	t.Notes = nullPtr(notes)
	return &t, nil
}

func (s *SQLite) CountTransactions(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE organization_id = ?`, orgID).Scan(&n)
	return n, err
}

// Write implements audit.Sink inside one transaction.
func (s *SQLite) Write(ctx context.Context, events []models.AuditEvent) error {
	dbtx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	defer dbtx.Rollback()

	for _, ev := range events {
		details, err := marshalDetails(ev.Details)
		if err != nil {
			return err
		}
		var detailsText *string
		if details != nil {
			d := string(details)
			detailsText = &d
		}
		if _, err := dbtx.ExecContext(ctx, `
INSERT INTO audit_log
  (organization_id, email_id, correlation_id, message_id, step, status, details,
   error_message, processing_time_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.OrganizationID, nullable(ev.EmailID), ev.CorrelationID, nullable(ev.MessageID),
			ev.Step, ev.Status, detailsText, nullable(ev.ErrorMessage), ev.ProcessingTimeMs,
			formatTime(ev.At)); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	return dbtx.Commit()
}

func (s *SQLite) AuditTrailByCorrelation(ctx context.Context, correlationID string) ([]models.AuditEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT organization_id, email_id, correlation_id, message_id, step, status,
       details, error_message, processing_time_ms, created_at
FROM audit_log WHERE correlation_id = ? ORDER BY id
`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return collectSQLiteEvents(rows)
}

func (s *SQLite) AuditTrailByEmail(ctx context.Context, emailID string) ([]models.AuditEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT organization_id, email_id, correlation_id, message_id, step, status,
       details, error_message, processing_time_ms, created_at
FROM audit_log
WHERE email_id = ? OR correlation_id IN (SELECT correlation_id FROM emails WHERE id = ?)
ORDER BY id
`, emailID, emailID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	return collectSQLiteEvents(rows)
}

func collectSQLiteEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev                                        models.AuditEvent
			emailID, messageID, details, errorMessage sql.NullString
			ms                                        sql.NullInt64
			at                                        string
		)
		if err := rows.Scan(&ev.OrganizationID, &emailID, &ev.CorrelationID, &messageID,
			&ev.Step, &ev.Status, &details, &errorMessage, &ms, &at); err != nil {
			return nil, err
		}
		ev.EmailID = emailID.String
		ev.MessageID = messageID.String
		ev.ErrorMessage = errorMessage.String
		if ms.Valid {
			v := ms.Int64
			ev.ProcessingTimeMs = &v
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		var err error
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
