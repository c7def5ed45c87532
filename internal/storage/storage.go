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

// Package storage is the durable relational store: idempotency records,
// emails, transactions and the audit log. Postgres is used in production;
// SQLite serves single-node deployments and tests. Both implement the same
// method set.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bcem/receipts/internal/audit"
	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/models"
)

// Store is everything the service needs from the database.
type Store interface {
	idempotency.Store
	audit.Sink

	Persist(ctx context.Context, email models.EmailRecord, tx models.TransactionRecord) error
	GetTransactionByEmail(ctx context.Context, emailID string) (*models.TransactionRecord, error)
	CountTransactions(ctx context.Context, orgID string) (int, error)
	AuditTrailByCorrelation(ctx context.Context, correlationID string) ([]models.AuditEvent, error)
	AuditTrailByEmail(ctx context.Context, emailID string) ([]models.AuditEvent, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalDetails(d map[string]any) ([]byte, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return b, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
