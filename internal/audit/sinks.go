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

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/receipts/internal/models"
)

const (
	DefaultStream    = "receipts:audit"
	DefaultStreamLen = 100000
)

// MultiSink writes every batch to each sink. All sinks are attempted; the
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, events []models.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the default slog logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, events []models.AuditEvent) error {
	for _, ev := range events {
		attrs := []any{
			"correlation_id", ev.CorrelationID,
			"org_id", ev.OrganizationID,
			"step", ev.Step,
			"status", ev.Status,
		}
		if ev.EmailID != "" {
			attrs = append(attrs, "email_id", ev.EmailID)
		}
		if ev.ProcessingTimeMs != nil {
			attrs = append(attrs, "duration_ms", *ev.ProcessingTimeMs)
		}
		if ev.ErrorMessage != "" {
			attrs = append(attrs, "error", ev.ErrorMessage)
		}
		slog.Info("audit", attrs...)
	}
	return nil
}

// streamAdder is the part of *redis.Client the stream sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a capped Redis stream for dashboards.
type RedisStreamSink struct {
	rdb    streamAdder
	stream string
	maxLen int64
}

func NewRedisStreamSink(rdb *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return newRedisStreamSink(rdb, stream, maxLen)
}

func newRedisStreamSink(rdb streamAdder, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamLen
	}
	return &RedisStreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, events []models.AuditEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		err = s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"correlation_id": ev.CorrelationID,
				"step":           ev.Step,
				"status":         ev.Status,
				"event":          string(payload),
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("redis XADD %s: %w", s.stream, err)
		}
	}
	return nil
}
