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

// Package queue moves inbound messages from the webhook boundary to the
// worker pool over a Redis list. Producers LPUSH, consumers BRPOP, so the
// list is FIFO.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/receipts/internal/models"
)

const (
	// DefaultQueue is the Redis list holding pending inbound messages.
	DefaultQueue = "receipts:inbound"

	// DeadLetterSuffix names the list, next to the queue, that holds
	// messages which exhausted their redeliveries.
	DeadLetterSuffix = ":dead"

	taskName = "receipts.process"
)

// ErrMalformedEnvelope is returned by Consumer.Next for a payload that is
// not a task envelope. The payload has already been removed from the list.
var ErrMalformedEnvelope = errors.New("malformed queue envelope")

// Envelope is the JSON document stored in the list.
type Envelope struct {
	ID         string                `json:"id"`
	Task       string                `json:"task"`
	Message    models.InboundMessage `json:"message"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
	// Attempts counts redeliveries after an unconfirmed admission.
	Attempts int `json:"attempts,omitempty"`
}

// lister is the subset of *redis.Client the queue uses.
type lister interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher pushes inbound messages onto the queue.
type Publisher struct {
	rdb       lister
	queueName string
	now       func() time.Time
}

// NewPublisher creates a publisher targeting the named list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return newPublisher(rdb, queueName)
}

func newPublisher(rdb lister, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and publishes one message, returning its task id.
func (p *Publisher) Enqueue(ctx context.Context, msg models.InboundMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	env := Envelope{
		ID:         uuid.New().String(),
		Task:       taskName,
		Message:    msg,
		EnqueuedAt: p.now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal queue envelope: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("enqueued inbound message",
		"task_id", env.ID,
		"message_id", msg.MessageID,
		"org_id", msg.OrganizationID,
		"alias", msg.Alias,
		"queue", p.queueName,
	)
	return env.ID, nil
}

// Depth returns the number of pending messages.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	n, err := p.rdb.LLen(ctx, p.queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return ping(ctx, p.rdb)
}

func ping(ctx context.Context, rdb lister) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
