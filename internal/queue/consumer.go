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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer pops messages off the queue.
type Consumer struct {
	rdb       lister
	queueName string
}

// NewConsumer creates a consumer reading the named list.
func NewConsumer(rdb *redis.Client, queueName string) *Consumer {
	return newConsumer(rdb, queueName)
}

func newConsumer(rdb lister, queueName string) *Consumer {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Consumer{rdb: rdb, queueName: queueName}
}

// Next blocks up to timeout for the next envelope. ok is false when the
// timeout elapsed with nothing to read.
func (c *Consumer) Next(ctx context.Context, timeout time.Duration) (env Envelope, ok bool, err error) {
	res, err := c.rdb.BRPop(ctx, timeout, c.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("redis BRPOP: %w", err)
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return Envelope{}, false, fmt.Errorf("%w: unexpected BRPOP reply of %d elements", ErrMalformedEnvelope, len(res))
	}

	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return Envelope{}, false, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Message.Validate(); err != nil {
		return Envelope{}, false, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, true, nil
}

// Requeue pushes env back onto the tail of the queue, behind everything
// already waiting.
func (c *Consumer) Requeue(ctx context.Context, env Envelope) error {
	return c.push(ctx, c.queueName, env)
}

// DeadLetter parks env on the dead-letter list for manual replay.
func (c *Consumer) DeadLetter(ctx context.Context, env Envelope) error {
	return c.push(ctx, c.queueName+DeadLetterSuffix, env)
}

func (c *Consumer) push(ctx context.Context, list string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal queue envelope: %w", err)
	}
	if err := c.rdb.LPush(ctx, list, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", list, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *Consumer) Ping(ctx context.Context) error {
	return ping(ctx, c.rdb)
}
