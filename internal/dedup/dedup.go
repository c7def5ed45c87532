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

// Package dedup is a short-lived Redis filter in front of the inbound queue.
// Providers that retry a webhook within minutes are answered without
// storing or enqueueing the message a second time. It is an optimisation
// only: the idempotency guard remains the authority on duplicates.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/receipts/internal/models"
)

const (
	// DefaultTTL is how long a delivered identity is remembered.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "receipts:seen:"
)

type setter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Filter tracks which message identities have already been accepted.
type Filter struct {
	rdb setter
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A non-positive ttl uses
// DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	return newFilter(rdb, ttl)
}

func newFilter(rdb setter, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew returns true if the identity has NOT been seen within the TTL, and
// marks it seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, key models.MessageKey) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+key.String(), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears an identity so a later delivery is accepted again. The
// webhook calls it when enqueueing fails after IsNew returned true.
func (f *Filter) Forget(ctx context.Context, key models.MessageKey) error {
	if err := f.rdb.Del(ctx, keyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
