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

// Package retry runs network-bound operations with bounded exponential
// backoff and jitter. The backoff wait is cancellable through the context.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted matches any *RetryError via errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config controls a retried operation. Zero fields fall back to DefaultConfig.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryCondition decides whether a failure is worth another attempt.
	// Nil retries every error.
	RetryCondition func(err error) bool

	// OnRetry is called after the backoff wait, before the next attempt.
	OnRetry func(attempt int, err error)

	// Sleep and Jitter are overridable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(d time.Duration) time.Duration
}

// DefaultConfig returns 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// RetryError reports that every attempt failed.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

func (e *RetryError) Is(target error) bool { return target == ErrExhausted }

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.RetryCondition == nil {
		c.RetryCondition = func(error) bool { return true }
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Jitter == nil {
		c.Jitter = jitter
	}
	return c
}

// Backoff returns the delay before the attempt that follows failed attempt n
// (1-based), without jitter: min(base * factor^(n-1), max).
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(n-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 1) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the retry condition rejects the error, or
// MaxAttempts is reached. Errors rejected by the retry condition are returned
// unchanged; exhaustion returns a *RetryError wrapping the last failure.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("retry canceled after %d attempts: %w (last error: %w)", attempt-1, err, lastErr)
			}
			return zero, fmt.Errorf("retry canceled before first attempt: %w", err)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !cfg.RetryCondition(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Backoff(attempt)
		delay += cfg.Jitter(delay)
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry canceled after %d attempts: %w (last error: %w)", attempt, err, lastErr)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
	}

	return zero, &RetryError{Attempts: cfg.MaxAttempts, Last: lastErr}
}

// DoErr is Do for operations that produce no value.
func DoErr(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter adds up to 10% of the delay.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)/10 + 1))
}
