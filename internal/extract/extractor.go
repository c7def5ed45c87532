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

// Package extract turns normalized receipt text into a validated
// ExtractedReceipt using the model.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/retry"
)

var (
	ErrEmptyInput        = errors.New("empty input text")
	ErrSchemaValidation  = errors.New("receipt schema validation failed")
	ErrSecurityViolation = errors.New("security violation")
)

// SchemaError is a well-formed reply that does not satisfy the receipt schema.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid receipt field %s: %s", e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaValidation }

// SecurityViolationError means a field looked like a full card number. The
// offending value is never part of the error.
type SecurityViolationError struct {
	Field string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("possible card number in field %s", e.Field)
}

func (e *SecurityViolationError) Is(target error) bool { return target == ErrSecurityViolation }

// Model is the subset of the model client the extractor needs.
type Model interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

var (
	// 13-19 digits, each pair separated by at most three punctuation or
	// whitespace characters.
	panPattern      = regexp.MustCompile(`\d(?:[^0-9A-Za-z]{0,3}\d){12,18}`)
	last4Pattern    = regexp.MustCompile(`^\d{4}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

const systemPrompt = `You extract a single financial transaction from receipt text.
Respond with JSON only, no prose, matching exactly this schema:
{
  "date": "YYYY-MM-DD",
  "amount": <total charged, number >= 0>,
  "currency": "<3-letter ISO 4217 code>",
  "merchant": "<merchant name>",
  "card_last4": "<last 4 digits of the card>" or null,
  "category": "<spending category>",
  "subcategory": "<subcategory>" or null,
  "notes": "<short note>" or null,
  "confidence": <integer 0-100>,
  "explanation": "<one sentence on how the values were chosen>"
}
Never output a full card number anywhere. Use only the last 4 digits in card_last4.`

// reply is the wire shape expected from the model.
type reply struct {
	Date        string           `json:"date"`
	Amount      *decimal.Decimal `json:"amount"`
	Currency    string           `json:"currency"`
	Merchant    string           `json:"merchant"`
	CardLast4   *string          `json:"card_last4"`
	Category    string           `json:"category"`
	Subcategory *string          `json:"subcategory"`
	Notes       *string          `json:"notes"`
	Confidence  *float64         `json:"confidence"`
	Explanation string           `json:"explanation"`
}

// Extractor calls the model and validates what comes back.
type Extractor struct {
	model Model
	retry retry.Config
}

// NewExtractor creates an extractor. retryCfg supplies the backoff used by
// ExtractReceiptDataWithRetry; MaxAttempts there is overridden per call.
func NewExtractor(model Model, retryCfg retry.Config) *Extractor {
	return &Extractor{model: model, retry: retryCfg}
}

// ExtractReceiptData makes one extraction attempt.
func (e *Extractor) ExtractReceiptData(ctx context.Context, text string) (models.ExtractedReceipt, error) {
	if strings.TrimSpace(text) == "" {
		return models.ExtractedReceipt{}, ErrEmptyInput
	}

	raw, err := e.model.Complete(ctx, systemPrompt, text)
	if err != nil {
		return models.ExtractedReceipt{}, fmt.Errorf("extract receipt: %w", err)
	}

	var r reply
	if err := llm.DecodeJSON(raw, &r, true); err != nil {
		return models.ExtractedReceipt{}, fmt.Errorf("extract receipt: %w", err)
	}

	// The card scan runs before schema checks so a leak is never retried.
	if err := scanForPAN(r); err != nil {
		return models.ExtractedReceipt{}, err
	}

	return validate(r)
}

// ExtractReceiptDataWithRetry retries transient and schema failures up to
// maxAttempts. Security violations, empty input and cancellation are
// returned immediately.
func (e *Extractor) ExtractReceiptDataWithRetry(ctx context.Context, text string, maxAttempts int) (models.ExtractedReceipt, error) {
	cfg := e.retry
	cfg.MaxAttempts = maxAttempts
	cfg.RetryCondition = Retryable
	cfg.OnRetry = func(attempt int, err error) {
		slog.Warn("retrying receipt extraction", "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) (models.ExtractedReceipt, error) {
		return e.ExtractReceiptData(ctx, text)
	})
}

// Retryable reports whether an extraction failure may succeed on a re-prompt.
func Retryable(err error) bool {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, ErrSecurityViolation),
		errors.Is(err, ErrEmptyInput),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &apiErr):
		return false
	}
	return true
}

func scanForPAN(r reply) error {
	if ContainsPAN(r.Merchant) {
		return &SecurityViolationError{Field: "merchant"}
	}
	if r.Notes != nil && ContainsPAN(*r.Notes) {
		return &SecurityViolationError{Field: "notes"}
	}
	return nil
}

// ContainsPAN reports whether s holds a 13-19 digit run, ignoring single
// spaces or dashes between digits.
func ContainsPAN(s string) bool {
	return panPattern.MatchString(s)
}

// Redact masks every card-number-like run in s, keeping the last 4 digits.
func Redact(s string) string {
	return panPattern.ReplaceAllStringFunc(s, func(m string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m)
		return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
	})
}

func validate(r reply) (models.ExtractedReceipt, error) {
	date, err := time.Parse(models.DateLayout, strings.TrimSpace(r.Date))
	if err != nil {
		return models.ExtractedReceipt{}, &SchemaError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if r.Amount == nil {
		return models.ExtractedReceipt{}, &SchemaError{Field: "amount", Reason: "missing"}
	}
	if r.Amount.IsNegative() {
		return models.ExtractedReceipt{}, &SchemaError{Field: "amount", Reason: "must not be negative"}
	}
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if !currencyPattern.MatchString(currency) {
		return models.ExtractedReceipt{}, &SchemaError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	merchant := strings.TrimSpace(r.Merchant)
	if merchant == "" {
		return models.ExtractedReceipt{}, &SchemaError{Field: "merchant", Reason: "missing"}
	}
	if r.CardLast4 != nil && !last4Pattern.MatchString(*r.CardLast4) {
		return models.ExtractedReceipt{}, &SchemaError{Field: "card_last4", Reason: "must be exactly 4 digits or null"}
	}
	if r.Confidence == nil {
		return models.ExtractedReceipt{}, &SchemaError{Field: "confidence", Reason: "missing"}
	}
	if *r.Confidence < 0 || *r.Confidence > 100 {
		return models.ExtractedReceipt{}, &SchemaError{Field: "confidence", Reason: "must be between 0 and 100"}
	}
	if *r.Confidence != math.Trunc(*r.Confidence) {
		return models.ExtractedReceipt{}, &SchemaError{Field: "confidence", Reason: "must be an integer"}
	}

	return models.ExtractedReceipt{
		Date:        date,
		Amount:      *r.Amount,
		Currency:    currency,
		Merchant:    merchant,
		CardLast4:   r.CardLast4,
		Category:    strings.TrimSpace(r.Category),
		Subcategory: r.Subcategory,
		Notes:       r.Notes,
		Confidence:  int(*r.Confidence),
		Explanation: r.Explanation,
	}, nil
}
