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

package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/retry"
)

const starbucksReply = `{
  "date": "2026-04-02",
  "amount": 12.45,
  "currency": "usd",
  "merchant": "Starbucks Store #1234",
  "card_last4": "4242",
  "category": "Meals",
  "subcategory": "Coffee",
  "notes": null,
  "confidence": 92,
  "explanation": "Total line shows $12.45 at Starbucks."
}`

// sequenceModel returns replies in order, repeating the last one.
type sequenceModel struct {
	mu      sync.Mutex
	calls   int
	replies []string
	errs    []error
}

func (m *sequenceModel) Complete(context.Context, string, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if len(m.replies) == 0 {
		return "", nil
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return m.replies[i], nil
}

func noSleep() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func TestExtract_Starbucks(t *testing.T) {
	m := &sequenceModel{replies: []string{"```json\n" + starbucksReply + "\n```"}}
	e := NewExtractor(m, noSleep())

	r, err := e.ExtractReceiptData(context.Background(), "STARBUCKS STORE #1234 ... TOTAL $12.45")
	require.NoError(t, err)
	assert.Equal(t, "12.45", r.Amount.String())
	assert.Equal(t, "USD", r.Currency)
	assert.Contains(t, r.Merchant, "Starbucks")
	assert.Equal(t, "2026-04-02", r.DateString())
	require.NotNil(t, r.CardLast4)
	assert.Equal(t, "4242", *r.CardLast4)
	assert.Equal(t, 92, r.Confidence)
	assert.Nil(t, r.Notes)
}

func TestExtract_EmptyInput(t *testing.T) {
	m := &sequenceModel{}
	_, err := NewExtractor(m, noSleep()).ExtractReceiptDataWithRetry(context.Background(), "  \n", 3)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, m.calls)
}

func TestExtract_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		field string
	}{
		{"negative amount", `{"date":"2026-01-01","amount":-1,"currency":"USD","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`, "amount"},
		{"bad last4", `{"date":"2026-01-01","amount":1,"currency":"USD","merchant":"A","card_last4":"42","category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`, "card_last4"},
		{"confidence range", `{"date":"2026-01-01","amount":1,"currency":"USD","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":101,"explanation":""}`, "confidence"},
		{"fractional confidence", `{"date":"2026-01-01","amount":1,"currency":"USD","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":72.4,"explanation":""}`, "confidence"},
		{"bad date", `{"date":"01/02/2026","amount":1,"currency":"USD","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`, "date"},
		{"bad currency", `{"date":"2026-01-01","amount":1,"currency":"dollars","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`, "currency"},
		{"missing merchant", `{"date":"2026-01-01","amount":1,"currency":"USD","merchant":" ","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`, "merchant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &sequenceModel{replies: []string{tt.reply}}
			_, err := NewExtractor(m, noSleep()).ExtractReceiptData(context.Background(), "receipt")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaValidation)
			var se *SchemaError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.field, se.Field)
		})
	}
}

func TestExtract_UnknownFieldIsMalformed(t *testing.T) {
	m := &sequenceModel{replies: []string{`{"date":"2026-01-01","amount":1,"currency":"USD","merchant":"A","confidence":50,"tip":2}`}}
	_, err := NewExtractor(m, noSleep()).ExtractReceiptData(context.Background(), "receipt")
	assert.ErrorIs(t, err, llm.ErrMalformedResponse)
}

func TestExtract_SecurityHardStop(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		field string
	}{
		{"merchant", `{"date":"2026-01-01","amount":5,"currency":"USD","merchant":"Store 4111111111111111","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":80,"explanation":""}`, "merchant"},
		{"notes with separators", `{"date":"2026-01-01","amount":5,"currency":"USD","merchant":"Store","card_last4":null,"category":"x","subcategory":null,"notes":"paid with 4111-1111-1111-1111","confidence":80,"explanation":""}`, "notes"},
		{"also beats schema errors", `{"date":"bad","amount":-5,"currency":"USD","merchant":"5500 0000 0000 0004","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":80,"explanation":""}`, "merchant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &sequenceModel{replies: []string{tt.reply}}
			_, err := NewExtractor(m, noSleep()).ExtractReceiptDataWithRetry(context.Background(), "receipt", 3)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSecurityViolation)
			assert.NotErrorIs(t, err, retry.ErrExhausted)
			assert.Equal(t, 1, m.calls)

			var sv *SecurityViolationError
			require.True(t, errors.As(err, &sv))
			assert.Equal(t, tt.field, sv.Field)
			assert.NotContains(t, err.Error(), "1111")
		})
	}
}

func TestExtractWithRetry_RecoversFromTransientFailure(t *testing.T) {
	m := &sequenceModel{
		errs:    []error{&llm.TransientError{StatusCode: 529, Err: errors.New("overloaded")}},
		replies: []string{"", "not json", starbucksReply},
	}
	r, err := NewExtractor(m, noSleep()).ExtractReceiptDataWithRetry(context.Background(), "receipt", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, "12.45", r.Amount.String())
}

func TestExtractWithRetry_SchemaExhaustion(t *testing.T) {
	bad := `{"date":"2026-01-01","amount":-1,"currency":"USD","merchant":"A","card_last4":null,"category":"x","subcategory":null,"notes":null,"confidence":50,"explanation":""}`
	m := &sequenceModel{replies: []string{bad}}

	_, err := NewExtractor(m, noSleep()).ExtractReceiptDataWithRetry(context.Background(), "receipt", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, ErrSchemaValidation)
	assert.Equal(t, 3, m.calls)
}

func TestExtractWithRetry_PermanentAPIErrorNotRetried(t *testing.T) {
	m := &sequenceModel{errs: []error{&llm.APIError{StatusCode: 400, Message: "bad"}}}
	_, err := NewExtractor(m, noSleep()).ExtractReceiptDataWithRetry(context.Background(), "receipt", 3)
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
}

func TestContainsPAN(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Starbucks Store #1234", false},
		{"Order 123456789012", false},
		{"Order 1234567890123", true},
		{"4111 1111 1111 1111", true},
		{"4111-1111-1111-1111", true},
		{"4111.1111.1111.1111", true},
		{"4111  1111  1111  1111", true},
		{"4111/1111/1111/1111", true},
		{"4111 - 1111 - 1111 - 1111", true},
		{"Ref 4111 ABCD 1111 1111 1111", false},
		{"Order 12-34-56-78-90-12", false},
		{"card ending 4242", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainsPAN(tt.in), tt.in)
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "paid ************1111 today", Redact("paid 4111111111111111 today"))
	assert.Equal(t, "no card here 4242", Redact("no card here 4242"))
	assert.Equal(t, "card ************1111.", Redact("card 4111.1111.1111.1111."))
	assert.Equal(t, "card ************1111", Redact("card 4111  1111  1111  1111"))
}
