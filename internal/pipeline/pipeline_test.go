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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/receipts/internal/correlation"
	"github.com/bcem/receipts/internal/extract"
	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/language"
	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/parse"
	"github.com/bcem/receipts/internal/rawstore"
	"github.com/bcem/receipts/internal/retry"
)

const starbucksReply = `{"date":"2026-04-02","amount":12.45,"currency":"USD",
"merchant":"Starbucks Store #1234","card_last4":"4242","category":"Meals",
"subcategory":"Coffee","notes":null,"confidence":92,"explanation":"Total line shows $12.45."}`

// receiptModel answers detection, translation and extraction prompts.
type receiptModel struct {
	mu             sync.Mutex
	detectCalls    int
	translateCalls int
	extractPrompts []string
	extractReplies []string
	detectErrs     []error
}

func (m *receiptModel) Complete(_ context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(system, "identify the natural language"):
		i := m.detectCalls
		m.detectCalls++
		if i < len(m.detectErrs) && m.detectErrs[i] != nil {
			return "", m.detectErrs[i]
		}
		if strings.Contains(prompt, "Gracias") {
			return `{"language":"Spanish","confidence":0.97,"language_code":"es"}`, nil
		}
		return `{"language":"English","confidence":0.99,"language_code":"en"}`, nil
	case strings.Contains(system, "translate receipt"):
		m.translateCalls++
		return `{"translated_text":"Thank you for your purchase. Total: $25.99","confidence":0.93}`, nil
	}
	i := len(m.extractPrompts)
	m.extractPrompts = append(m.extractPrompts, prompt)
	if i >= len(m.extractReplies) {
		i = len(m.extractReplies) - 1
	}
	return m.extractReplies[i], nil
}

func (m *receiptModel) extractCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.extractPrompts)
}

type memRaw map[string][]byte

func (m memRaw) Get(_ context.Context, ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", ref, rawstore.ErrNotFound)
	}
	return b, nil
}

type memPersister struct {
	mu     sync.Mutex
	emails []models.EmailRecord
	txs    []models.TransactionRecord
	err    error
}

func (p *memPersister) Persist(_ context.Context, email models.EmailRecord, tx models.TransactionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.emails = append(p.emails, email)
	p.txs = append(p.txs, tx)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *recorder) Emit(ev models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// stepStatuses lists "step:status" for the four pipeline steps, in order.
func (r *recorder) stepStatuses(correlationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.CorrelationID != correlationID {
			continue
		}
		switch ev.Step {
		case correlation.StepParse, correlation.StepNormalize, correlation.StepExtract, correlation.StepPersist:
			out = append(out, ev.Step+":"+ev.Status)
		}
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	model   *receiptModel
	store   *memPersister
	records *idempotency.MemoryStore
	audit   *recorder
	tracker *correlation.Tracker
	raw     memRaw
}

func noSleep() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func newHarness(replies ...string) *harness {
	h := &harness{
		model:   &receiptModel{extractReplies: replies},
		store:   &memPersister{},
		records: idempotency.NewMemoryStore(),
		audit:   &recorder{},
		raw:     memRaw{},
	}
	h.tracker = correlation.NewTracker(h.audit)
	h.orch = New(Deps{
		Guard:      idempotency.NewGuard(h.records),
		Tracker:    h.tracker,
		Raw:        h.raw,
		Parser:     parse.NewParser(),
		Normalizer: language.NewNormalizer(h.model),
		Extractor:  extract.NewExtractor(h.model, noSleep()),
		Store:      h.store,
	}, Config{Retry: noSleep()})
	return h
}

func mime(subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: Store <Receipts@Store.example>",
		"To: receipts@acme.example",
		"Subject: " + subject,
		"Message-ID: <m1@store.example>",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
		"",
	}, "\r\n"))
}

func (h *harness) deliver(id string, raw []byte) models.InboundMessage {
	ref := "file:" + id
	h.raw[ref] = raw
	return models.InboundMessage{
		OrganizationID: "org-1",
		Alias:          "receipts",
		Provider:       models.ProviderPostmark,
		MessageID:      id,
		RawRef:         ref,
		ReceivedAt:     time.Now(),
	}
}

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(starbucksReply)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS STORE #1234 ... TOTAL $12.45"))

	out := h.orch.Process(context.Background(), msg)
	done, ok := out.(Completed)
	require.True(t, ok, "got %#v", out)

	assert.Equal(t, "12.45", done.Receipt.Amount.String())
	assert.Contains(t, done.Receipt.Merchant, "Starbucks")
	assert.GreaterOrEqual(t, done.Receipt.Confidence, 0)
	assert.False(t, done.NeedsReview)
	assert.Equal(t, models.EmailStatusProcessed, out.Status())
	assert.Equal(t, 1, h.model.detectCalls)
	assert.Zero(t, h.model.translateCalls)

	require.Len(t, h.store.txs, 1)
	tx := h.store.txs[0]
	assert.Equal(t, done.TransactionID, tx.ID)
	assert.Equal(t, done.EmailID, tx.EmailID)
	assert.Equal(t, "Starbucks Store #1234", tx.Merchant)
	assert.Equal(t, "Meals", tx.Category)
	email := h.store.emails[0]
	assert.Equal(t, "receipts@store.example", email.Sender)
	assert.Equal(t, "Your receipt", email.Subject)
	assert.Equal(t, done.Summary.CorrelationID, email.CorrelationID)

	// Every started step completed.
	assert.True(t, done.Summary.Success)
	assert.Equal(t, 4, done.Summary.StepsCompleted)
	require.Len(t, done.Summary.AuditTrail, 4)
	for _, s := range done.Summary.AuditTrail {
		assert.Equal(t, correlation.StatusCompleted, s.Status, s.Name)
	}

	rec, ok := h.records.Get(findRecordID(t, h.records, msg))
	require.True(t, ok)
	assert.Equal(t, done.EmailID, rec.EmailID)
	assert.Zero(t, h.tracker.ActiveCount())
}

func findRecordID(t *testing.T, store *idempotency.MemoryStore, msg models.InboundMessage) string {
	t.Helper()
	res, err := store.Admit(context.Background(), models.IdempotencyRecord{
		ID:             "probe",
		OrganizationID: msg.OrganizationID,
		Alias:          msg.Alias,
		MessageID:      msg.MessageID,
		Provider:       msg.Provider,
		ProcessedAt:    time.Now(),
	})
	require.NoError(t, err)
	require.False(t, res.Inserted)
	return res.Record.ID
}

func TestProcess_DuplicateDelivery(t *testing.T) {
	h := newHarness(starbucksReply)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS STORE #1234 ... TOTAL $12.45"))

	first, ok := h.orch.Process(context.Background(), msg).(Completed)
	require.True(t, ok)

	out := h.orch.Process(context.Background(), msg)
	skipped, ok := out.(Skipped)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, SkipReasonDuplicate, skipped.Reason)
	assert.Equal(t, first.EmailID, skipped.ExistingEmailID)
	assert.Equal(t, StatusSkipped, out.Status())

	assert.Len(t, h.store.txs, 1)
	assert.Equal(t, 1, h.model.extractCalls(), "no model calls for a duplicate")
}

func TestProcess_ConcurrentRedelivery(t *testing.T) {
	h := newHarness(starbucksReply)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS STORE #1234 ... TOTAL $12.45"))

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.orch.Process(context.Background(), msg)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if _, ok := o.(Completed); ok {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Len(t, h.store.txs, 1)
}

func TestProcess_SpanishReceipt(t *testing.T) {
	reply := `{"date":"2026-04-03","amount":25.99,"currency":"USD","merchant":"Tienda Sol",
"card_last4":null,"category":"Shopping","subcategory":null,"notes":null,"confidence":81,"explanation":"Total line."}`
	h := newHarness(reply)
	msg := h.deliver("m-es", mime("Recibo", "Gracias por su compra. Total: $25.99"))

	out := h.orch.Process(context.Background(), msg)
	done, ok := out.(Completed)
	require.True(t, ok, "got %#v", out)

	assert.Equal(t, "Spanish", done.Translation.SourceLanguage)
	assert.Contains(t, done.Translation.TranslatedText, "Thank you")
	assert.Contains(t, done.Translation.TranslatedText, "25.99")
	assert.Equal(t, 1, h.model.translateCalls)

	require.Len(t, h.model.extractPrompts, 1)
	assert.Contains(t, h.model.extractPrompts[0], "Thank you", "extraction runs on the translated text")
	assert.Equal(t, "25.99", done.Receipt.Amount.String())
}

func TestProcess_SecurityViolationIsFatal(t *testing.T) {
	reply := strings.Replace(starbucksReply, "Starbucks Store #1234", "Store 4111111111111111", 1)
	h := newHarness(reply)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	out := h.orch.Process(context.Background(), msg)
	failed, ok := out.(Failed)
	require.True(t, ok, "got %#v", out)

	assert.Equal(t, KindSecurityViolation, failed.Kind)
	assert.Equal(t, correlation.StepExtract, failed.Step)
	assert.NotEmpty(t, failed.CorrelationID)
	assert.NotContains(t, failed.Message, "4111")
	assert.ErrorIs(t, failed.Err, extract.ErrSecurityViolation)
	assert.Equal(t, 1, h.model.extractCalls())
	assert.Empty(t, h.store.txs)
	assert.Equal(t, models.EmailStatusFailed, out.Status())

	for _, ev := range h.audit.events {
		assert.NotContains(t, ev.ErrorMessage, "4111111111111111")
	}
}

func TestProcess_ExtractFailureCorrelation(t *testing.T) {
	bad := strings.Replace(starbucksReply, `"currency":"USD"`, `"currency":"dollars"`, 1)
	h := newHarness(bad)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	out := h.orch.Process(context.Background(), msg)
	failed, ok := out.(Failed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, KindSchemaValidation, failed.Kind)
	assert.ErrorIs(t, failed.Err, retry.ErrExhausted)
	assert.Equal(t, 3, h.model.extractCalls())

	assert.Equal(t, []string{
		"parse:started", "parse:completed",
		"normalize:started", "normalize:completed",
		"extract:started", "extract:failed",
	}, h.audit.stepStatuses(failed.CorrelationID))
	assert.Empty(t, h.store.emails, "no email row for a failed attempt")
	assert.Zero(t, h.tracker.ActiveCount())

	// A redelivery of the failed attempt is a duplicate with no email.
	again, ok := h.orch.Process(context.Background(), msg).(Skipped)
	require.True(t, ok)
	assert.Empty(t, again.ExistingEmailID)
}

func TestProcess_NormalizeRetriesTransientFailures(t *testing.T) {
	h := newHarness(starbucksReply)
	h.model.detectErrs = []error{
		&llm.TransientError{StatusCode: 529, Err: errors.New("overloaded")},
		&llm.TransientError{StatusCode: 503, Err: errors.New("unavailable")},
	}
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	_, ok := h.orch.Process(context.Background(), msg).(Completed)
	require.True(t, ok)
	assert.Equal(t, 3, h.model.detectCalls)
}

func TestProcess_NormalizeExhausted(t *testing.T) {
	h := newHarness(starbucksReply)
	transient := &llm.TransientError{StatusCode: 500, Err: errors.New("boom")}
	h.model.detectErrs = []error{transient, transient, transient}
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	failed, ok := h.orch.Process(context.Background(), msg).(Failed)
	require.True(t, ok)
	assert.Equal(t, KindRetryExhausted, failed.Kind)
	assert.Equal(t, correlation.StepNormalize, failed.Step)
	assert.Zero(t, h.model.extractCalls())
}

func TestProcess_NeedsReviewBelowThreshold(t *testing.T) {
	low := strings.Replace(starbucksReply, `"confidence":92`, `"confidence":55`, 1)
	h := newHarness(low)
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	out := h.orch.Process(context.Background(), msg)
	done, ok := out.(Completed)
	require.True(t, ok)
	assert.True(t, done.NeedsReview)
	assert.Equal(t, models.EmailStatusNeedsReview, out.Status())
	assert.Equal(t, models.EmailStatusNeedsReview, h.store.emails[0].Status)
	assert.True(t, h.store.txs[0].NeedsReview)
}

func TestProcess_ReviewThreshold(t *testing.T) {
	low := strings.Replace(starbucksReply, `"confidence":92`, `"confidence":55`, 1)
	tests := []struct {
		name      string
		threshold *int
		want      bool
	}{
		{"default", nil, true},
		{"zero never reviews", ptr(0), false},
		{"at threshold", ptr(55), false},
		{"above threshold", ptr(56), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(low)
			h.orch = New(h.orch.d, Config{Retry: noSleep(), ReviewThreshold: tt.threshold})
			msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

			done, ok := h.orch.Process(context.Background(), msg).(Completed)
			require.True(t, ok)
			assert.Equal(t, tt.want, done.NeedsReview)
			assert.Equal(t, tt.want, h.store.txs[0].NeedsReview)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestProcess_RawMessageMissing(t *testing.T) {
	h := newHarness(starbucksReply)
	msg := h.deliver("m1", nil)
	delete(h.raw, msg.RawRef)

	failed, ok := h.orch.Process(context.Background(), msg).(Failed)
	require.True(t, ok)
	assert.Equal(t, KindStorage, failed.Kind)
	assert.Equal(t, correlation.StepParse, failed.Step)
	assert.Equal(t, []string{"parse:started", "parse:failed"}, h.audit.stepStatuses(failed.CorrelationID))
}

func TestProcess_PersistFailure(t *testing.T) {
	h := newHarness(starbucksReply)
	h.store.err = errors.New("connection reset")
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	failed, ok := h.orch.Process(context.Background(), msg).(Failed)
	require.True(t, ok)
	assert.Equal(t, KindStorage, failed.Kind)
	assert.Equal(t, correlation.StepPersist, failed.Step)
}

type brokenStore struct{ idempotency.MemoryStore }

func (*brokenStore) Admit(context.Context, models.IdempotencyRecord) (idempotency.AdmitResult, error) {
	return idempotency.AdmitResult{}, errors.New("database unavailable")
}

func TestProcess_AdmissionAmbiguous(t *testing.T) {
	h := newHarness(starbucksReply)
	h.orch.d.Guard = idempotency.NewGuard(&brokenStore{})
	msg := h.deliver("m1", mime("Your receipt", "STARBUCKS ... TOTAL $12.45"))

	failed, ok := h.orch.Process(context.Background(), msg).(Failed)
	require.True(t, ok)
	assert.Equal(t, KindAdmissionAmbiguous, failed.Kind)
	assert.Empty(t, failed.CorrelationID, "no correlation context before admission")
	assert.Empty(t, h.audit.events)
	assert.Zero(t, h.model.extractCalls())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"security", &extract.SecurityViolationError{Field: "merchant"}, KindSecurityViolation},
		{"empty extract", extract.ErrEmptyInput, KindEmptyInput},
		{"empty language", fmt.Errorf("normalize: %w", language.ErrEmptyInput), KindEmptyInput},
		{"schema", &extract.SchemaError{Field: "amount", Reason: "negative"}, KindSchemaValidation},
		{"schema exhausted", &retry.RetryError{Attempts: 3, Last: &extract.SchemaError{Field: "amount"}}, KindSchemaValidation},
		{"transient exhausted", &retry.RetryError{Attempts: 3, Last: &llm.TransientError{StatusCode: 503}}, KindRetryExhausted},
		{"transient", &llm.TransientError{StatusCode: 429}, KindTransientModel},
		{"malformed", llm.ErrMalformedResponse, KindTransientModel},
		{"canceled", fmt.Errorf("retry canceled: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindCanceled},
		{"admission", fmt.Errorf("%w: boom", idempotency.ErrAdmissionAmbiguous), KindAdmissionAmbiguous},
		{"raw missing", rawstore.ErrNotFound, KindStorage},
		{"processing error", &ProcessingError{Kind: KindStorage, Err: errors.New("x")}, KindStorage},
		{"other", errors.New("unexpected"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
