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

// Package pipeline turns one admitted inbound message into a persisted
// transaction: parse, normalize, extract, persist, in that order, with every
// step recorded against the message's correlation id.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/receipts/internal/correlation"
	"github.com/bcem/receipts/internal/extract"
	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/retry"
)

const (
	DefaultExtractAttempts = 3
	DefaultReviewThreshold = 70
	DefaultMessageTimeout  = 2 * time.Minute
)

// Message states, logged on each transition.
const (
	stateReceived    = "received"
	stateAdmitted    = "admitted"
	stateParsing     = "parsing"
	stateNormalizing = "normalizing"
	stateExtracting  = "extracting"
	statePersisting  = "persisting"
	stateCompleted   = "completed"
	stateFailed      = "failed"
)

// Admitter is the idempotency guard.
type Admitter interface {
	Admit(ctx context.Context, msg models.InboundMessage, correlationID string) (idempotency.Admission, error)
	LinkEmail(ctx context.Context, recordID, emailID string) error
}

// Tracker is the correlation tracker.
type Tracker interface {
	NewCorrelationID() string
	Create(p correlation.Params) correlation.Context
	StartStep(correlationID, step string, details map[string]any)
	CompleteStep(correlationID, step string, details map[string]any, emailID string)
	FailStep(correlationID, step string, stepErr error, details map[string]any, emailID string)
	LinkEmailRecord(correlationID, emailID string)
	LinkTransactionRecord(correlationID, transactionID, emailID string)
	Complete(correlationID string, success bool, finalDetails map[string]any) (correlation.Summary, error)
}

// RawSource resolves a raw-message reference to MIME bytes.
type RawSource interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

type Parser interface {
	Parse(raw []byte) (models.ParsedEmail, error)
}

type Normalizer interface {
	NormalizeText(ctx context.Context, text string) (models.TranslationResult, error)
}

type Extractor interface {
	ExtractReceiptDataWithRetry(ctx context.Context, text string, maxAttempts int) (models.ExtractedReceipt, error)
}

// Persister writes the email and transaction rows in one store transaction.
type Persister interface {
	Persist(ctx context.Context, email models.EmailRecord, tx models.TransactionRecord) error
}

// Deps are the collaborators of an Orchestrator. All are required.
type Deps struct {
	Guard      Admitter
	Tracker    Tracker
	Raw        RawSource
	Parser     Parser
	Normalizer Normalizer
	Extractor  Extractor
	Store      Persister
}

// Config tunes an Orchestrator. Zero values use the package defaults.
type Config struct {
	ExtractAttempts int
	// ReviewThreshold routes receipts with a lower confidence to review.
	// Nil uses DefaultReviewThreshold; 0 never routes to review.
	ReviewThreshold *int
	MessageTimeout  time.Duration
	// Retry is the backoff used around language normalization.
	Retry retry.Config
}

func (c Config) withDefaults() Config {
	if c.ExtractAttempts <= 0 {
		c.ExtractAttempts = DefaultExtractAttempts
	}
	threshold := DefaultReviewThreshold
	if c.ReviewThreshold != nil {
		threshold = *c.ReviewThreshold
	}
	c.ReviewThreshold = &threshold
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	return c
}

// Orchestrator runs the per-message state machine. It is safe for
// concurrent use; all shared state lives in its collaborators.
type Orchestrator struct {
	d     Deps
	cfg   Config
	now   func() time.Time
	newID func() string
}

// New creates an orchestrator.
func New(d Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		d:     d,
		cfg:   cfg.withDefaults(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// run carries the per-message values through the steps.
type run struct {
	ctx           context.Context
	msg           models.InboundMessage
	correlationID string
	recordID      string
	log           *slog.Logger
}

// Process admits msg and, unless it is a duplicate, takes it through every
// step. It never returns nil.
func (o *Orchestrator) Process(ctx context.Context, msg models.InboundMessage) Outcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.MessageTimeout)
	defer cancel()

	log := slog.With(
		"org_id", msg.OrganizationID,
		"alias", msg.Alias,
		"message_id", msg.MessageID,
		"provider", msg.Provider,
	)
	log.Debug("pipeline state", "state", stateReceived)

	correlationID := o.d.Tracker.NewCorrelationID()
	adm, err := o.d.Guard.Admit(ctx, msg, correlationID)
	if err != nil {
		kind := Classify(err)
		if kind != KindAdmissionAmbiguous {
			kind = KindInternal
		}
		log.Error("admission failed, message left for redelivery",
			"state", stateFailed,
			"kind", kind,
			"error", err,
		)
		return Failed{Kind: kind, Message: err.Error(), Err: &ProcessingError{Kind: kind, Err: err}}
	}
	if adm.IsDuplicate {
		log.Info("duplicate delivery skipped",
			"record_id", adm.RecordID,
			"existing_email_id", adm.ExistingEmailID,
		)
		return Skipped{
			Reason:              SkipReasonDuplicate,
			RecordID:            adm.RecordID,
			ExistingEmailID:     adm.ExistingEmailID,
			ExistingProcessedAt: adm.ExistingProcessedAt,
		}
	}

	o.d.Tracker.Create(correlation.Params{
		CorrelationID:  correlationID,
		OrganizationID: msg.OrganizationID,
		MessageID:      msg.MessageID,
		Provider:       msg.Provider,
		Alias:          msg.Alias,
		RawRef:         msg.RawRef,
	})
	r := &run{
		ctx:           ctx,
		msg:           msg,
		correlationID: correlationID,
		recordID:      adm.RecordID,
		log:           log.With("correlation_id", correlationID),
	}
	r.log.Info("pipeline state", "state", stateAdmitted, "record_id", adm.RecordID)

	parsed, err := runStep(o, r, correlation.StepParse, stateParsing, "", o.parse)
	if err != nil {
		return o.fail(r, err)
	}

	text := parsed.ReceiptText()
	tr, err := runStep(o, r, correlation.StepNormalize, stateNormalizing, "",
		func(r *run) (models.TranslationResult, map[string]any, error) {
			return o.normalize(r, text)
		})
	if err != nil {
		return o.fail(r, err)
	}

	receipt, err := runStep(o, r, correlation.StepExtract, stateExtracting, "",
		func(r *run) (models.ExtractedReceipt, map[string]any, error) {
			return o.extract(r, tr.TranslatedText)
		})
	if err != nil {
		return o.fail(r, err)
	}

	emailID, txID := o.newID(), o.newID()
	needsReview := receipt.Confidence < *o.cfg.ReviewThreshold
	_, err = runStep(o, r, correlation.StepPersist, statePersisting, emailID,
		func(r *run) (struct{}, map[string]any, error) {
			return o.persist(r, parsed, receipt, emailID, txID, needsReview)
		})
	if err != nil {
		return o.fail(r, err)
	}

	o.d.Tracker.LinkEmailRecord(correlationID, emailID)
	o.d.Tracker.LinkTransactionRecord(correlationID, txID, emailID)

	summary, err := o.d.Tracker.Complete(correlationID, true, map[string]any{
		"email_id":       emailID,
		"transaction_id": txID,
		"needs_review":   needsReview,
	})
	if err != nil {
		// The rows are committed; a missing context means it was swept early.
		r.log.Error("complete correlation", "error", err)
	}

	r.log.Info("pipeline state",
		"state", stateCompleted,
		"email_id", emailID,
		"transaction_id", txID,
		"needs_review", needsReview,
		"confidence", receipt.Confidence,
	)
	return Completed{
		EmailID:       emailID,
		TransactionID: txID,
		NeedsReview:   needsReview,
		Receipt:       receipt,
		Translation:   tr,
		Summary:       summary,
	}
}

// runStep brackets fn with start/complete/fail events. A failure comes back
// as a *ProcessingError naming the step.
func runStep[T any](o *Orchestrator, r *run, step, state, emailID string, fn func(*run) (T, map[string]any, error)) (T, error) {
	r.log.Info("pipeline state", "state", state)
	o.d.Tracker.StartStep(r.correlationID, step, nil)
	started := time.Now()

	v, details, err := fn(r)
	if err != nil {
		o.d.Tracker.FailStep(r.correlationID, step, err, details, emailID)
		var zero T
		return zero, &ProcessingError{
			Kind:          classifyAt(step, err),
			Step:          step,
			CorrelationID: r.correlationID,
			Err:           err,
		}
	}

	o.d.Tracker.CompleteStep(r.correlationID, step, details, emailID)
	r.log.Debug("step completed", "step", step, "duration_ms", time.Since(started).Milliseconds())
	return v, nil
}

func (o *Orchestrator) parse(r *run) (models.ParsedEmail, map[string]any, error) {
	raw, err := o.d.Raw.Get(r.ctx, r.msg.RawRef)
	if err != nil {
		return models.ParsedEmail{}, nil, err
	}
	parsed, err := o.d.Parser.Parse(raw)
	if err != nil {
		return models.ParsedEmail{}, nil, err
	}
	details := map[string]any{
		"size_bytes":  len(raw),
		"attachments": len(parsed.Attachments),
		"has_html":    parsed.HTML != "",
	}
	if parsed.ReceiptText() == "" {
		return models.ParsedEmail{}, details, ErrNoReceiptText
	}
	return parsed, details, nil
}

func (o *Orchestrator) normalize(r *run, text string) (models.TranslationResult, map[string]any, error) {
	cfg := o.cfg.Retry
	cfg.MaxAttempts = o.cfg.ExtractAttempts
	cfg.RetryCondition = llm.IsTransient
	cfg.OnRetry = func(attempt int, err error) {
		r.log.Warn("retrying language normalization", "attempt", attempt, "error", err)
	}

	tr, err := retry.Do(r.ctx, cfg, func(ctx context.Context) (models.TranslationResult, error) {
		return o.d.Normalizer.NormalizeText(ctx, text)
	})
	if err != nil {
		return models.TranslationResult{}, nil, err
	}

	details := map[string]any{
		"source_language": tr.SourceLanguage,
		"status":          tr.Status,
		"confidence":      tr.Confidence,
	}
	if tr.Degraded() {
		details["reason"] = tr.Reason
		r.log.Warn("translation degraded, extracting from source text", "reason", tr.Reason)
	}
	return tr, details, nil
}

func (o *Orchestrator) extract(r *run, text string) (models.ExtractedReceipt, map[string]any, error) {
	receipt, err := o.d.Extractor.ExtractReceiptDataWithRetry(r.ctx, text, o.cfg.ExtractAttempts)
	if err != nil {
		return models.ExtractedReceipt{}, map[string]any{"max_attempts": o.cfg.ExtractAttempts}, err
	}
	return receipt, map[string]any{
		"confidence": receipt.Confidence,
		"currency":   receipt.Currency,
		"category":   receipt.Category,
	}, nil
}

func (o *Orchestrator) persist(r *run, parsed models.ParsedEmail, receipt models.ExtractedReceipt, emailID, txID string, needsReview bool) (struct{}, map[string]any, error) {
	now := o.now()
	status := models.EmailStatusProcessed
	if needsReview {
		status = models.EmailStatusNeedsReview
	}

	email := models.EmailRecord{
		ID:             emailID,
		OrganizationID: r.msg.OrganizationID,
		Alias:          r.msg.Alias,
		Provider:       r.msg.Provider,
		MessageID:      r.msg.MessageID,
		Subject:        parsed.Subject,
		Sender:         parsed.From.Address,
		RawRef:         r.msg.RawRef,
		CorrelationID:  r.correlationID,
		Status:         status,
		CreatedAt:      now,
	}
	tx := models.TransactionRecord{
		ID:             txID,
		EmailID:        emailID,
		OrganizationID: r.msg.OrganizationID,
		Date:           receipt.Date,
		Amount:         receipt.Amount,
		Currency:       receipt.Currency,
		Merchant:       receipt.Merchant,
		CardLast4:      receipt.CardLast4,
		Category:       receipt.Category,
		Subcategory:    receipt.Subcategory,
		Notes:          receipt.Notes,
		Confidence:     receipt.Confidence,
		Explanation:    receipt.Explanation,
		NeedsReview:    needsReview,
		CreatedAt:      now,
	}
	if err := o.d.Store.Persist(r.ctx, email, tx); err != nil {
		return struct{}{}, nil, err
	}

	// The record already blocks redelivery, so a failed link only loses
	// the shortcut from record to email.
	if err := o.d.Guard.LinkEmail(r.ctx, r.recordID, emailID); err != nil {
		r.log.Warn("link idempotency record", "record_id", r.recordID, "email_id", emailID, "error", err)
	}
	return struct{}{}, map[string]any{"transaction_id": txID, "status": status}, nil
}

func (o *Orchestrator) fail(r *run, err error) Outcome {
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		pe = &ProcessingError{Kind: Classify(err), CorrelationID: r.correlationID, Err: err}
	}

	var sv *extract.SecurityViolationError
	if errors.As(err, &sv) {
		r.log.Error("security violation, message held for manual review",
			"state", stateFailed,
			"step", pe.Step,
			"field", sv.Field,
		)
	} else {
		r.log.Error("pipeline state",
			"state", stateFailed,
			"step", pe.Step,
			"kind", pe.Kind,
			"error", err,
		)
	}

	if _, cerr := o.d.Tracker.Complete(r.correlationID, false, map[string]any{
		"error": pe.Error(),
		"kind":  string(pe.Kind),
		"step":  pe.Step,
	}); cerr != nil {
		r.log.Error("complete correlation", "error", cerr)
	}

	return Failed{
		Kind:          pe.Kind,
		Step:          pe.Step,
		Message:       pe.Error(),
		CorrelationID: r.correlationID,
		Err:           pe,
	}
}
