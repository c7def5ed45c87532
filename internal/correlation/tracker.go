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

// Package correlation tracks in-flight message processing under a
// correlation id. Every step start, completion and failure is emitted as an
// audit event. Step operations on an unknown id only log a warning so that
// an audit gap never blocks the pipeline; Complete is strict.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/receipts/internal/models"
)

// DefaultOrphanAge is how long a context may stay active without completion.
const DefaultOrphanAge = 60 * time.Minute

// ErrCorrelationNotFound is returned by Complete for an unknown id.
var ErrCorrelationNotFound = errors.New("correlation context not found")

type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step names used by the pipeline.
const (
	StepParse     = "parse"
	StepNormalize = "normalize"
	StepExtract   = "extract"
	StepPersist   = "persist"
	StepPipeline  = "pipeline"
	StepTxLinked  = "transaction-linked"
)

// ProcessingStep is one entry in a context's ordered step log.
type ProcessingStep struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	At       time.Time      `json:"at"`
	Duration time.Duration  `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Context is the in-memory state for one message between admission and
// completion.
type Context struct {
	CorrelationID  string           `json:"correlation_id"`
	OrganizationID string           `json:"organization_id"`
	MessageID      string           `json:"message_id"`
	Provider       models.Provider  `json:"provider"`
	Alias          string           `json:"alias"`
	RawRef         string           `json:"raw_ref,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	Steps          []ProcessingStep `json:"steps"`
}

func (c *Context) clone() Context {
	out := *c
	out.Steps = make([]ProcessingStep, len(c.Steps))
	copy(out.Steps, c.Steps)
	return out
}

// Summary is returned by Complete.
type Summary struct {
	CorrelationID       string           `json:"correlation_id"`
	TotalProcessingTime time.Duration    `json:"total_processing_time"`
	StepsCompleted      int              `json:"steps_completed"`
	Success             bool             `json:"success"`
	AuditTrail          []ProcessingStep `json:"audit_trail"`
}

// Emitter receives audit events. Implementations must not block.
type Emitter interface {
	Emit(event models.AuditEvent)
}

// Params describes the message a new context is created for.
type Params struct {
	// CorrelationID is generated when empty.
	CorrelationID  string
	OrganizationID string
	MessageID      string
	Provider       models.Provider
	Alias          string
	RawRef         string
}

// Tracker owns the set of active contexts. Create one per process.
type Tracker struct {
	emitter Emitter
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	active map[string]*Context
}

// NewTracker creates a tracker emitting to the given emitter (nil discards).
func NewTracker(emitter Emitter) *Tracker {
	return &Tracker{
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		active:  make(map[string]*Context),
	}
}

// NewCorrelationID returns a fresh, globally unique id.
func (t *Tracker) NewCorrelationID() string {
	return t.newID()
}

// Create registers a new active context and returns a snapshot of it.
func (t *Tracker) Create(p Params) Context {
	id := p.CorrelationID
	if id == "" {
		id = t.newID()
	}
	c := &Context{
		CorrelationID:  id,
		OrganizationID: p.OrganizationID,
		MessageID:      p.MessageID,
		Provider:       p.Provider,
		Alias:          p.Alias,
		RawRef:         p.RawRef,
		StartedAt:      t.now(),
	}

	t.mu.Lock()
	t.active[id] = c
	snap := c.clone()
	t.mu.Unlock()

	slog.Debug("correlation context created",
		"correlation_id", id,
		"message_id", p.MessageID,
		"org_id", p.OrganizationID,
	)
	return snap
}

// Get returns a snapshot of an active context.
func (t *Tracker) Get(correlationID string) (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.active[correlationID]
	if !ok {
		return Context{}, false
	}
	return c.clone(), true
}

// ActiveCount returns the number of contexts not yet completed or swept.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// StartStep appends a started entry for the named step.
func (t *Tracker) StartStep(correlationID, step string, details map[string]any) {
	t.mu.Lock()
	c, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("start step on unknown correlation id",
			"correlation_id", correlationID,
			"step", step,
		)
		return
	}
	now := t.now()
	c.Steps = append(c.Steps, ProcessingStep{
		Name:    step,
		Status:  StatusStarted,
		At:      now,
		Details: details,
	})
	ev := t.event(c, step, StatusStarted, details, "", "", nil, now)
	t.mu.Unlock()

	t.emit(ev)
}

// CompleteStep marks the most recent started entry of step as completed.
func (t *Tracker) CompleteStep(correlationID, step string, details map[string]any, emailID string) {
	t.finishStep(correlationID, step, StatusCompleted, nil, details, emailID)
}

// FailStep marks the most recent started entry of step as failed.
func (t *Tracker) FailStep(correlationID, step string, stepErr error, details map[string]any, emailID string) {
	t.finishStep(correlationID, step, StatusFailed, stepErr, details, emailID)
}

func (t *Tracker) finishStep(correlationID, step string, status Status, stepErr error, details map[string]any, emailID string) {
	t.mu.Lock()
	c, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("finish step on unknown correlation id",
			"correlation_id", correlationID,
			"step", step,
			"status", status,
		)
		return
	}

	now := t.now()
	errMsg := ""
	if stepErr != nil {
		errMsg = stepErr.Error()
	}

	idx := -1
	for i := len(c.Steps) - 1; i >= 0; i-- {
		if c.Steps[i].Name == step && c.Steps[i].Status == StatusStarted {
			idx = i
			break
		}
	}

	var dur time.Duration
	if idx >= 0 {
		s := &c.Steps[idx]
		dur = now.Sub(s.At)
		s.Status = status
		s.Duration = dur
		s.Error = errMsg
		s.Details = mergeDetails(s.Details, details)
	} else {
		slog.Warn("finish step without matching start",
			"correlation_id", correlationID,
			"step", step,
			"status", status,
		)
		c.Steps = append(c.Steps, ProcessingStep{
			Name:    step,
			Status:  status,
			At:      now,
			Details: details,
			Error:   errMsg,
		})
	}

	ms := dur.Milliseconds()
	ev := t.event(c, step, status, details, errMsg, emailID, &ms, now)
	t.mu.Unlock()

	t.emit(ev)
}

// LinkEmailRecord re-emits every prior step tagged with the email id, so the
// trail can be queried by email as well as by correlation id.
func (t *Tracker) LinkEmailRecord(correlationID, emailID string) {
	t.mu.Lock()
	c, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("link email on unknown correlation id",
			"correlation_id", correlationID,
			"email_id", emailID,
		)
		return
	}
	now := t.now()
	events := make([]models.AuditEvent, 0, len(c.Steps))
	for _, s := range c.Steps {
		var ms *int64
		if s.Status != StatusStarted {
			v := s.Duration.Milliseconds()
			ms = &v
		}
		events = append(events, t.event(c, s.Name+"-linked", s.Status, s.Details, s.Error, emailID, ms, now))
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.emit(ev)
	}
}

// LinkTransactionRecord emits an event carrying the transaction id, the
// cumulative processing time and the step count so far.
func (t *Tracker) LinkTransactionRecord(correlationID, transactionID, emailID string) {
	t.mu.Lock()
	c, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("link transaction on unknown correlation id",
			"correlation_id", correlationID,
			"transaction_id", transactionID,
		)
		return
	}
	now := t.now()
	ms := now.Sub(c.StartedAt).Milliseconds()
	details := map[string]any{
		"transaction_id": transactionID,
		"step_count":     len(c.Steps),
	}
	ev := t.event(c, StepTxLinked, StatusCompleted, details, "", emailID, &ms, now)
	t.mu.Unlock()

	t.emit(ev)
}

// Complete emits the final pipeline event, removes the context from the
// active set and returns its summary. An unknown id is a caller bug and is
// reported as ErrCorrelationNotFound.
func (t *Tracker) Complete(correlationID string, success bool, finalDetails map[string]any) (Summary, error) {
	t.mu.Lock()
	c, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		return Summary{}, fmt.Errorf("complete %s: %w", correlationID, ErrCorrelationNotFound)
	}
	delete(t.active, correlationID)

	now := t.now()
	total := now.Sub(c.StartedAt)
	snap := c.clone()

	completed := 0
	for _, s := range snap.Steps {
		if s.Status == StatusCompleted {
			completed++
		}
	}

	status := StatusCompleted
	errMsg := ""
	if !success {
		status = StatusFailed
		if v, ok := finalDetails["error"]; ok {
			errMsg = fmt.Sprint(v)
		}
	}
	ms := total.Milliseconds()
	ev := t.event(c, StepPipeline, status, finalDetails, errMsg, "", &ms, now)
	t.mu.Unlock()

	t.emit(ev)

	slog.Info("correlation completed",
		"correlation_id", correlationID,
		"success", success,
		"steps_completed", completed,
		"duration_ms", ms,
	)

	return Summary{
		CorrelationID:       correlationID,
		TotalProcessingTime: total,
		StepsCompleted:      completed,
		Success:             success,
		AuditTrail:          snap.Steps,
	}, nil
}

// CleanupOrphaned removes contexts started longer than maxAge ago. A
// non-positive maxAge uses DefaultOrphanAge.
func (t *Tracker) CleanupOrphaned(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultOrphanAge
	}
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	var removed []string
	for id, c := range t.active {
		if c.StartedAt.Before(cutoff) {
			delete(t.active, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	for _, id := range removed {
		slog.Warn("orphaned correlation context removed", "correlation_id", id)
	}
	return len(removed)
}

// event must be called with t.mu held.
func (t *Tracker) event(c *Context, step string, status Status, details map[string]any, errMsg, emailID string, ms *int64, at time.Time) models.AuditEvent {
	return models.AuditEvent{
		OrganizationID:   c.OrganizationID,
		EmailID:          emailID,
		CorrelationID:    c.CorrelationID,
		MessageID:        c.MessageID,
		Step:             step,
		Status:           string(status),
		Details:          copyDetails(details),
		ErrorMessage:     errMsg,
		ProcessingTimeMs: ms,
		At:               at,
	}
}

func (t *Tracker) emit(ev models.AuditEvent) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(ev)
}

func mergeDetails(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func copyDetails(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
