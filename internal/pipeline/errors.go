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

	"github.com/bcem/receipts/internal/correlation"
	"github.com/bcem/receipts/internal/extract"
	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/language"
	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/parse"
	"github.com/bcem/receipts/internal/rawstore"
	"github.com/bcem/receipts/internal/retry"
)

// Kind is the coarse failure category reported on a Failed outcome.
type Kind string

const (
	KindEmptyInput         Kind = "empty_input"
	KindTransientModel     Kind = "transient_model"
	KindSchemaValidation   Kind = "schema_validation"
	KindRetryExhausted     Kind = "retry_exhausted"
	KindSecurityViolation  Kind = "security_violation"
	KindAdmissionAmbiguous Kind = "admission_ambiguous"
	KindStorage            Kind = "storage"
	KindCanceled           Kind = "canceled"
	KindInternal           Kind = "internal"
)

// ErrNoReceiptText is returned by the parse step when a message yields no
// usable text from its subject, body or attachments.
var ErrNoReceiptText = errors.New("message has no receipt text")

// ProcessingError attributes a failure to one step of one correlation.
type ProcessingError struct {
	Kind          Kind
	Step          string
	CorrelationID string
	Err           error
}

func (e *ProcessingError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Classify maps an error from any pipeline collaborator to its Kind.
// Security violations win over everything else, then cancellation.
func Classify(err error) Kind {
	var pe *ProcessingError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, extract.ErrSecurityViolation):
		return KindSecurityViolation
	case errors.Is(err, idempotency.ErrAdmissionAmbiguous):
		return KindAdmissionAmbiguous
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrNoReceiptText),
		errors.Is(err, parse.ErrEmptyMessage),
		errors.Is(err, language.ErrEmptyInput),
		errors.Is(err, extract.ErrEmptyInput):
		return KindEmptyInput
	case errors.Is(err, extract.ErrSchemaValidation):
		// Exhausted schema failures stay distinct from an unreachable model.
		return KindSchemaValidation
	case errors.Is(err, retry.ErrExhausted):
		return KindRetryExhausted
	case llm.IsTransient(err):
		return KindTransientModel
	case errors.Is(err, rawstore.ErrNotFound), errors.Is(err, rawstore.ErrBadRef):
		return KindStorage
	}
	return KindInternal
}

// classifyAt refines Classify for the step that failed: anything unexpected
// while persisting is a storage failure.
func classifyAt(step string, err error) Kind {
	k := Classify(err)
	if k == KindInternal && step == correlation.StepPersist {
		return KindStorage
	}
	return k
}
