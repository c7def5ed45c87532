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

// Package webhook is the inbound boundary. Email providers POST raw MIME
// (or, for Microsoft 365, Graph change notifications) to
// /inbound/{provider}/{organization}; the handler stores the raw bytes,
// derives the message identity and enqueues it for the worker pool.
//
// A 2xx response means the message is durably queued. Storage or queue
// failures answer 503 so the provider redelivers; the idempotency guard
// downstream absorbs any resulting duplicates.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/bcem/receipts/internal/config"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/parse"
	"github.com/bcem/receipts/internal/rawstore"
)

const (
	// DefaultMaxBodyBytes matches the largest message providers deliver.
	DefaultMaxBodyBytes = 35 << 20

	// HeaderProviderMessageID carries the provider's own message id when
	// the relay knows it.
	HeaderProviderMessageID = "X-Provider-Message-Id"
)

// RawStore keeps raw MIME bytes.
type RawStore interface {
	Put(ctx context.Context, raw []byte) (string, error)
}

// Enqueuer is the inbound queue publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.InboundMessage) (string, error)
}

// SeenFilter is the optional short-lived duplicate filter.
type SeenFilter interface {
	IsNew(ctx context.Context, key models.MessageKey) (bool, error)
	Forget(ctx context.Context, key models.MessageKey) error
}

// Options configures a Handler. Raw and Queue are required.
type Options struct {
	Raw           RawStore
	Queue         Enqueuer
	Filter        SeenFilter
	Organizations []config.OrganizationConfig
	Tenants       []config.TenantConfig
	Checks        []Check
	MaxBodyBytes  int64
}

// Handler serves the inbound endpoints.
type Handler struct {
	raw     RawStore
	queue   Enqueuer
	filter  SeenFilter
	orgs    map[string]config.OrganizationConfig
	tenants map[string]config.TenantConfig
	checks  []Check
	maxBody int64
	now     func() time.Time
}

// NewHandler creates an inbound handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		raw:     opts.Raw,
		queue:   opts.Queue,
		filter:  opts.Filter,
		orgs:    make(map[string]config.OrganizationConfig, len(opts.Organizations)),
		tenants: make(map[string]config.TenantConfig, len(opts.Tenants)),
		checks:  opts.Checks,
		maxBody: opts.MaxBodyBytes,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	for _, o := range opts.Organizations {
		h.orgs[o.ID] = o
	}
	for _, t := range opts.Tenants {
		h.tenants[t.TenantID] = t
	}
	return h
}

type acceptedResponse struct {
	Status    string `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Queued    int    `json:"queued,omitempty"`
}

// ServeInbound handles POST /inbound/{provider}/{organization}.
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	provider, err := models.ParseProvider(r.PathValue("provider"))
	if err != nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	org, ok := h.orgs[r.PathValue("organization")]
	if !ok {
		http.Error(w, "unknown organization", http.StatusNotFound)
		return
	}

	if provider == models.ProviderM365 {
		h.serveGraph(w, r, org)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Error("failed to read inbound body", "error", err)
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		slog.Warn("inbound body is not a MIME message",
			"provider", provider,
			"org_id", org.ID,
			"error", err,
		)
		http.Error(w, "body is not a MIME message", http.StatusBadRequest)
		return
	}

	alias, ok := resolveAlias(org, env)
	if !ok {
		slog.Warn("no recipient belongs to organization", "org_id", org.ID, "provider", provider)
		http.Error(w, "no recipient belongs to this organization", http.StatusUnprocessableEntity)
		return
	}

	msg := models.InboundMessage{
		OrganizationID: org.ID,
		Alias:          alias,
		Provider:       provider,
		MessageID:      messageID(r, env, body),
		ReceivedAt:     h.now(),
	}

	if h.seenBefore(r.Context(), msg) {
		writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "duplicate", MessageID: msg.MessageID})
		return
	}

	ref, err := h.raw.Put(r.Context(), body)
	if err != nil {
		h.release(r.Context(), msg)
		slog.Error("failed to store raw message", "message_id", msg.MessageID, "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	msg.RawRef = ref

	taskID, err := h.queue.Enqueue(r.Context(), msg)
	if err != nil {
		h.release(r.Context(), msg)
		slog.Error("failed to enqueue inbound message", "message_id", msg.MessageID, "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "queued", TaskID: taskID, MessageID: msg.MessageID})
}

// seenBefore consults the filter. A filter error is logged and treated as
// new; the guard downstream is authoritative.
func (h *Handler) seenBefore(ctx context.Context, msg models.InboundMessage) bool {
	if h.filter == nil {
		return false
	}
	isNew, err := h.filter.IsNew(ctx, msg.Key())
	if err != nil {
		slog.Warn("dedup check failed, proceeding", "message_id", msg.MessageID, "error", err)
		return false
	}
	if !isNew {
		slog.Debug("skipping recently seen message", "message_id", msg.MessageID, "org_id", msg.OrganizationID)
	}
	return !isNew
}

// release undoes seenBefore so the provider's redelivery is accepted.
func (h *Handler) release(ctx context.Context, msg models.InboundMessage) {
	if h.filter == nil {
		return
	}
	if err := h.filter.Forget(ctx, msg.Key()); err != nil {
		slog.Warn("dedup release failed", "message_id", msg.MessageID, "error", err)
	}
}

// messageID prefers the relay's header, then the MIME Message-Id, then a
// content hash so identical bytes always map to one identity.
func messageID(r *http.Request, env *enmime.Envelope, body []byte) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderProviderMessageID)); id != "" {
		return id
	}
	if id := parse.MessageID(env); id != "" {
		return id
	}
	return "sha256:" + rawstore.Hash(body)
}

// resolveAlias returns the first recipient address configured for org, or
// the first To address when org lists no aliases.
func resolveAlias(org config.OrganizationConfig, env *enmime.Envelope) (string, bool) {
	recipients := recipientAddresses(env)
	if len(org.Aliases) == 0 {
		if len(recipients) == 0 {
			return "", false
		}
		return recipients[0], true
	}
	for _, addr := range recipients {
		for _, a := range org.Aliases {
			if addr == a {
				return a, true
			}
		}
	}
	return "", false
}

// recipientAddresses lists lowercased addresses from To, Cc and the
// envelope-recipient headers relays add, in that order.
func recipientAddresses(env *enmime.Envelope) []string {
	var out []string
	for _, h := range []string{"To", "Cc"} {
		list, err := env.AddressList(h)
		if err != nil {
			continue
		}
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	for _, h := range []string{"Delivered-To", "X-Original-To"} {
		v := env.GetHeader(h)
		if v == "" {
			continue
		}
		list, err := mail.ParseAddressList(v)
		if err != nil {
			continue
		}
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
