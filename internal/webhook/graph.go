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

package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcem/receipts/internal/config"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/rawstore"
)

// ChangeNotification represents a single Graph API change notification.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	TenantID       string `json:"tenantId"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// serveGraph handles Microsoft 365 notifications.
//
// Graph API validation flow:
//   - When creating a subscription, Graph sends a POST with ?validationToken=<token>
//   - We must respond 200 OK with the token in plain text
//
// Each "created" notification becomes one queued message whose raw
// reference points back at Graph; the MIME is fetched by the worker.
func (h *Handler) serveGraph(w http.ResponseWriter, r *http.Request, org config.OrganizationConfig) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received", "org_id", org.ID)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not retryable; Graph must not redeliver it.
		slog.Info("notification body not valid JSON, treating as probe", "body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	queued := 0
	for _, n := range payload.Value {
		msg, ok := h.notificationMessage(org, n)
		if !ok {
			continue
		}
		if h.seenBefore(r.Context(), msg) {
			continue
		}
		if _, err := h.queue.Enqueue(r.Context(), msg); err != nil {
			h.release(r.Context(), msg)
			slog.Error("failed to enqueue notification", "message_id", msg.MessageID, "error", err)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		queued++
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "queued", Queued: queued})
}

// notificationMessage validates one notification and builds its message.
func (h *Handler) notificationMessage(org config.OrganizationConfig, n ChangeNotification) (models.InboundMessage, bool) {
	// Only new messages carry receipts.
	if n.ChangeType != "created" {
		slog.Debug("skipping non-created notification",
			"change_type", n.ChangeType,
			"resource", n.Resource,
		)
		return models.InboundMessage{}, false
	}

	userID, messageID, err := parseResource(n.Resource)
	if err != nil {
		slog.Warn("failed to parse notification resource", "resource", n.Resource, "error", err)
		return models.InboundMessage{}, false
	}

	tenant, ok := h.tenants[n.TenantID]
	if !ok || tenant.Organization != org.ID {
		slog.Warn("notification from tenant not routed to organization",
			"tenant", n.TenantID,
			"org_id", org.ID,
		)
		return models.InboundMessage{}, false
	}

	if org.ClientState != "" && n.ClientState != org.ClientState {
		slog.Warn("clientState mismatch, possible spoofed notification",
			"tenant", tenant.Alias,
			"subscription_id", n.SubscriptionID,
		)
		return models.InboundMessage{}, false
	}

	return models.InboundMessage{
		OrganizationID: org.ID,
		Alias:          strings.ToLower(userID),
		Provider:       models.ProviderM365,
		MessageID:      messageID,
		RawRef:         rawstore.GraphRef(n.TenantID, userID, messageID),
		ReceivedAt:     h.now(),
	}, true
}

// parseResource extracts userID and messageID from a Graph notification resource string.
// Format: "users/{userId}/messages/{messageId}"
func parseResource(resource string) (userID, messageID string, err error) {
	resource = strings.TrimPrefix(resource, "/")

	parts := strings.Split(resource, "/")
	// Graph may send capitalised variants: "Users", "Messages"
	if len(parts) != 4 || !strings.EqualFold(parts[0], "users") || !strings.EqualFold(parts[2], "messages") ||
		parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("unexpected resource format: %s", resource)
	}

	return parts[1], parts[3], nil
}
