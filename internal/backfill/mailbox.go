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

package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/rawstore"
)

// MailboxRequest defines the scope of a Microsoft 365 replay.
type MailboxRequest struct {
	TenantID       string
	TenantAlias    string
	OrganizationID string
	Users          []string      // user IDs / UPNs to backfill
	Since          time.Duration // lookback window (e.g. 168h = 1 week)
}

// UserResult tracks per-user backfill progress.
type UserResult struct {
	UserID string
	Result
}

// messagesResponse represents a page of the /messages list response.
type messagesResponse struct {
	Value    []messageStub `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// messageStub is a minimal message from the list endpoint.
type messageStub struct {
	ID               string    `json:"id"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

// ReplayMailbox lists each user's messages received within req.Since and
// enqueues a Graph reference for each. The worker fetches the MIME content,
// exactly as for a live notification.
func (r *Runner) ReplayMailbox(ctx context.Context, httpClient *http.Client, req MailboxRequest) (*Result, []UserResult, error) {
	start := time.Now()
	sinceTime := time.Now().UTC().Add(-req.Since).Format(time.RFC3339)

	slog.Info("starting historical backfill",
		"tenant", req.TenantAlias,
		"org_id", req.OrganizationID,
		"users", len(req.Users),
		"since", sinceTime,
	)

	total := &Result{}
	var users []UserResult
	for _, userID := range req.Users {
		ur, err := r.backfillUser(ctx, httpClient, req, userID, sinceTime)
		if err != nil {
			if ctx.Err() != nil {
				return total, users, ctx.Err()
			}
			slog.Error("backfill failed for user",
				"tenant", req.TenantAlias,
				"user", userID,
				"error", err,
			)
			// Continue with other users
			ur.Errors++
		}
		users = append(users, ur)
		total.add(ur.Result)
	}

	total.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"tenant", req.TenantAlias,
		"total_queued", total.Queued,
		"total_skipped", total.Skipped,
		"elapsed", total.Elapsed,
	)

	return total, users, nil
}

// backfillUser lists and enqueues historical messages for a single user.
func (r *Runner) backfillUser(ctx context.Context, httpClient *http.Client, req MailboxRequest, userID, sinceTime string) (UserResult, error) {
	ur := UserResult{UserID: userID}

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", sinceTime))
	params.Set("$select", "id,receivedDateTime")
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$top", "50")

	listURL := fmt.Sprintf("%s/users/%s/messages?%s", r.graphBaseURL, url.PathEscape(userID), params.Encode())

	pageCount := 0
	for nextURL := listURL; nextURL != ""; {
		// Rate limit between pages
		if pageCount > 0 {
			select {
			case <-ctx.Done():
				return ur, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		page, err := r.fetchPage(ctx, httpClient, nextURL)
		if err != nil {
			return ur, fmt.Errorf("fetch page %d: %w", pageCount, err)
		}
		pageCount++

		slog.Debug("backfill page fetched",
			"user", userID,
			"page", pageCount,
			"messages", len(page.Value),
		)

		for _, stub := range page.Value {
			msg := models.InboundMessage{
				OrganizationID: req.OrganizationID,
				Alias:          strings.ToLower(userID),
				Provider:       models.ProviderM365,
				MessageID:      stub.ID,
				RawRef:         rawstore.GraphRef(req.TenantID, userID, stub.ID),
				ReceivedAt:     stub.ReceivedDateTime.UTC(),
			}
			if msg.ReceivedAt.IsZero() {
				msg.ReceivedAt = r.now()
			}

			if !r.isNew(ctx, msg) {
				ur.Skipped++
				continue
			}

			if _, err := r.queue.Enqueue(ctx, msg); err != nil {
				slog.Warn("backfill: enqueue failed",
					"message_id", stub.ID,
					"error", err,
				)
				ur.Errors++
				continue
			}

			ur.Queued++
		}

		nextURL = page.NextLink
	}

	slog.Info("user backfill complete",
		"tenant", req.TenantAlias,
		"user", userID,
		"queued", ur.Queued,
		"skipped", ur.Skipped,
		"errors", ur.Errors,
		"pages", pageCount,
	)

	return ur, nil
}

// fetchPage retrieves a single page of messages from the list endpoint.
func (r *Runner) fetchPage(ctx context.Context, client *http.Client, pageURL string) (*messagesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "odata.maxpagesize=50")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("messages list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("messages list returned HTTP %d", resp.StatusCode)
	}

	var page messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	return &page, nil
}
