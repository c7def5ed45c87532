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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/rawstore"
)

// --- Mock dedup filter ---

type mockDedup struct {
	mu   sync.Mutex
	seen map[models.MessageKey]bool
}

func newMockDedup() *mockDedup {
	return &mockDedup{seen: make(map[models.MessageKey]bool)}
}

func (m *mockDedup) IsNew(_ context.Context, key models.MessageKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

// --- Mock queue ---

type mockQueue struct {
	mu   sync.Mutex
	msgs []models.InboundMessage
	fail map[string]bool // message ids to reject
}

func (m *mockQueue) Enqueue(_ context.Context, msg models.InboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[msg.MessageID] {
		return "", errors.New("queue unavailable")
	}
	m.msgs = append(m.msgs, msg)
	return fmt.Sprintf("task-%d", len(m.msgs)), nil
}

func (m *mockQueue) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.msgs))
	for _, msg := range m.msgs {
		out = append(out, msg.MessageID)
	}
	return out
}

func eml(id, date string) string {
	var b strings.Builder
	b.WriteString("From: shop@store.example\r\nTo: receipts@acme.example\r\nSubject: Receipt\r\n")
	if id != "" {
		b.WriteString("Message-Id: <" + id + ">\r\n")
	}
	if date != "" {
		b.WriteString("Date: " + date + "\r\n")
	}
	b.WriteString("Content-Type: text/plain\r\n\r\nTotal 12.50 EUR\r\n")
	return b.String()
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return dir
}

func TestReplayDir(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.eml":          eml("one@store.example", "Mon, 02 Mar 2026 10:15:00 +0100"),
		"nested/b.EML":   eml("", ""),
		"c.eml":          eml("one@store.example", ""),
		"notes.txt":      "not an email",
		"nested/d.eml":   eml("two@store.example", ""),
		"nested/e.draft": eml("three@store.example", ""),
	})
	raw := rawstore.NewFileStore(t.TempDir())
	q := &mockQueue{}
	r := NewRunner(RunnerConfig{Raw: raw, Queue: q, Dedup: newMockDedup()})

	res, err := r.ReplayDir(context.Background(), DirRequest{
		Dir:            dir,
		OrganizationID: "org-acme",
		Alias:          " Receipts@Acme.example ",
		Provider:       models.ProviderPostmark,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Queued)
	assert.Equal(t, 1, res.Skipped, "c.eml repeats a.eml's Message-Id")
	assert.Zero(t, res.Errors)

	require.Len(t, q.msgs, 3)
	first := q.msgs[0]
	assert.Equal(t, "one@store.example", first.MessageID)
	assert.Equal(t, "receipts@acme.example", first.Alias)
	assert.Equal(t, models.ProviderPostmark, first.Provider)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC), first.ReceivedAt)

	got, err := raw.Get(context.Background(), first.RawRef)
	require.NoError(t, err)
	assert.Contains(t, string(got), "Total 12.50 EUR")

	assert.True(t, strings.HasPrefix(q.msgs[1].MessageID, "sha256:"), "files without Message-Id use a content hash")
}

func TestReplayDirValidation(t *testing.T) {
	r := NewRunner(RunnerConfig{Raw: rawstore.NewFileStore(t.TempDir()), Queue: &mockQueue{}})

	_, err := r.ReplayDir(context.Background(), DirRequest{Dir: t.TempDir(), OrganizationID: "org"})
	assert.ErrorContains(t, err, "alias")

	_, err = r.ReplayDir(context.Background(), DirRequest{Dir: t.TempDir(), OrganizationID: "org", Alias: "a@b", Provider: "pigeon"})
	assert.ErrorContains(t, err, "unknown inbound provider")

	_, err = r.ReplayDir(context.Background(), DirRequest{Dir: filepath.Join(t.TempDir(), "missing"), OrganizationID: "org", Alias: "a@b"})
	assert.Error(t, err)

	noRaw := NewRunner(RunnerConfig{Queue: &mockQueue{}})
	_, err = noRaw.ReplayDir(context.Background(), DirRequest{Dir: t.TempDir(), OrganizationID: "org", Alias: "a@b"})
	assert.ErrorContains(t, err, "raw store")
}

func TestReplayDirCountsEnqueueErrors(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.eml": eml("ok@store.example", ""),
		"b.eml": eml("bad@store.example", ""),
	})
	q := &mockQueue{fail: map[string]bool{"bad@store.example": true}}
	r := NewRunner(RunnerConfig{Raw: rawstore.NewFileStore(t.TempDir()), Queue: q})

	res, err := r.ReplayDir(context.Background(), DirRequest{Dir: dir, OrganizationID: "org", Alias: "a@b"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"ok@store.example"}, q.ids())
}

// TestReplayMailbox verifies that the runner follows pagination links and
// enqueues a Graph reference per listed message.
func TestReplayMailbox(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/users/User1@acme.example/messages":
			if r.URL.Query().Get("$filter") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{
					{"id": "msg-1", "receivedDateTime": "2026-03-01T08:00:00Z"},
					{"id": "msg-2"},
				},
				"@odata.nextLink": fmt.Sprintf("http://%s/page2", r.Host),
			})
		case "/page2":
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{{"id": "msg-1"}, {"id": "msg-3"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	q := &mockQueue{}
	r := NewRunner(RunnerConfig{GraphBaseURL: server.URL, Queue: q, Dedup: newMockDedup(), PageDelay: time.Millisecond})

	total, users, err := r.ReplayMailbox(context.Background(), server.Client(), MailboxRequest{
		TenantID:       "tenant-1",
		TenantAlias:    "acme",
		OrganizationID: "org-acme",
		Users:          []string{"User1@acme.example", "ghost@acme.example"},
		Since:          7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, total.Queued)
	assert.Equal(t, 1, total.Skipped)
	assert.Equal(t, 1, total.Errors, "the unknown mailbox fails without stopping the run")
	require.Len(t, users, 2)
	assert.Equal(t, 3, users[0].Queued)
	assert.Equal(t, 1, users[1].Errors)

	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3"}, q.ids())
	msg := q.msgs[0]
	assert.Equal(t, "user1@acme.example", msg.Alias)
	assert.Equal(t, models.ProviderM365, msg.Provider)
	assert.Equal(t, "graph:tenant-1/User1@acme.example/msg-1", msg.RawRef)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), msg.ReceivedAt)
	assert.False(t, q.msgs[1].ReceivedAt.IsZero())
}

// TestBackfill_EmptyMailbox verifies clean completion with zero messages.
func TestBackfill_EmptyMailbox(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		data, _ := json.Marshal(map[string]interface{}{
			"value": []map[string]string{},
		})
		w.Write(data)
	}))
	defer server.Close()

	r := &Runner{graphBaseURL: server.URL, pageDelay: time.Millisecond}
	ctx := context.Background()

	page, err := r.fetchPage(ctx, server.Client(), server.URL+"/users/user1/messages?$filter=test")
	if err != nil {
		t.Fatalf("fetchPage failed: %v", err)
	}

	if len(page.Value) != 0 {
		t.Errorf("expected 0 messages, got %d", len(page.Value))
	}
}

// TestBackfill_FetchPageError verifies error handling for non-200 responses.
func TestBackfill_FetchPageError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "throttled"}`))
	}))
	defer server.Close()

	r := &Runner{graphBaseURL: server.URL, pageDelay: time.Millisecond}
	ctx := context.Background()

	_, err := r.fetchPage(ctx, server.Client(), server.URL+"/users/user1/messages")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestMailboxes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("ConsistencyLevel") != "eventual" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/users" {
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{
					{"mail": "Alice@acme.example", "userPrincipalName": "alice@acme.example"},
					{"mail": "", "userPrincipalName": "room-1@acme.example"},
				},
				"@odata.nextLink": fmt.Sprintf("http://%s/users-page2", r.Host),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{{"mail": "bob@acme.example"}, {"mail": "ceo@acme.example"}},
		})
	}))
	defer server.Close()

	r := NewRunner(RunnerConfig{GraphBaseURL: server.URL})

	got, err := r.Mailboxes(context.Background(), server.Client(), nil, []string{"CEO@acme.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@acme.example", "bob@acme.example"}, got)

	got, err = r.Mailboxes(context.Background(), server.Client(), []string{"receipts@acme.example", "old@acme.example"}, []string{"old@acme.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"receipts@acme.example"}, got, "configured aliases skip discovery")
}
