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

package rawstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	// GraphScheme prefixes references to Microsoft 365 mailbox messages.
	GraphScheme = "graph"

	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// maxMessageSize caps a fetched MIME message.
	maxMessageSize = 35 << 20
)

// GraphTenant holds app credentials for one Microsoft 365 tenant.
type GraphTenant struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// GraphStore fetches raw MIME content of mailbox messages from the Graph
// API, one OAuth2 client-credentials client per tenant.
type GraphStore struct {
	clients map[string]*http.Client
	baseURL string
}

// NewGraphStore builds token-refreshing clients for each tenant. ctx scopes
// the token source, as with clientcredentials.Config.Client.
func NewGraphStore(ctx context.Context, tenants []GraphTenant, baseURL string) *GraphStore {
	clients := make(map[string]*http.Client, len(tenants))
	for _, t := range tenants {
		creds := &clientcredentials.Config{
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", t.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		clients[t.TenantID] = creds.Client(ctx)
	}
	return NewGraphStoreWithClients(clients, baseURL)
}

// NewGraphStoreWithClients uses prebuilt HTTP clients keyed by tenant id.
func NewGraphStoreWithClients(clients map[string]*http.Client, baseURL string) *GraphStore {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	return &GraphStore{clients: clients, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// GraphRef builds a reference for a tenant mailbox message.
func GraphRef(tenantID, userID, messageID string) string {
	return fmt.Sprintf("%s:%s/%s/%s", GraphScheme, tenantID, userID, messageID)
}

// HasTenant reports whether credentials exist for tenantID.
func (g *GraphStore) HasTenant(tenantID string) bool {
	_, ok := g.clients[tenantID]
	return ok
}

// Get downloads the MIME content of the referenced message.
func (g *GraphStore) Get(ctx context.Context, ref string) ([]byte, error) {
	scheme, loc, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(loc, "/")
	if scheme != GraphScheme || len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	tenantID, userID, messageID := parts[0], parts[1], parts[2]

	client, ok := g.clients[tenantID]
	if !ok {
		return nil, fmt.Errorf("no graph credentials for tenant %s", tenantID)
	}

	u := fmt.Sprintf("%s/users/%s/messages/%s/$value",
		g.baseURL, url.PathEscape(userID), url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"user_id", userID,
			"message_id", messageID,
		)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}
