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
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// graphUsersResponse represents the paged Graph API /users response.
type graphUsersResponse struct {
	Value []struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Mailboxes returns the mailboxes to replay for an organization.
//
// When aliases is non-empty only those addresses are used, since mail to
// any other mailbox would be rejected by the webhook anyway. Otherwise
// every licensed user with a mailbox is listed. Addresses in exclude are
// dropped in both cases.
func (r *Runner) Mailboxes(ctx context.Context, httpClient *http.Client, aliases, exclude []string) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, u := range exclude {
		skip[strings.ToLower(strings.TrimSpace(u))] = true
	}

	var out []string
	keep := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" && !skip[addr] {
			out = append(out, addr)
		}
	}

	if len(aliases) > 0 {
		for _, a := range aliases {
			keep(a)
		}
		return out, nil
	}

	params := url.Values{}
	params.Set("$filter", "assignedLicenses/$count ne 0")
	params.Set("$count", "true")
	params.Set("$select", "mail,userPrincipalName")
	params.Set("$top", "100")

	for nextURL := fmt.Sprintf("%s/users?%s", r.graphBaseURL, params.Encode()); nextURL != ""; {
		page, err := r.fetchUsers(ctx, httpClient, nextURL)
		if err != nil {
			return nil, err
		}
		for _, u := range page.Value {
			// Users without a mailbox cannot receive receipts.
			if u.Mail == "" {
				continue
			}
			keep(u.Mail)
		}
		nextURL = page.NextLink
	}

	slog.Info("mailbox discovery complete", "discovered", len(out))
	return out, nil
}

func (r *Runner) fetchUsers(ctx context.Context, client *http.Client, pageURL string) (*graphUsersResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build users request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ConsistencyLevel", "eventual") // Required for $count

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph /users returned HTTP %d", resp.StatusCode)
	}

	var page graphUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode users response: %w", err)
	}
	return &page, nil
}
