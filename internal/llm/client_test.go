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

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL})
}

func TestComplete_Success(t *testing.T) {
	var got messagesRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"language\":\"en\"}"}],"stop_reason":"end_turn"}`))
	})

	text, err := c.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"language":"en"}`, text)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"overloaded", 529, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"type":"x","message":"nope"}}`))
			})
			_, err := c.Complete(context.Background(), "", "p")
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Contains(t, err.Error(), "nope")
			if !tt.transient {
				var apiErr *APIError
				assert.True(t, errors.As(err, &apiErr))
			}
		})
	}
}

func TestComplete_EmptyContentIsMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	})
	_, err := c.Complete(context.Background(), "", "p")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.True(t, IsTransient(err))
}

func TestComplete_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{APIKey: "k", BaseURL: url})
	_, err := c.Complete(context.Background(), "", "p")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestComplete_RequiresAPIKey(t *testing.T) {
	c := New(Config{})
	_, err := c.Complete(context.Background(), "", "p")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```  ", `{"a":1}`},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripCodeFence(tt.in))
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"a\":3}\n```", &v, true))
	assert.Equal(t, 3, v.A)

	err := DecodeJSON(`{"a":1,"b":2}`, &v, true)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	require.NoError(t, DecodeJSON(`{"a":1,"b":2}`, &v, false))

	err = DecodeJSON("not json", &v, false)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
