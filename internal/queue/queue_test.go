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

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/receipts/internal/models"
)

// fakeList is an in-memory Redis list keyed by name.
type fakeList struct {
	mu    sync.Mutex
	lists map[string][]string
	err   error
}

func newFakeList() *fakeList {
	return &fakeList{lists: make(map[string][]string)}
}

func (f *fakeList) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	for _, v := range values {
		f.lists[key] = append([]string{fmt.Sprint(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeList) BRPop(_ context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringSliceResult(nil, f.err)
	}
	for _, k := range keys {
		l := f.lists[k]
		if len(l) == 0 {
			continue
		}
		v := l[len(l)-1]
		f.lists[k] = l[:len(l)-1]
		return redis.NewStringSliceResult([]string{k, v}, nil)
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeList) LLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), f.err)
}

func (f *fakeList) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func inbound(id string) models.InboundMessage {
	return models.InboundMessage{
		OrganizationID: "org-1",
		Alias:          "receipts",
		Provider:       models.ProviderPostmark,
		MessageID:      id,
		RawRef:         "file:abc",
		ReceivedAt:     time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueThenNextIsFIFO(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeList()
	pub := newPublisher(rdb, "")
	con := newConsumer(rdb, "")

	id1, err := pub.Enqueue(ctx, inbound("m1"))
	require.NoError(t, err)
	_, err = pub.Enqueue(ctx, inbound("m2"))
	require.NoError(t, err)

	depth, err := pub.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	env, ok, err := con.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id1, env.ID)
	assert.Equal(t, taskName, env.Task)
	assert.Equal(t, inbound("m1"), env.Message)

	env, ok, err = con.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m2", env.Message.MessageID)

	_, ok, err = con.Next(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue times out without error")
}

func TestEnqueueRejectsInvalidMessage(t *testing.T) {
	rdb := newFakeList()
	msg := inbound("m1")
	msg.Alias = ""

	_, err := newPublisher(rdb, "q").Enqueue(context.Background(), msg)
	require.Error(t, err)
	assert.Empty(t, rdb.lists["q"])
}

func TestEnqueueRedisFailure(t *testing.T) {
	rdb := newFakeList()
	rdb.err = errors.New("connection refused")

	_, err := newPublisher(rdb, "q").Enqueue(context.Background(), inbound("m1"))
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, newPublisher(rdb, "q").Ping(context.Background()))
}

func TestNextMalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{"},
		{"missing identity", `{"id":"t1","task":"receipts.process","message":{"provider":"ses"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := newFakeList()
			rdb.lists["q"] = []string{tt.payload}

			_, ok, err := newConsumer(rdb, "q").Next(context.Background(), time.Second)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.Empty(t, rdb.lists["q"])
		})
	}
}

func TestRequeueGoesBehindWaitingMessages(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeList()
	pub := newPublisher(rdb, "q")
	con := newConsumer(rdb, "q")

	_, err := pub.Enqueue(ctx, inbound("m1"))
	require.NoError(t, err)
	_, err = pub.Enqueue(ctx, inbound("m2"))
	require.NoError(t, err)

	env, ok, err := con.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	env.Attempts++
	require.NoError(t, con.Requeue(ctx, env))

	next, _, err := con.Next(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m2", next.Message.MessageID)

	again, ok, err := con.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, inbound("m1"), again.Message)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeList()
	con := newConsumer(rdb, "q")

	require.NoError(t, con.DeadLetter(ctx, Envelope{ID: "t1", Task: taskName, Message: inbound("m1"), Attempts: 10}))
	assert.Empty(t, rdb.lists["q"])
	require.Len(t, rdb.lists["q"+DeadLetterSuffix], 1)
	assert.Contains(t, rdb.lists["q"+DeadLetterSuffix][0], `"attempts":10`)

	rdb.err = errors.New("connection refused")
	assert.ErrorContains(t, con.Requeue(ctx, Envelope{ID: "t2"}), "connection refused")
}
