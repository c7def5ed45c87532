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

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/receipts/internal/models"
)

// memorySink records batches; when gate is non-nil the first Write waits on it.
type memorySink struct {
	mu      sync.Mutex
	events  []models.AuditEvent
	batches int
	err     error

	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *memorySink) Write(_ context.Context, events []models.AuditEvent) error {
	if s.gate != nil {
		s.once.Do(func() {
			close(s.started)
			<-s.gate
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Step)
	}
	return out
}

func event(step string) models.AuditEvent {
	return models.AuditEvent{CorrelationID: "c1", Step: step, Status: "started"}
}

func TestWriter_DeliversOnClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 16)

	for _, s := range []string{"parse", "normalize", "extract"} {
		w.Emit(event(s))
	}
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, []string{"parse", "normalize", "extract"}, sink.steps())
	st := w.Stats()
	assert.Equal(t, int64(3), st.Written)
	assert.Zero(t, st.Dropped)
}

func TestWriter_DropsOldestWhenFull(t *testing.T) {
	sink := &memorySink{started: make(chan struct{}), gate: make(chan struct{})}
	w := NewWriter(sink, 2)

	w.Emit(event("e1"))
	<-sink.started // e1 is held inside the sink

	done := make(chan struct{})
	go func() {
		w.Emit(event("e2"))
		w.Emit(event("e3"))
		w.Emit(event("e4"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(sink.gate)
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, []string{"e1", "e3", "e4"}, sink.steps())
	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestWriter_SinkErrorsAreCounted(t *testing.T) {
	sink := &memorySink{err: errors.New("db down")}
	w := NewWriter(sink, 8)

	w.Emit(event("parse"))
	require.NoError(t, w.Close(context.Background()))

	st := w.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Zero(t, st.Written)
}

func TestWriter_EmitAfterCloseIsDropped(t *testing.T) {
	w := NewWriter(&memorySink{}, 4)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))

	assert.NotPanics(t, func() { w.Emit(event("late")) })
	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestMultiSink(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{err: errors.New("b failed")}
	c := &memorySink{}

	err := MultiSink{a, b, c}.Write(context.Background(), []models.AuditEvent{event("parse")})
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.steps(), 1)
	assert.Len(t, c.steps(), 1)
}

type fakeStream struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisStreamSink(t *testing.T) {
	f := &fakeStream{}
	s := newRedisStreamSink(f, "", 0)

	ms := int64(12)
	ev := event("extract")
	ev.ProcessingTimeMs = &ms
	require.NoError(t, s.Write(context.Background(), []models.AuditEvent{ev, event("persist")}))

	require.Len(t, f.args, 2)
	first := f.args[0]
	assert.Equal(t, DefaultStream, first.Stream)
	assert.Equal(t, int64(DefaultStreamLen), first.MaxLen)
	assert.True(t, first.Approx)
	values := first.Values.(map[string]any)
	assert.Equal(t, "extract", values["step"])
	assert.Contains(t, values["event"], `"processing_time_ms":12`)

	f.err = errors.New("READONLY")
	assert.ErrorContains(t, s.Write(context.Background(), []models.AuditEvent{ev}), "READONLY")
}
