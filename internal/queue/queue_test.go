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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/relay/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testJobs(recipients ...string) []models.Job {
	text := "hello"
	msg := &models.Message{Sender: "s", Topic: "t", Text: &text}
	jobs := make([]models.Job, len(recipients))
	for i, r := range recipients {
		jobs[i] = models.Job{ID: "job-" + r, RequestID: "req-1", Seq: i, Recipient: r, Message: msg}
	}
	return jobs
}

// TestPublisher_Dispatch pushes jobs in order and reports them queued.
func TestPublisher_Dispatch(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, "q")

	out := p.Dispatch(context.Background(), testJobs("a", "b", "c"))

	require.Len(t, out, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, models.StatusQueued, out[i].Status)
		assert.Equal(t, want, out[i].Recipient)
	}

	items, err := mr.List("q")
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []string{"a", "b", "c"} {
		var tk task
		require.NoError(t, json.Unmarshal([]byte(items[i]), &tk))
		assert.Equal(t, taskName, tk.Task)
		assert.NotEmpty(t, tk.ID)
		assert.Equal(t, want, tk.Job.Recipient)
		assert.Equal(t, "hello", tk.Job.Message.TextOrEmpty())
	}

	depth, err := p.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

// TestPublisher_DispatchFailure marks every job failed when Redis is down.
func TestPublisher_DispatchFailure(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, "q")
	mr.Close()

	out := p.Dispatch(context.Background(), testJobs("a", "b"))
	require.Len(t, out, 2)
	for _, o := range out {
		assert.Equal(t, models.StatusFailed, o.Status)
		assert.Contains(t, o.Error, "RPUSH")
	}
}

// TestPublisher_Ping checks connectivity.
func TestPublisher_Ping(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, "")
	require.NoError(t, p.Ping(context.Background()))
	mr.Close()
	require.Error(t, p.Ping(context.Background()))
}

// TestDecode rejects foreign payloads.
func TestDecode(t *testing.T) {
	_, err := decode("not json")
	require.Error(t, err)
	_, err = decode(`{"id":"x","task":"other.task","job":{}}`)
	require.Error(t, err)
	_, err = decode(`{"id":"x","task":"relay.deliver"}`)
	require.Error(t, err)
}

type chanSender struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	delay time.Duration
}

func (s *chanSender) Name() string { return "fake" }

func (s *chanSender) Send(_ context.Context, recipient string, _ *models.Message) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.seen = append(s.seen, recipient)
	s.mu.Unlock()
	if s.fail[recipient] {
		return errors.New("rejected")
	}
	return nil
}

type chanRecorder struct {
	ch chan models.Outcome
}

func (r *chanRecorder) Record(_ context.Context, requestID string, _ *models.Message, outcomes []models.Outcome) error {
	for _, o := range outcomes {
		r.ch <- o
	}
	return nil
}

// TestWorkers_DeliverAndRecord drains the queue through the sender.
func TestWorkers_DeliverAndRecord(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, "q")

	// An undecodable entry ahead of the real jobs must be skipped.
	_, err := mr.Push("q", "garbage")
	require.NoError(t, err)
	p.Dispatch(context.Background(), testJobs("a", "b", "c"))

	sender := &chanSender{fail: map[string]bool{"b": true}}
	rec := &chanRecorder{ch: make(chan models.Outcome, 3)}
	w := NewWorkers(rdb, sender, WorkerConfig{
		Queue:       "q",
		Workers:     2,
		JobTimeout:  time.Second,
		PollTimeout: 50 * time.Millisecond,
		Recorder:    rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	got := map[string]models.OutcomeStatus{}
	for range 3 {
		select {
		case o := <-rec.ch:
			got[o.Recipient] = o.Status
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for outcomes")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}

	assert.Equal(t, models.StatusSent, got["a"])
	assert.Equal(t, models.StatusFailed, got["b"])
	assert.Equal(t, models.StatusSent, got["c"])

	items, err := mr.List("q")
	if err == nil {
		assert.Empty(t, items)
	}
}
