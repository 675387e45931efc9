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

package routing

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/relay/internal/config"
	"github.com/hookrelay/relay/internal/models"
	"github.com/hookrelay/relay/internal/normalize"
	"github.com/hookrelay/relay/internal/topic"
)

// recordingDispatcher captures jobs and reports every one as sent.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobs []models.Job) []models.Outcome {
	d.mu.Lock()
	d.jobs = append(d.jobs, jobs...)
	d.mu.Unlock()
	out := make([]models.Outcome, len(jobs))
	for i, j := range jobs {
		out[i] = models.Sent(j, 1)
	}
	return out
}

type fakeRecorder struct {
	requestID string
	outcomes  []models.Outcome
	err       error
}

func (r *fakeRecorder) Record(_ context.Context, requestID string, _ *models.Message, outcomes []models.Outcome) error {
	r.requestID = requestID
	r.outcomes = outcomes
	return r.err
}

// trapReader fails the test if the engine reads the body.
type trapReader struct{ t *testing.T }

func (r trapReader) Read([]byte) (int, error) {
	r.t.Error("body was read")
	return 0, errors.New("must not read")
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *recordingDispatcher) {
	t.Helper()
	reg, err := topic.NewRegistry([]config.TopicConfig{
		{Name: "myLab", Recipients: []string{"11111111"}, AllowList: []string{"192.168.69.0/24"}},
		{Name: "ops", Recipients: []string{"a", "b", "c"}, AllowList: []string{"10.0.0.0/8", "2001:db8::/32"}},
	})
	require.NoError(t, err)
	d := &recordingDispatcher{}
	return NewEngine(topic.NewHolder(reg), d, opts...), d
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// TestHandle_PlainTextDelivered is the happy path for a single recipient.
func TestHandle_PlainTextDelivered(t *testing.T) {
	e, d := newEngine(t)

	res, err := e.Handle(context.Background(), Request{
		Topic:       "myLab",
		Sender:      "edge-router-01",
		Source:      addr("192.168.69.5"),
		ContentType: "text/plain",
		Body:        strings.NewReader("I am MASTER now!"),
	})
	require.NoError(t, err)

	require.Len(t, d.jobs, 1)
	job := d.jobs[0]
	assert.Equal(t, "11111111", job.Recipient)
	assert.Equal(t, "edge-router-01", job.Message.Sender)
	assert.Equal(t, "myLab", job.Message.Topic)
	assert.Equal(t, "I am MASTER now!", job.Message.TextOrEmpty())
	assert.Nil(t, job.Message.Attachment)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, res.RequestID, job.RequestID)
	sent, failed, queued := res.Counts()
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)
	assert.Zero(t, queued)
}

// TestHandle_Forbidden rejects without reading the body.
func TestHandle_Forbidden(t *testing.T) {
	e, d := newEngine(t)

	_, err := e.Handle(context.Background(), Request{
		Topic:       "myLab",
		Sender:      "edge-router-01",
		Source:      addr("10.0.0.5"),
		ContentType: "text/plain",
		Body:        trapReader{t},
	})
	require.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, d.jobs)
}

// TestHandle_TopicNotFound rejects without reading the body.
func TestHandle_TopicNotFound(t *testing.T) {
	e, d := newEngine(t)

	_, err := e.Handle(context.Background(), Request{
		Topic:       "unknownTopic",
		Sender:      "x",
		Source:      addr("192.168.69.5"),
		ContentType: "text/plain",
		Body:        trapReader{t},
	})
	require.ErrorIs(t, err, ErrTopicNotFound)
	assert.Empty(t, d.jobs)
}

// TestHandle_TopicCaseSensitive treats names as exact keys.
func TestHandle_TopicCaseSensitive(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Handle(context.Background(), Request{
		Topic:  "mylab",
		Source: addr("192.168.69.5"),
		Body:   trapReader{t},
	})
	require.ErrorIs(t, err, ErrTopicNotFound)
}

// TestHandle_CrossFamilyDenied never matches v4 networks with v6 sources.
func TestHandle_CrossFamilyDenied(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Handle(context.Background(), Request{
		Topic:  "myLab",
		Sender: "s",
		Source: addr("::ffff:192.168.69.5"),
		Body:   trapReader{t},
	})
	require.ErrorIs(t, err, ErrForbidden)
}

// TestHandle_UnsupportedMediaType is checked from the header alone.
func TestHandle_UnsupportedMediaType(t *testing.T) {
	e, d := newEngine(t)

	_, err := e.Handle(context.Background(), Request{
		Topic:       "myLab",
		Sender:      "s",
		Source:      addr("192.168.69.5"),
		ContentType: "application/json",
		Body:        trapReader{t},
	})
	require.ErrorIs(t, err, ErrBadRequest)
	require.ErrorIs(t, err, normalize.ErrUnsupportedMediaType)
	assert.Empty(t, d.jobs)
}

// TestHandle_FileOnlyFanOut covers a file-only multipart body sent to
// every recipient in order.
func TestHandle_FileOnlyFanOut(t *testing.T) {
	e, d := newEngine(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("all good"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	res, err := e.Handle(context.Background(), Request{
		Topic:       "ops",
		Sender:      "backup",
		Source:      addr("10.1.2.3"),
		ContentType: w.FormDataContentType(),
		Body:        &buf,
	})
	require.NoError(t, err)

	require.Len(t, d.jobs, 3)
	for i, want := range []string{"a", "b", "c"} {
		job := d.jobs[i]
		assert.Equal(t, want, job.Recipient)
		assert.Equal(t, i, job.Seq)
		assert.Same(t, res.Message, job.Message)
		assert.False(t, job.Message.HasText())
		require.NotNil(t, job.Message.Attachment)
		assert.Equal(t, "report.txt", job.Message.Attachment.Filename)
	}

	ids := map[string]bool{}
	for _, j := range d.jobs {
		ids[j.ID] = true
	}
	assert.Len(t, ids, 3, "job IDs must be distinct")
}

// TestHandle_EmptyMultipart is a bad request with no jobs.
func TestHandle_EmptyMultipart(t *testing.T) {
	e, d := newEngine(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	_, err := e.Handle(context.Background(), Request{
		Topic:       "ops",
		Sender:      "s",
		Source:      addr("2001:db8::1"),
		ContentType: w.FormDataContentType(),
		Body:        &buf,
	})
	require.ErrorIs(t, err, ErrBadRequest)
	require.ErrorIs(t, err, normalize.ErrEmptyMessage)
	assert.Empty(t, d.jobs)
}

// TestHandle_BodyTooLarge enforces the configured limit.
func TestHandle_BodyTooLarge(t *testing.T) {
	e, d := newEngine(t, WithMaxBodyBytes(8))

	_, err := e.Handle(context.Background(), Request{
		Topic:       "myLab",
		Sender:      "s",
		Source:      addr("192.168.69.5"),
		ContentType: "text/plain",
		Body:        strings.NewReader("way more than eight bytes"),
	})
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, d.jobs)

	_, err = e.Handle(context.Background(), Request{
		Topic:       "myLab",
		Sender:      "s",
		Source:      addr("192.168.69.5"),
		ContentType: "text/plain",
		Body:        strings.NewReader("8 bytes!"),
	})
	require.NoError(t, err)
}

// TestHandle_CancelledBeforeDispatch abandons the request.
func TestHandle_CancelledBeforeDispatch(t *testing.T) {
	e, d := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Handle(ctx, Request{
		Topic:       "myLab",
		Sender:      "s",
		Source:      addr("192.168.69.5"),
		ContentType: "text/plain",
		Body:        strings.NewReader("late"),
	})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.Empty(t, d.jobs)
}

// TestHandle_Recorder receives outcomes; its failure does not fail the
// request.
func TestHandle_Recorder(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("db down")}
	e, _ := newEngine(t, WithRecorder(rec))

	res, err := e.Handle(context.Background(), Request{
		ID:          "req-1",
		Topic:       "ops",
		Sender:      "s",
		Source:      addr("10.0.0.1"),
		ContentType: "text/plain",
		Body:        strings.NewReader("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "req-1", rec.requestID)
	assert.Len(t, rec.outcomes, 3)
}

// TestHandle_ReloadSnapshot serves the new registry after a swap.
func TestHandle_ReloadSnapshot(t *testing.T) {
	reg, err := topic.NewRegistry([]config.TopicConfig{
		{Name: "old", Recipients: []string{"r"}, AllowList: []string{"0.0.0.0/0"}},
	})
	require.NoError(t, err)
	holder := topic.NewHolder(reg)
	d := &recordingDispatcher{}
	e := NewEngine(holder, d)

	next, err := topic.NewRegistry([]config.TopicConfig{
		{Name: "new", Recipients: []string{"r"}, AllowList: []string{"0.0.0.0/0"}},
	})
	require.NoError(t, err)
	holder.Swap(next)

	_, err = e.Handle(context.Background(), Request{Topic: "old", Source: addr("1.2.3.4"), Body: trapReader{t}})
	require.ErrorIs(t, err, ErrTopicNotFound)

	_, err = e.Handle(context.Background(), Request{
		Topic: "new", Sender: "s", Source: addr("1.2.3.4"),
		ContentType: "text/plain", Body: strings.NewReader("hi"),
	})
	require.NoError(t, err)
}

// TestBuildJobs preserves order and shares the message.
func TestBuildJobs(t *testing.T) {
	msg := &models.Message{Sender: "s", Topic: "t"}
	jobs := BuildJobs("req", []string{"x", "y"}, msg)
	require.Len(t, jobs, 2)
	assert.Equal(t, "x", jobs[0].Recipient)
	assert.Equal(t, "y", jobs[1].Recipient)
	assert.Equal(t, 1, jobs[1].Seq)
	assert.Same(t, msg, jobs[0].Message)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)
}
