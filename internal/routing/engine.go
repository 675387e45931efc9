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

// Package routing authorizes inbound messages against the topic registry
// and fans them out as per-recipient delivery jobs.
//
// A request moves through lookup, authorization, normalization and
// dispatch, in that order. Each gate can reject the request; nothing past
// a rejected gate runs. In particular the body is never read for an
// unknown topic or an unauthorized source.
package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/google/uuid"

	"github.com/hookrelay/relay/internal/metrics"
	"github.com/hookrelay/relay/internal/models"
	"github.com/hookrelay/relay/internal/normalize"
	"github.com/hookrelay/relay/internal/topic"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrForbidden     = errors.New("source address not allowed for topic")
	ErrBadRequest    = errors.New("bad request")
	ErrBodyTooLarge  = errors.New("request body too large")
	ErrAbandoned     = errors.New("request abandoned")
)

// Dispatcher hands delivery jobs to a backend. Implementations return one
// outcome per job, in job order.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []models.Job) []models.Outcome
}

// Recorder persists per-recipient outcomes.
type Recorder interface {
	Record(ctx context.Context, requestID string, msg *models.Message, outcomes []models.Outcome) error
}

// Request is one inbound call as seen by the engine.
type Request struct {
	// ID correlates logs, jobs and the HTTP response. Generated when empty.
	ID          string
	Topic       string
	Sender      string
	Source      netip.Addr
	ContentType string
	Body        io.Reader
}

// Result is the terminal state of an accepted request.
type Result struct {
	RequestID string
	Message   *models.Message
	Outcomes  []models.Outcome
}

// Counts tallies outcomes by status.
func (r *Result) Counts() (sent, failed, queued int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case models.StatusSent:
			sent++
		case models.StatusFailed:
			failed++
		case models.StatusQueued:
			queued++
		}
	}
	return sent, failed, queued
}

// Engine routes requests. It is safe for concurrent use.
type Engine struct {
	registry     *topic.Holder
	dispatcher   Dispatcher
	recorder     Recorder
	maxBodyBytes int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder records outcomes of every dispatched request.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMaxBodyBytes bounds the request body. Zero or negative means no limit.
func WithMaxBodyBytes(n int64) Option {
	return func(e *Engine) { e.maxBodyBytes = n }
}

// NewEngine creates an engine reading topics from registry.
func NewEngine(registry *topic.Holder, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{registry: registry, dispatcher: dispatcher}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle runs req through every gate and dispatches one job per recipient
// in the topic's recipient order. Rejections are returned as errors that
// match one of the package sentinels or a normalize sentinel.
func (e *Engine) Handle(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	res, err := e.handle(ctx, req)
	metrics.Requests.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (e *Engine) handle(ctx context.Context, req Request) (*Result, error) {
	// One snapshot for the whole request, so a concurrent reload cannot
	// change the topic between lookup and fan-out.
	reg := e.registry.Load()

	t, ok := reg.Lookup(req.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTopicNotFound, req.Topic)
	}

	if !reg.IsAuthorized(t, req.Source) {
		return nil, fmt.Errorf("%w: %s -> %q", ErrForbidden, req.Source, req.Topic)
	}

	ct, err := normalize.ParseContentType(req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	raw, err := e.readBody(req.Body)
	if err != nil {
		return nil, err
	}

	msg, err := normalize.Normalize(req.Sender, req.Topic, ct, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	// Past this point jobs are handed off and run to completion.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	jobs := BuildJobs(req.ID, t.Recipients(), msg)
	outcomes := e.dispatcher.Dispatch(ctx, jobs)

	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), req.ID, msg, outcomes); err != nil {
			slog.Error("failed to record outcomes",
				"request_id", req.ID,
				"error", err,
			)
		}
	}

	return &Result{RequestID: req.ID, Message: msg, Outcomes: outcomes}, nil
}

// BuildJobs creates one job per recipient, in order, all sharing msg.
func BuildJobs(requestID string, recipients []string, msg *models.Message) []models.Job {
	jobs := make([]models.Job, len(recipients))
	for i, r := range recipients {
		jobs[i] = models.Job{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Seq:       i,
			Recipient: r,
			Message:   msg,
		}
	}
	return jobs
}

func (e *Engine) readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if e.maxBodyBytes > 0 {
		body = io.LimitReader(body, e.maxBodyBytes+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fmt.Errorf("%w: %w", ErrBodyTooLarge, err)
		}
		return nil, fmt.Errorf("%w: read body: %w", ErrAbandoned, err)
	}
	if e.maxBodyBytes > 0 && int64(len(raw)) > e.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, e.maxBodyBytes)
	}
	return raw, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "dispatched"
	case errors.Is(err, ErrTopicNotFound):
		return "topic_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, normalize.ErrUnsupportedMediaType):
		return "unsupported_media_type"
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	default:
		return "error"
	}
}
