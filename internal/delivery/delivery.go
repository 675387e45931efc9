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

// Package delivery defines the contract with external notification
// backends and the direct fan-out dispatcher.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hookrelay/relay/internal/metrics"
	"github.com/hookrelay/relay/internal/models"
)

// Sender performs a best-effort send of one message to one recipient.
// Implementations bound every call with their own timeout and own their
// retry policy. A nil error means the backend accepted the message.
type Sender interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	Send(ctx context.Context, recipient string, msg *models.Message) error
}

// AttemptCounter is implemented by errors that know how many attempts
// were made before giving up.
type AttemptCounter interface {
	Attempts() int
}

// Deliver runs one job through sender and converts the result into an
// Outcome. It never panics on sender failure and always records metrics.
func Deliver(ctx context.Context, sender Sender, job models.Job) models.Outcome {
	start := time.Now()
	err := sender.Send(ctx, job.Recipient, job.Message)
	elapsed := time.Since(start)

	attempts := 1
	var ac AttemptCounter
	if errors.As(err, &ac) {
		attempts = ac.Attempts()
	}

	var out models.Outcome
	if err != nil {
		out = models.Failed(job, attempts, err)
		slog.Warn("delivery failed",
			"backend", sender.Name(),
			"request_id", job.RequestID,
			"job_id", job.ID,
			"recipient", job.Recipient,
			"attempts", attempts,
			"error", err,
		)
	} else {
		out = models.Sent(job, attempts)
		slog.Debug("delivery sent",
			"backend", sender.Name(),
			"request_id", job.RequestID,
			"job_id", job.ID,
			"recipient", job.Recipient,
		)
	}

	metrics.Deliveries.WithLabelValues(sender.Name(), string(out.Status)).Inc()
	metrics.DeliveryDuration.WithLabelValues(sender.Name(), string(out.Status)).Observe(elapsed.Seconds())
	return out
}

// Direct dispatches every job concurrently through a Sender and waits for
// all outcomes. Jobs are started in slice order; completion order is not
// guaranteed. A failing recipient never affects the others.
type Direct struct {
	sender  Sender
	timeout time.Duration
}

// NewDirect creates a direct dispatcher. timeout bounds each job; zero
// means the sender's own timeout is the only bound.
func NewDirect(sender Sender, timeout time.Duration) *Direct {
	return &Direct{sender: sender, timeout: timeout}
}

// Dispatch sends every job and returns outcomes in job order. Jobs are
// detached from ctx cancellation: once handed over, a job runs to
// completion or to its own timeout.
func (d *Direct) Dispatch(ctx context.Context, jobs []models.Job) []models.Outcome {
	outcomes := make([]models.Outcome, len(jobs))
	base := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = models.Failed(job, 1, fmt.Errorf("sender panic: %v", r))
				}
			}()

			jobCtx := base
			if d.timeout > 0 {
				var cancel context.CancelFunc
				jobCtx, cancel = context.WithTimeout(base, d.timeout)
				defer cancel()
			}
			outcomes[i] = Deliver(jobCtx, d.sender, job)
		}()
	}
	wg.Wait()

	return outcomes
}
