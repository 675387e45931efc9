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
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/relay/internal/delivery"
	"github.com/hookrelay/relay/internal/metrics"
	"github.com/hookrelay/relay/internal/models"
)

// Recorder persists worker outcomes.
type Recorder interface {
	Record(ctx context.Context, requestID string, msg *models.Message, outcomes []models.Outcome) error
}

// WorkerConfig configures a worker pool.
type WorkerConfig struct {
	Queue       string
	Workers     int
	JobTimeout  time.Duration
	PollTimeout time.Duration
	Recorder    Recorder
}

// Workers drain the queue and deliver each job through a Sender.
type Workers struct {
	rdb    *redis.Client
	sender delivery.Sender
	cfg    WorkerConfig
}

// NewWorkers creates a worker pool. It does nothing until Run.
func NewWorkers(rdb *redis.Client, sender delivery.Sender, cfg WorkerConfig) *Workers {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Workers{rdb: rdb, sender: sender, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (w *Workers) Run(ctx context.Context) {
	slog.Info("queue workers started",
		"queue", w.cfg.Queue,
		"workers", w.cfg.Workers,
		"backend", w.sender.Name(),
	)

	var wg sync.WaitGroup
	for i := range w.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, i)
		}()
	}
	wg.Wait()

	slog.Info("queue workers stopped", "queue", w.cfg.Queue)
}

func (w *Workers) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := w.rdb.BLPop(ctx, w.cfg.PollTimeout, w.cfg.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("redis BLPOP failed", "worker", id, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		// BLPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		w.process(ctx, res[1])
		w.sampleDepth(ctx)
	}
}

// process delivers one raw task. A job that has been popped runs to
// completion even if ctx is cancelled meanwhile.
func (w *Workers) process(ctx context.Context, raw string) {
	t, err := decode(raw)
	if err != nil {
		slog.Error("dropping undecodable delivery task", "error", err)
		return
	}
	job := *t.Job

	jobCtx := context.WithoutCancel(ctx)
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.cfg.JobTimeout)
		defer cancel()
	}

	outcome := w.deliver(jobCtx, job)

	if w.cfg.Recorder != nil {
		if err := w.cfg.Recorder.Record(jobCtx, job.RequestID, job.Message, []models.Outcome{outcome}); err != nil {
			slog.Error("failed to record outcome",
				"request_id", job.RequestID,
				"job_id", job.ID,
				"error", err,
			)
		}
	}
}

func (w *Workers) deliver(ctx context.Context, job models.Job) (out models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = models.Failed(job, 1, fmt.Errorf("sender panic: %v", r))
		}
	}()
	return delivery.Deliver(ctx, w.sender, job)
}

func (w *Workers) sampleDepth(ctx context.Context) {
	n, err := w.rdb.LLen(ctx, w.cfg.Queue).Result()
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(n))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
