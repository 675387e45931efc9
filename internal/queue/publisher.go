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

// Package queue carries delivery jobs through a Redis list so that
// inbound requests can be acknowledged before delivery. The Publisher
// is a routing dispatcher; Workers drain the list and send.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/relay/internal/models"
)

// DefaultQueue is the Redis list used when none is configured.
const DefaultQueue = "relay:deliveries"

const taskName = "relay.deliver"

// task is the queued representation of one job.
type task struct {
	ID         string      `json:"id"`
	Task       string      `json:"task"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Retries    int         `json:"retries"`
	Job        *models.Job `json:"job"`
}

// Publisher pushes delivery jobs onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Dispatch pushes all jobs with a single RPUSH so they are queued
// atomically and in order. Every job is reported queued on success and
// failed when the push fails.
func (p *Publisher) Dispatch(ctx context.Context, jobs []models.Job) []models.Outcome {
	outcomes := make([]models.Outcome, len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}

	values := make([]interface{}, 0, len(jobs))
	for i := range jobs {
		data, err := encode(&jobs[i])
		if err != nil {
			return failAll(jobs, err)
		}
		values = append(values, data)
	}

	if err := p.rdb.RPush(ctx, p.queueName, values...).Err(); err != nil {
		return failAll(jobs, fmt.Errorf("redis RPUSH: %w", err))
	}

	for i, job := range jobs {
		outcomes[i] = models.Queued(job)
	}

	slog.Info("queued delivery jobs",
		"request_id", jobs[0].RequestID,
		"jobs", len(jobs),
		"queue", p.queueName,
	)
	return outcomes
}

// Depth returns the number of jobs waiting.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, p.queueName).Result()
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

func encode(job *models.Job) (string, error) {
	data, err := json.Marshal(task{
		ID:         uuid.NewString(),
		Task:       taskName,
		EnqueuedAt: time.Now().UTC(),
		Job:        job,
	})
	if err != nil {
		return "", fmt.Errorf("marshal delivery task: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (*task, error) {
	var t task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal delivery task: %w", err)
	}
	if t.Task != taskName || t.Job == nil || t.Job.Message == nil {
		return nil, fmt.Errorf("unexpected delivery task %q", t.ID)
	}
	return &t, nil
}

func failAll(jobs []models.Job, err error) []models.Outcome {
	slog.Error("failed to queue delivery jobs", "jobs", len(jobs), "error", err)
	out := make([]models.Outcome, len(jobs))
	for i, job := range jobs {
		out[i] = models.Failed(job, 1, err)
	}
	return out
}
