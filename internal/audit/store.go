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

// Package audit keeps a Postgres log of per-recipient delivery outcomes
// and prunes it to a retention window. Message bodies are never stored.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hookrelay/relay/internal/models"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Entry is one persisted outcome.
type Entry struct {
	ID        int64
	RequestID string
	JobID     string
	Topic     string
	Sender    string
	Recipient string
	Status    string
	Error     string
	Attempts  int
	CreatedAt time.Time
}

// Store writes and reads outcome rows.
type Store struct {
	db DB
}

// NewStore creates an outcome store and ensures the table exists.
func NewStore(ctx context.Context, db DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("audit store initialised")
	return s, nil
}

// Open creates a store without touching the schema, for read-only tools.
func Open(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_outcomes (
			id          BIGSERIAL PRIMARY KEY,
			request_id  TEXT NOT NULL,
			job_id      TEXT NOT NULL,
			topic       TEXT NOT NULL,
			sender      TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT DEFAULT '',
			attempts    INT DEFAULT 0,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_request ON delivery_outcomes(request_id);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created ON delivery_outcomes(created_at);
	`)
	return err
}

const outcomeColumns = 8

// Record inserts one row per outcome in a single statement.
func (s *Store) Record(ctx context.Context, requestID string, msg *models.Message, outcomes []models.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO delivery_outcomes
		(request_id, job_id, topic, sender, recipient, status, error, attempts)
		VALUES `)
	args := make([]any, 0, len(outcomes)*outcomeColumns)
	for i, o := range outcomes {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * outcomeColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args, requestID, o.JobID, msg.Topic, msg.Sender, o.Recipient, string(o.Status), o.Error, o.Attempts)
	}

	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert outcomes: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, job_id, topic, sender, recipient,
		       status, error, attempts, created_at
		FROM delivery_outcomes
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.JobID, &e.Topic, &e.Sender, &e.Recipient,
			&e.Status, &e.Error, &e.Attempts, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM delivery_outcomes WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.Ping(ctx)
}
