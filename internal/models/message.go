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

// Package models defines the data structures shared across the relay.
package models

import "time"

// Attachment is a file carried by a message.
type Attachment struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
	// MIMEType is a best-effort guess and may be empty.
	MIMEType string `json:"mime_type,omitempty"`
}

// Message is the normalized form of one inbound notification. Text and
// Attachment are both optional, but a valid Message has at least one.
// An empty Text pointer means no text was supplied; a pointer to "" is
// present-but-empty text.
type Message struct {
	Sender     string      `json:"sender"`
	Topic      string      `json:"topic"`
	Text       *string     `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// HasText reports whether text was supplied, even if empty.
func (m *Message) HasText() bool { return m.Text != nil }

// TextOrEmpty returns the text, or "" when absent.
func (m *Message) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// Job is one (recipient, message) pair handed to a dispatcher.
type Job struct {
	ID        string   `json:"id"`
	RequestID string   `json:"request_id"`
	Seq       int      `json:"seq"`
	Recipient string   `json:"recipient"`
	Message   *Message `json:"message"`
}

// OutcomeStatus is the per-recipient delivery result.
type OutcomeStatus string

const (
	StatusSent   OutcomeStatus = "sent"
	StatusFailed OutcomeStatus = "failed"
	StatusQueued OutcomeStatus = "queued"
)

// Outcome records what happened to a single job.
type Outcome struct {
	JobID     string        `json:"job_id"`
	Recipient string        `json:"recipient"`
	Status    OutcomeStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
}

// Sent builds a successful outcome for job.
func Sent(job Job, attempts int) Outcome {
	return Outcome{JobID: job.ID, Recipient: job.Recipient, Status: StatusSent, Attempts: attempts}
}

// Failed builds a failed outcome for job.
func Failed(job Job, attempts int, err error) Outcome {
	o := Outcome{JobID: job.ID, Recipient: job.Recipient, Status: StatusFailed, Attempts: attempts}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Queued builds an outcome for a job accepted by an asynchronous queue.
func Queued(job Job) Outcome {
	return Outcome{JobID: job.ID, Recipient: job.Recipient, Status: StatusQueued}
}
