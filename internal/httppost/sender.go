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

// Package httppost delivers relay messages as JSON envelopes POSTed to a
// single webhook URL. The recipient travels inside the envelope.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hookrelay/relay/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "hookrelay/1"

	EnvelopeType  = "relay.message"
	SchemaVersion = "1"
)

// Envelope is the JSON payload POSTed for each recipient.
type Envelope struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion"`
	Timestamp     string          `json:"timestamp"`
	Recipient     string          `json:"recipient"`
	Sender        string          `json:"sender"`
	Topic         string          `json:"topic"`
	Text          *string         `json:"text,omitempty"`
	Attachment    *EnvelopeAttach `json:"attachment,omitempty"`
}

// EnvelopeAttach carries the file with base64 content.
type EnvelopeAttach struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType,omitempty"`
	Content  []byte `json:"content"`
}

// Config holds the sender settings. When TokenURL is set requests carry
// an OAuth2 client-credentials bearer token.
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int

	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// InitialBackoff is the first retry delay. Zero uses the backoff
	// library default.
	InitialBackoff time.Duration
}

// Sender POSTs envelopes to one URL.
type Sender struct {
	httpClient     *http.Client
	url            string
	maxRetries     int
	initialBackoff time.Duration
}

// New validates cfg and creates a Sender. ctx scopes the OAuth2 token
// source.
func New(ctx context.Context, cfg Config) (*Sender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("httppost URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid httppost URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httppost URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("httppost URL must include a host")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	if cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// The token endpoint shares the timeout of the delivery client.
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
		httpClient = creds.Client(tokenCtx)
		httpClient.Timeout = timeout
	}

	return &Sender{
		httpClient:     httpClient,
		url:            cfg.URL,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
	}, nil
}

// Name implements delivery.Sender.
func (s *Sender) Name() string { return "httppost" }

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
}

// SendError is returned when every attempt failed.
type SendError struct {
	Err      error
	attempts int
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Attempts reports how many requests were made.
func (e *SendError) Attempts() int { return e.attempts }

// Send implements delivery.Sender.
func (s *Sender) Send(ctx context.Context, recipient string, msg *models.Message) error {
	env := Envelope{
		Type:          EnvelopeType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Recipient:     recipient,
		Sender:        msg.Sender,
		Topic:         msg.Topic,
		Text:          msg.Text,
	}
	if a := msg.Attachment; a != nil {
		env.Attachment = &EnvelopeAttach{Filename: a.Filename, MIMEType: a.MIMEType, Content: a.Content}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		err := s.post(ctx, body)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		slog.Debug("webhook send transient failure, may retry",
			"url", RedactURL(s.url),
			"attempt", attempts,
			"error", err,
		)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	if s.initialBackoff > 0 {
		eb.InitialInterval = s.initialBackoff
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(s.maxRetries, 0))), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return &SendError{Err: err, attempts: attempts}
	}
	return nil
}

// post executes a single HTTP POST.
func (s *Sender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("%s %s: %w", ue.Op, RedactURL(ue.URL), ue.Err)
		}
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode}
}

// RedactURL masks credentials and query values in a URL for logging.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
