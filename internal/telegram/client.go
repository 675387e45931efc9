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

// Package telegram delivers relay messages through the Telegram Bot API.
// Text goes out with sendMessage, attachments with sendDocument. Recipients
// are chat IDs.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hookrelay/relay/internal/models"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	methodSendMessage  = "sendMessage"
	methodSendDocument = "sendDocument"
	methodGetMe        = "getMe"

	parseModeMarkdownV2 = "MarkdownV2"

	// Bot API limits, counted in characters after entity parsing.
	maxTextRunes    = 4096
	maxCaptionRunes = 1024

	// Longest server-requested wait we honour inside one attempt.
	maxRetryAfter = 30 * time.Second
)

// Config holds the client settings.
type Config struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int

	// InitialBackoff is the first retry delay. Zero uses the backoff
	// library default.
	InitialBackoff time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the Bot API for a single bot.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates a Bot API client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        base,
		token:          cfg.Token,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
	}
}

// Name implements delivery.Sender.
func (c *Client) Name() string { return "telegram" }

// APIError is a non-OK Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// Temporary reports whether the request is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
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

// apiResponse is the envelope of every Bot API response.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// User is the subset of the getMe result we log.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// Send implements delivery.Sender. Text longer than one Bot API message is
// split; an attachment whose caption would be too long is sent with the
// header as caption and the text follows as separate messages.
func (c *Client) Send(ctx context.Context, recipient string, msg *models.Message) error {
	text := msg.TextOrEmpty()
	header := headerRunes(msg.Sender, msg.Topic)

	if msg.Attachment != nil {
		if header+runeLen(text) <= maxCaptionRunes {
			return c.sendDocument(ctx, recipient, FormatText(msg.Sender, msg.Topic, text), msg.Attachment)
		}
		if err := c.sendDocument(ctx, recipient, FormatText(msg.Sender, msg.Topic, ""), msg.Attachment); err != nil {
			return err
		}
	}

	if msg.Attachment != nil && text == "" {
		return nil
	}

	budget := maxTextRunes - header
	if budget < 1 {
		budget = 1
	}
	for _, chunk := range splitRunes(text, budget) {
		if err := c.sendMessage(ctx, recipient, FormatText(msg.Sender, msg.Topic, chunk)); err != nil {
			return err
		}
	}
	return nil
}

// GetMe verifies the token and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	err := c.call(ctx, methodGetMe, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL(methodGetMe), nil)
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) sendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": parseModeMarkdownV2,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage payload: %w", err)
	}

	return c.call(ctx, methodSendMessage, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(methodSendMessage), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
}

func (c *Client) sendDocument(ctx context.Context, chatID, caption string, att *models.Attachment) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"chat_id", chatID},
		{"caption", caption},
		{"parse_mode", parseModeMarkdownV2},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("build sendDocument form: %w", err)
		}
	}
	part, err := w.CreatePart(documentHeader(att))
	if err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	if _, err := part.Write(att.Content); err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build sendDocument form: %w", err)
	}

	payload := body.Bytes()
	contentType := w.FormDataContentType()

	return c.call(ctx, methodSendDocument, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(methodSendDocument), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, nil)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// documentHeader is the form-file header for att, carrying its detected
// MIME type instead of a generic octet stream.
func documentHeader(att *models.Attachment) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="document"; filename="%s"`, quoteEscaper.Replace(att.Filename)))
	ctype := att.MIMEType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)
	return h
}

// call runs one Bot API method with retries. newReq must build a fresh
// request per attempt. result, if non-nil, receives the decoded result.
func (c *Client) call(ctx context.Context, method string, newReq func() (*http.Request, error), result interface{}) error {
	attempts := 0

	op := func() error {
		attempts++

		req, err := newReq()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build %s request: %w", method, c.redact(err)))
		}

		err = c.do(req, method, result)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			if apiErr.RetryAfter > 0 {
				wait := time.Duration(apiErr.RetryAfter) * time.Second
				if wait > maxRetryAfter {
					return backoff.Permanent(err)
				}
				if !sleepCtx(ctx, wait) {
					return backoff.Permanent(err)
				}
			}
		}

		slog.Debug("telegram request failed, may retry",
			"method", method,
			"attempt", attempts,
			"error", err,
		)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	if c.initialBackoff > 0 {
		eb.InitialInterval = c.initialBackoff
	}
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(max(c.maxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	if err := backoff.Retry(op, b); err != nil {
		return &SendError{Err: err, attempts: attempts}
	}
	return nil
}

// do performs a single HTTP exchange and decodes the envelope.
func (c *Client) do(req *http.Request, method string, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		// Proxies and outages return HTML; classify by status alone.
		return &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			Description: fmt.Sprintf("undecodable response (%d bytes)", len(data)),
		}
	}

	if resp.StatusCode != http.StatusOK || !env.OK {
		apiErr := &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   env.ErrorCode,
			Description: env.Description,
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// redact strips the bot token from transport errors, which embed the
// request URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s %s: %w", ue.Op, strings.ReplaceAll(ue.URL, c.token, "<redacted>"), ue.Err)
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return errors.New(strings.ReplaceAll(err.Error(), c.token, "<redacted>"))
	}
	return err
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
