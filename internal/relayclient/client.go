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

// Package relayclient posts messages to a running relay.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hookrelay/relay/internal/models"
)

// File is an attachment to upload.
type File struct {
	Name    string
	Content []byte
}

// Reply is the decoded relay response.
type Reply struct {
	StatusCode int              `json:"-"`
	RequestID  string           `json:"request_id"`
	Status     string           `json:"status,omitempty"`
	Outcomes   []models.Outcome `json:"outcomes,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// OK reports whether the relay accepted the message.
func (r *Reply) OK() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusAccepted
}

// Client talks to one relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the relay at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send posts a message. Text only goes out as text/plain; anything with
// a file goes out as multipart/form-data. A non-2xx relay answer is not
// an error; inspect Reply.
func (c *Client) Send(ctx context.Context, topic, sender string, text *string, file *File) (*Reply, error) {
	if text == nil && file == nil {
		return nil, fmt.Errorf("nothing to send: need a message or a file")
	}

	var (
		body        io.Reader
		contentType string
	)
	if file == nil {
		body = strings.NewReader(*text)
		contentType = "text/plain; charset=utf-8"
	} else {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if text != nil {
			if err := w.WriteField("message", *text); err != nil {
				return nil, fmt.Errorf("build form: %w", err)
			}
		}
		fw, err := w.CreateFormFile("file", file.Name)
		if err != nil {
			return nil, fmt.Errorf("build form: %w", err)
		}
		if _, err := fw.Write(file.Content); err != nil {
			return nil, fmt.Errorf("build form: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("build form: %w", err)
		}
		body = &buf
		contentType = w.FormDataContentType()
	}

	endpoint := c.baseURL + "/" + url.PathEscape(topic) + "/" + url.PathEscape(sender)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to relay: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}

	reply := &Reply{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(data, reply); err != nil {
		reply.Error = strings.TrimSpace(string(data))
	}
	return reply, nil
}
