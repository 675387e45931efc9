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

// Package normalize converts an inbound request body, plain text or
// multipart form, into a single models.Message.
//
// Multipart bodies may carry two fields, both optional:
//   - "message": the text
//   - "file": an attachment, which must declare a filename
//
// At least one of them must be present.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hookrelay/relay/internal/models"
)

const (
	fieldMessage = "message"
	fieldFile    = "file"
)

var (
	// ErrEmptyMessage means neither text nor attachment was supplied.
	ErrEmptyMessage = errors.New("message has neither text nor attachment")

	// ErrMalformedBody means the body could not be decoded.
	ErrMalformedBody = errors.New("malformed body")

	// ErrUnsupportedMediaType means the Content-Type is neither
	// text/plain nor multipart/form-data.
	ErrUnsupportedMediaType = errors.New("unsupported content type")

	// ErrMissingName means the sender or topic is empty.
	ErrMissingName = errors.New("sender and topic must be non-empty")
)

// Kind discriminates the two accepted body encodings.
type Kind int

const (
	PlainText Kind = iota + 1
	MultipartForm
)

func (k Kind) String() string {
	switch k {
	case PlainText:
		return "text/plain"
	case MultipartForm:
		return "multipart/form-data"
	default:
		return "unknown"
	}
}

// ContentType is the parsed Content-Type header. Boundary is set only for
// MultipartForm.
type ContentType struct {
	Kind     Kind
	Boundary string
}

// ParseContentType classifies a Content-Type header value.
func ParseContentType(header string) (ContentType, error) {
	if strings.TrimSpace(header) == "" {
		return ContentType{}, fmt.Errorf("%w: missing Content-Type", ErrUnsupportedMediaType)
	}

	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ContentType{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, header)
	}

	switch mediaType {
	case "text/plain":
		return ContentType{Kind: PlainText}, nil
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return ContentType{}, fmt.Errorf("%w: multipart boundary missing", ErrMalformedBody)
		}
		return ContentType{Kind: MultipartForm, Boundary: boundary}, nil
	default:
		return ContentType{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
}

// Normalize builds a Message from a raw body. Sender and topic are passed
// through verbatim.
func Normalize(sender, topic string, ct ContentType, raw []byte) (*models.Message, error) {
	if sender == "" || topic == "" {
		return nil, ErrMissingName
	}

	msg := &models.Message{
		Sender:     sender,
		Topic:      topic,
		ReceivedAt: time.Now().UTC(),
	}

	switch ct.Kind {
	case PlainText:
		if !utf8.Valid(raw) {
			return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedBody)
		}
		text := string(raw)
		msg.Text = &text

	case MultipartForm:
		if err := decodeMultipart(msg, ct.Boundary, raw); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, ct.Kind)
	}

	if msg.Text == nil && msg.Attachment == nil {
		return nil, ErrEmptyMessage
	}
	return msg, nil
}

// decodeMultipart fills msg from the "message" and "file" parts.
func decodeMultipart(msg *models.Message, boundary string, raw []byte) error {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)

	for {
		part, err := mr.NextPart()
		// Only a clean final boundary ends the loop; a wrapped EOF is a
		// truncated body.
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}

		switch name := part.FormName(); name {
		case fieldMessage:
			data, err := io.ReadAll(part)
			if err != nil {
				return fmt.Errorf("%w: read message field: %v", ErrMalformedBody, err)
			}
			if !utf8.Valid(data) {
				return fmt.Errorf("%w: message field is not valid UTF-8", ErrMalformedBody)
			}
			text := string(data)
			msg.Text = &text

		case fieldFile:
			filename := part.FileName()
			if filename == "" {
				return fmt.Errorf("%w: file part has no filename", ErrMalformedBody)
			}
			data, err := io.ReadAll(part)
			if err != nil {
				return fmt.Errorf("%w: read file field: %v", ErrMalformedBody, err)
			}
			if len(data) == 0 {
				return fmt.Errorf("%w: file part %q is empty", ErrMalformedBody, filename)
			}
			msg.Attachment = &models.Attachment{
				Filename: filename,
				Content:  data,
				MIMEType: guessMIME(part.Header.Get("Content-Type"), filename, data),
			}

		default:
			return fmt.Errorf("%w: unexpected multipart field %q", ErrMalformedBody, name)
		}
	}
}

// guessMIME prefers a specific declared type, then the file extension,
// then content sniffing.
func guessMIME(declared, filename string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	if len(data) == 0 {
		return ""
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
