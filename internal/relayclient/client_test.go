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

package relayclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// TestSend_PlainText posts text/plain to /{topic}/{sender}.
func TestSend_PlainText(t *testing.T) {
	var path, ctype, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		ctype = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"r1","status":"sent","outcomes":[{"job_id":"j","recipient":"111","status":"sent"}]}`))
	}))
	defer srv.Close()

	reply, err := New(srv.URL+"/", 0).Send(context.Background(), "my Lab", "edge/01", strPtr("hello"), nil)
	require.NoError(t, err)

	assert.Equal(t, "/my%20Lab/edge%2F01", path)
	assert.Equal(t, "text/plain; charset=utf-8", ctype)
	assert.Equal(t, "hello", body)
	assert.True(t, reply.OK())
	assert.Equal(t, "r1", reply.RequestID)
	require.Len(t, reply.Outcomes, 1)
	assert.Equal(t, "111", reply.Outcomes[0].Recipient)
}

// TestSend_Multipart uploads the file with optional text.
func TestSend_Multipart(t *testing.T) {
	var message, filename, content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		message = r.FormValue("message")
		f, fh, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		filename = fh.Filename
		b, _ := io.ReadAll(f)
		content = string(b)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"request_id":"r2","status":"queued"}`))
	}))
	defer srv.Close()

	reply, err := New(srv.URL, 0).Send(context.Background(), "ops", "nas", strPtr("see attached"),
		&File{Name: "df.txt", Content: []byte("91%")})
	require.NoError(t, err)

	assert.Equal(t, "see attached", message)
	assert.Equal(t, "df.txt", filename)
	assert.Equal(t, "91%", content)
	assert.True(t, reply.OK())
	assert.Equal(t, "queued", reply.Status)
}

// TestSend_Rejected surfaces the relay error without failing.
func TestSend_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"request_id":"r3","error":"forbidden"}`))
	}))
	defer srv.Close()

	reply, err := New(srv.URL, 0).Send(context.Background(), "t", "s", strPtr("x"), nil)
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.Equal(t, http.StatusForbidden, reply.StatusCode)
	assert.Equal(t, "forbidden", reply.Error)
}

// TestSend_Nothing refuses an empty message.
func TestSend_Nothing(t *testing.T) {
	_, err := New("http://localhost", 0).Send(context.Background(), "t", "s", nil, nil)
	require.Error(t, err)
}
