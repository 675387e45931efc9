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

// Package webhook is the inbound HTTP boundary. Callers POST to
// /{topic}/{sender} with a text/plain or multipart/form-data body; the
// handler resolves the caller address, hands the request to the routing
// engine and maps the result onto an HTTP status.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hookrelay/relay/internal/models"
	"github.com/hookrelay/relay/internal/netmatch"
	"github.com/hookrelay/relay/internal/normalize"
	"github.com/hookrelay/relay/internal/routing"
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-Id"

// responseWriteWindow is the write deadline granted to the response body,
// counted from the moment the engine returns.
const responseWriteWindow = 5 * time.Second

// Router is the routing engine as seen by the handler.
type Router interface {
	Handle(ctx context.Context, req routing.Request) (*routing.Result, error)
}

// Response is the JSON body of an accepted request.
type Response struct {
	RequestID string           `json:"request_id"`
	Status    string           `json:"status"`
	Outcomes  []models.Outcome `json:"outcomes"`
}

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// Handler serves relay requests.
type Handler struct {
	router       Router
	trusted      netmatch.List
	maxBodyBytes int64
}

// NewHandler creates a relay handler. trusted lists the proxies whose
// X-Forwarded-For header is honoured; maxBodyBytes bounds the request
// body (zero disables the limit).
func NewHandler(router Router, trusted netmatch.List, maxBodyBytes int64) *Handler {
	return &Handler{
		router:       router,
		trusted:      trusted,
		maxBodyBytes: maxBodyBytes,
	}
}

// ServeRelay handles POST /{topic}/{sender}.
func (h *Handler) ServeRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()
	w.Header().Set(RequestIDHeader, reqID)

	topicName := r.PathValue("topic")
	sender := r.PathValue("sender")

	log := slog.With(
		"request_id", reqID,
		"topic", topicName,
		"sender", sender,
	)

	source, err := h.clientAddr(r)
	if err != nil {
		log.Error("cannot resolve client address", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, reqID, http.StatusInternalServerError, "internal error")
		return
	}
	log = log.With("source", source.String())

	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	res, err := h.router.Handle(r.Context(), routing.Request{
		ID:          reqID,
		Topic:       topicName,
		Sender:      sender,
		Source:      source,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status >= 500 {
			log.Error("relay request failed", "status", status, "error", err)
		} else {
			log.Info("relay request rejected", "status", status, "error", err)
		}
		extendWriteDeadline(w)
		writeError(w, reqID, status, msg)
		return
	}

	status, summary := resultStatus(res)
	log.Info("relay request handled",
		"status", status,
		"result", summary,
		"recipients", len(res.Outcomes),
		"duration", time.Since(start),
	)
	extendWriteDeadline(w)
	writeJSON(w, status, Response{
		RequestID: res.RequestID,
		Status:    summary,
		Outcomes:  res.Outcomes,
	})
}

// clientAddr resolves the caller address. The TCP peer is used unless it
// is a trusted proxy, in which case the right-most X-Forwarded-For hop
// that is not itself trusted wins.
func (h *Handler) clientAddr(r *http.Request) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse remote address %q: %w", r.RemoteAddr, err)
	}
	peer := ap.Addr().Unmap().WithZone("")

	if len(h.trusted) == 0 || !h.trusted.Any(peer) {
		return peer, nil
	}

	hops := forwardedFor(r.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			// A garbled hop ends the trusted chain.
			return peer, nil
		}
		addr = addr.Unmap().WithZone("")
		if !h.trusted.Any(addr) {
			return addr, nil
		}
	}
	return peer, nil
}

// forwardedFor flattens X-Forwarded-For header values into hops, left to
// right.
func forwardedFor(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// errorStatus maps a routing rejection onto an HTTP status and a client
// facing message. Authorization failures carry no detail.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, routing.ErrTopicNotFound):
		return http.StatusNotFound, "topic not found"
	case errors.Is(err, routing.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, routing.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, normalize.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, "content type must be text/plain or multipart/form-data"
	case errors.Is(err, routing.ErrBadRequest):
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), routing.ErrBadRequest.Error()+": ")
	case errors.Is(err, routing.ErrAbandoned):
		return http.StatusBadRequest, "request abandoned"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// resultStatus picks the status for an accepted request: 202 when jobs
// were queued, 200 when at least one recipient was sent, 502 when every
// recipient failed.
func resultStatus(res *routing.Result) (int, string) {
	sent, failed, queued := res.Counts()
	switch {
	case queued > 0:
		return http.StatusAccepted, "queued"
	case failed == 0:
		return http.StatusOK, "sent"
	case sent > 0:
		return http.StatusOK, "partial"
	default:
		return http.StatusBadGateway, "failed"
	}
}

// extendWriteDeadline gives the response its own write window once the
// engine has returned.
func extendWriteDeadline(w http.ResponseWriter) {
	err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(responseWriteWindow))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("failed to extend write deadline", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, reqID string, status int, msg string) {
	writeJSON(w, status, ErrorResponse{RequestID: reqID, Error: msg})
}

// NewMux routes relay requests to h. Other methods get 405 from the mux.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{topic}/{sender}", h.ServeRelay)
	return mux
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// NewOpsMux serves /healthz and, when metrics is non-nil, /metrics.
func NewOpsMux(checks map[string]HealthCheck, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		failing := map[string]string{}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				failing[name] = err.Error()
			}
		}
		if len(failing) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failing": failing})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Name         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Serve starts an HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned
// channel before starting to accept connections. When ctx is done the
// server stops accepting and waits up to drain for in-flight requests;
// done is closed once it has fully stopped.
func Serve(ctx context.Context, cfg ServerConfig, handler http.Handler, drain time.Duration) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s port %d: %w", cfg.Name, cfg.Port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("server shutting down", "server", cfg.Name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server did not drain in time", "server", cfg.Name, "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("server listening", "server", cfg.Name, "port", ln.Addr().(*net.TCPAddr).Port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("server error", "server", cfg.Name, "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
