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

// Package webhook serves the HTTP surface of the service: the Pub/Sub push
// endpoint, the health check and the Prometheus metrics endpoint.
//
// A push subscription POSTs each delivery to the push endpoint and treats
// any 2xx response as an acknowledgement. Non-2xx responses cause
// redelivery, so the endpoint answers 204 for acknowledged deliveries and
// 503 for transient failures.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/mailpush/internal/listener"
	"github.com/bcem/mailpush/internal/metrics"
)

// maxBodyBytes bounds a push request body.
const maxBodyBytes = 10 << 20

// PushMessage is the delivery inside a push request.
type PushMessage struct {
	Data       []byte            `json:"data"` // base64 in JSON
	Attributes map[string]string `json:"attributes"`
	MessageID  string            `json:"messageId"`
}

// PushEnvelope is the wrapper Pub/Sub POSTs.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// Handler processes Pub/Sub push deliveries.
type Handler struct {
	handler listener.EventHandler
	token   string
}

// NewHandler creates a push handler. When token is non-empty every request
// must carry it as the ?token= query parameter.
func NewHandler(handler listener.EventHandler, token string) *Handler {
	return &Handler{handler: handler, token: token}
}

// ServePush handles one push delivery.
//
// Status codes:
//   - 204: delivery handled or dropped as terminal (acknowledged)
//   - 400: malformed envelope or undecodable payload (redelivered)
//   - 403: verification token mismatch
//   - 503: transient failure (redelivered)
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(h.token)) != 1 {
		slog.Warn("push request with invalid verification token", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read push body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("push body is not a Pub/Sub envelope", "body_len", len(body), "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	metrics.MessagesReceived.Inc()

	ev, err := listener.Decode(env.Message.MessageID, env.Message.Data, env.Message.Attributes)
	if err != nil {
		slog.Warn("undecodable push payload; returning to broker",
			"message_id", env.Message.MessageID,
			"error", err,
		)
		metrics.MessagesNacked.WithLabelValues("decode").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The request context is not used: a client disconnect must not abort
	// handling that has already started.
	if listener.Dispatch(context.WithoutCancel(r.Context()), h.handler, ev) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// HealthFunc reports service health and details for the /health body.
type HealthFunc func() (ok bool, details map[string]string)

// NewMux builds the service routes. push may be nil when push delivery is
// not enabled.
func NewMux(push *Handler, health HealthFunc) *http.ServeMux {
	mux := http.NewServeMux()

	if push != nil {
		mux.HandleFunc("/push", push.ServePush)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ok, details := true, map[string]string{}
		if health != nil {
			ok, details = health()
		}
		status := "ok"
		code := http.StatusOK
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"details": details,
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server closes when ctx ends.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: handler,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}
