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

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bcem/mailpush/internal/listener"
)

// recordingHandler captures events and returns a fixed error.
type recordingHandler struct {
	mu     sync.Mutex
	events []listener.Event
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev listener.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func pushBody(t *testing.T, data []byte, attrs map[string]string) string {
	t.Helper()
	body, err := json.Marshal(PushEnvelope{
		Message:      PushMessage{Data: data, Attributes: attrs, MessageID: "pm-1"},
		Subscription: "projects/p1/subscriptions/gmail-push",
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

// TestServePush_StatusCodes verifies the ack/nack mapping onto HTTP status.
func TestServePush_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		handlerErr error
		wantCode   int
		wantEvents int
	}{
		{"success", http.MethodPost, "", nil, http.StatusNoContent, 1},
		{"terminal error acks", http.MethodPost, "", errors.New("unknown account"), http.StatusNoContent, 1},
		{"transient error nacks", http.MethodPost, "", context.DeadlineExceeded, http.StatusServiceUnavailable, 1},
		{"invalid envelope", http.MethodPost, "not json", nil, http.StatusBadRequest, 0},
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rh := &recordingHandler{err: tt.handlerErr}
			h := NewHandler(rh, "")

			body := tt.body
			if body == "" {
				body = pushBody(t, []byte(`{"emailAddress":"a@example.com","historyId":42}`), nil)
			}
			req := httptest.NewRequest(tt.method, "/push", strings.NewReader(body))
			rr := httptest.NewRecorder()

			h.ServePush(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if len(rh.events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(rh.events), tt.wantEvents)
			}
		})
	}
}

// TestServePush_DecodesEnvelope verifies base64 data and attribute casing.
func TestServePush_DecodesEnvelope(t *testing.T) {
	rh := &recordingHandler{}
	h := NewHandler(rh, "")

	body := pushBody(t, []byte(`{"emailAddress":"a@example.com","historyId":42}`), map[string]string{"EmailAddress": "a@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.ServePush(rr, req)

	if len(rh.events) != 1 {
		t.Fatalf("events = %d", len(rh.events))
	}
	ev := rh.events[0]
	if ev.MessageID != "pm-1" {
		t.Errorf("MessageID = %q", ev.MessageID)
	}
	if ev.Attributes["emailaddress"] != "a@example.com" {
		t.Errorf("attributes = %v", ev.Attributes)
	}
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok || payload["historyId"] != json.Number("42") {
		t.Errorf("payload = %#v", ev.Payload)
	}
}

// TestServePush_UndecodablePayload verifies invalid UTF-8 is returned for redelivery.
func TestServePush_UndecodablePayload(t *testing.T) {
	rh := &recordingHandler{}
	h := NewHandler(rh, "")

	req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(pushBody(t, []byte{0xff, 0xfe}, nil)))
	rr := httptest.NewRecorder()

	h.ServePush(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if len(rh.events) != 0 {
		t.Error("handler saw an undecodable payload")
	}
}

// TestServePush_VerificationToken verifies the shared-secret query parameter.
func TestServePush_VerificationToken(t *testing.T) {
	rh := &recordingHandler{}
	h := NewHandler(rh, "s3cret")
	body := pushBody(t, []byte(`{}`), nil)

	for _, tc := range []struct {
		url  string
		want int
	}{
		{"/push", http.StatusForbidden},
		{"/push?token=wrong", http.StatusForbidden},
		{"/push?token=s3cret", http.StatusNoContent},
	} {
		rr := httptest.NewRecorder()
		h.ServePush(rr, httptest.NewRequest(http.MethodPost, tc.url, strings.NewReader(body)))
		if rr.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.url, rr.Code, tc.want)
		}
	}
}

// TestMux_HealthAndMetrics verifies the health and metrics routes.
func TestMux_HealthAndMetrics(t *testing.T) {
	healthy := true
	mux := NewMux(nil, func() (bool, map[string]string) {
		return healthy, map[string]string{"listener": "running"}
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"listener":"running"`) {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}

	healthy = false
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "mailpush_") {
		t.Errorf("metrics = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/push", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("push route registered without a handler: %d", rr.Code)
	}
}
