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

package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/history"
	"github.com/bcem/mailpush/internal/listener"
	"github.com/bcem/mailpush/internal/registry"
)

// stubClient satisfies registry.MailClient; the router never calls it directly.
type stubClient struct{ account string }

func (c *stubClient) Account() string { return c.account }
func (c *stubClient) FetchMessage(context.Context, string) (*gmailv1.Message, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) FetchAttachment(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) ListHistory(context.Context, string, string) (*gmail.HistoryPage, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) Watch(context.Context, gmail.WatchRequest) (*gmail.WatchResult, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) StopWatch(context.Context) error { return nil }
func (c *stubClient) ListMessages(context.Context, string, string) (*gmail.MessagePage, error) {
	return nil, errors.New("not implemented")
}

type reconcileCall struct {
	account string
	hint    string
}

type fakeReconciler struct {
	mu     sync.Mutex
	calls  []reconcileCall
	result *history.Result
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, account string, _ history.Lister, hint string) (*history.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reconcileCall{account, hint})
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &history.Result{Watermark: hint}, nil
	}
	return f.result, nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	one     []string
	batches [][]string
	oneErr  error
}

func (f *fakeExtractor) ProcessOne(_ context.Context, account string, _ extract.Fetcher, id string) (extract.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.one = append(f.one, account+"/"+id)
	if f.oneErr != nil {
		return extract.Failed, f.oneErr
	}
	return extract.Saved, nil
}

func (f *fakeExtractor) Process(_ context.Context, account string, _ extract.Fetcher, ids []string) extract.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string{account}, ids...))
	return extract.Summary{Saved: len(ids)}
}

func newTestRouter(accounts ...string) (*Router, *fakeReconciler, *fakeExtractor) {
	clients := make(map[string]registry.MailClient)
	for _, a := range accounts {
		clients[a] = &stubClient{account: a}
	}
	rec := &fakeReconciler{}
	ext := &fakeExtractor{}
	return New(RouterConfig{Registry: registry.New(clients), Reconciler: rec, Extractor: ext}), rec, ext
}

func jsonPayload(t *testing.T, body string) interface{} {
	t.Helper()
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestHandleEvent_PushHint(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		attrs    map[string]string
		wantCall reconcileCall
	}{
		{
			name:     "payload fields",
			payload:  `{"emailAddress":"A@Example.com","historyId":12345}`,
			wantCall: reconcileCall{"a@example.com", "12345"},
		},
		{
			name:     "attributes win over payload",
			payload:  `{"emailAddress":"other@example.com","historyId":1}`,
			attrs:    map[string]string{"EmailAddress": "a@example.com", "HistoryId": "200"},
			wantCall: reconcileCall{"a@example.com", "200"},
		},
		{
			name:     "large history id keeps digits",
			payload:  `{"emailAddress":"a@example.com","historyId":18446744073709551615}`,
			wantCall: reconcileCall{"a@example.com", "18446744073709551615"},
		},
		{
			name:     "string history id",
			payload:  `{"emailAddress":"a@example.com","historyId":"99"}`,
			wantCall: reconcileCall{"a@example.com", "99"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec, ext := newTestRouter("a@example.com")
			rec.result = &history.Result{MessageIDs: []string{"M1", "M2"}, Watermark: "300"}

			err := r.HandleEvent(context.Background(), listener.Event{
				Payload:    jsonPayload(t, tt.payload),
				Attributes: tt.attrs,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rec.calls) != 1 || rec.calls[0] != tt.wantCall {
				t.Fatalf("reconcile calls = %v, want [%v]", rec.calls, tt.wantCall)
			}
			if len(ext.batches) != 1 || len(ext.batches[0]) != 3 || ext.batches[0][1] != "M1" {
				t.Errorf("batches = %v", ext.batches)
			}
		})
	}
}

func TestHandleEvent_Ignored(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		attrs   map[string]string
	}{
		{"missing history id", map[string]interface{}{"emailAddress": "a@example.com"}, nil},
		{"missing account", map[string]interface{}{"historyId": json.Number("5")}, nil},
		{"raw text", "hello", nil},
		{"unknown account", map[string]interface{}{"emailAddress": "nobody@example.com", "historyId": json.Number("5")}, nil},
		{"direct reference for unknown account", map[string]interface{}{"message_id": "X", "account": "nobody@example.com"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec, ext := newTestRouter("a@example.com")
			if err := r.HandleEvent(context.Background(), listener.Event{Payload: tt.payload, Attributes: tt.attrs}); err != nil {
				t.Fatalf("ignored events must not fail: %v", err)
			}
			if len(rec.calls) != 0 || len(ext.one) != 0 || len(ext.batches) != 0 {
				t.Errorf("unexpected work: reconcile=%v one=%v batches=%v", rec.calls, ext.one, ext.batches)
			}
		})
	}
}

func TestHandleEvent_NoNewMessagesSkipsExtraction(t *testing.T) {
	r, rec, ext := newTestRouter("a@example.com")

	err := r.HandleEvent(context.Background(), listener.Event{
		Attributes: map[string]string{"emailaddress": "a@example.com", "historyid": "100"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("reconcile calls = %d", len(rec.calls))
	}
	if len(ext.batches) != 0 {
		t.Errorf("extraction ran with no ids: %v", ext.batches)
	}
}

func TestHandleEvent_ReconcileErrorReturned(t *testing.T) {
	r, rec, _ := newTestRouter("a@example.com")
	rec.err = gmail.ErrHistoryExpired

	err := r.HandleEvent(context.Background(), listener.Event{
		Payload: map[string]interface{}{"emailAddress": "a@example.com", "historyId": json.Number("7")},
	})
	if !errors.Is(err, gmail.ErrHistoryExpired) {
		t.Fatalf("err = %v, want ErrHistoryExpired", err)
	}
	if listener.IsTransient(err) {
		t.Error("expired history must be terminal")
	}
}

func TestHandleEvent_DirectReference(t *testing.T) {
	tests := []struct {
		name     string
		accounts []string
		payload  string
		want     string
	}{
		{"message_id with account", []string{"a@example.com", "b@example.com"}, `{"message_id":"X1","account":"b@example.com"}`, "b@example.com/X1"},
		{"gmailMessageId with emailAddress", []string{"a@example.com", "b@example.com"}, `{"gmailMessageId":"X2","emailAddress":"a@example.com"}`, "a@example.com/X2"},
		{"nested message id single account", []string{"a@example.com"}, `{"message":{"id":"X3"}}`, "a@example.com/X3"},
		{"direct reference wins over hint", []string{"a@example.com"}, `{"messageId":"X4","emailAddress":"a@example.com","historyId":9}`, "a@example.com/X4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec, ext := newTestRouter(tt.accounts...)
			if err := r.HandleEvent(context.Background(), listener.Event{Payload: jsonPayload(t, tt.payload)}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(ext.one) != 1 || ext.one[0] != tt.want {
				t.Errorf("ProcessOne calls = %v, want [%s]", ext.one, tt.want)
			}
			if len(rec.calls) != 0 {
				t.Errorf("direct reference must not reconcile: %v", rec.calls)
			}
		})
	}
}

func TestHandleEvent_DirectReferenceAmbiguousAccount(t *testing.T) {
	r, _, ext := newTestRouter("a@example.com", "b@example.com")
	if err := r.HandleEvent(context.Background(), listener.Event{Payload: map[string]interface{}{"message_id": "X"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ext.one) != 0 {
		t.Errorf("ProcessOne called without a resolvable account: %v", ext.one)
	}
}

func TestHandleEvent_DirectReferenceErrorReturned(t *testing.T) {
	r, _, ext := newTestRouter("a@example.com")
	ext.oneErr = context.DeadlineExceeded

	err := r.HandleEvent(context.Background(), listener.Event{Payload: map[string]interface{}{"message_id": "X"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if !listener.IsTransient(err) {
		t.Error("deadline errors must stay transient through the router")
	}
}
