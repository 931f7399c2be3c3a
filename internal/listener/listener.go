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

// Package listener consumes a broker subscription, hands each delivery to an
// EventHandler and settles it: success and terminal failures are acked,
// transient failures and undecodable payloads are nacked for redelivery.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bcem/mailpush/internal/metrics"
)

var (
	// ErrNotIdle is returned by Start on a listener that was already started.
	ErrNotIdle = errors.New("listener is not idle")

	// ErrUndecodable marks a payload that is not valid UTF-8 text.
	ErrUndecodable = errors.New("payload is not valid UTF-8")
)

// DefaultStopTimeout bounds how long Stop waits for in-flight deliveries.
const DefaultStopTimeout = 5 * time.Second

// joinTimeout bounds the wait for the receive goroutine after the transport
// has been closed.
const joinTimeout = time.Second

// State is the listener lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Event is one decoded delivery.
type Event struct {
	// Payload is the JSON value (numbers as json.Number) or, when the
	// payload is not JSON, the raw text.
	Payload interface{}
	Raw     string
	// Attributes has lowercased keys.
	Attributes map[string]string
	MessageID  string
}

// EventHandler processes one event. Implemented by router.Router.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// Message is a broker delivery that must be settled exactly once.
type Message interface {
	ID() string
	Data() []byte
	Attributes() map[string]string
	Ack()
	Nack()
}

// Receiver is a streaming pull. Receive blocks until ctx is cancelled or the
// pull fails, and returns only after outstanding callbacks have finished.
type Receiver interface {
	Receive(ctx context.Context, fn func(context.Context, Message)) error
	Close() error
}

// Listener owns the subscription lifecycle: Idle -> Running -> Stopping -> Stopped.
type Listener struct {
	receiver    Receiver
	handler     EventHandler
	stopTimeout time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Int64
	runErr   error
}

// ListenerConfig holds the configuration for a Listener.
type ListenerConfig struct {
	Receiver    Receiver
	Handler     EventHandler
	StopTimeout time.Duration
}

// New creates an idle listener.
func New(cfg ListenerConfig) (*Listener, error) {
	if cfg.Receiver == nil {
		return nil, fmt.Errorf("listener: receiver is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("listener: handler is required")
	}
	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	return &Listener{
		receiver:    cfg.Receiver,
		handler:     cfg.Handler,
		stopTimeout: timeout,
	}, nil
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start begins consuming in a background goroutine and returns immediately.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Idle {
		return fmt.Errorf("start from %s: %w", l.state, ErrNotIdle)
	}

	pullCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = Running

	go l.wait(pullCtx)

	slog.Info("listener started")
	return nil
}

// wait runs the streaming pull until it ends.
func (l *Listener) wait(ctx context.Context) {
	defer close(l.done)

	err := l.receiver.Receive(ctx, l.onMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("streaming pull terminated", "error", err)
	}

	l.mu.Lock()
	l.runErr = err
	l.mu.Unlock()
}

// Err returns the error the streaming pull ended with, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runErr
}

// Done is closed when the streaming pull has ended. It is nil before Start.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Stop cancels the pull, waits up to the stop timeout for in-flight
// deliveries, closes the transport and joins the receive goroutine. It
// returns within the stop timeout plus one second. Stop on an idle listener
// is a no-op and repeated calls are safe.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return
	}
	l.state = Stopping
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()

	drain := time.NewTimer(l.stopTimeout)
	select {
	case <-done:
	case <-drain.C:
		slog.Warn("listener drain timed out",
			"timeout", l.stopTimeout,
			"in_flight", l.inFlight.Load(),
		)
	}
	drain.Stop()

	if err := l.receiver.Close(); err != nil {
		slog.Warn("closing subscriber transport failed", "error", err)
	}

	join := time.NewTimer(joinTimeout)
	select {
	case <-done:
	case <-join.C:
		slog.Warn("listener receive goroutine did not exit in time")
	}
	join.Stop()

	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()

	slog.Info("listener stopped")
}

// onMessage decodes and dispatches one delivery, then settles it.
func (l *Listener) onMessage(ctx context.Context, msg Message) {
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	metrics.MessagesReceived.Inc()

	ev, err := Decode(msg.ID(), msg.Data(), msg.Attributes())
	if err != nil {
		slog.Warn("undecodable payload; returning to broker",
			"message_id", msg.ID(),
			"error", err,
		)
		metrics.MessagesNacked.WithLabelValues("decode").Inc()
		msg.Nack()
		return
	}

	// Handling is never interrupted by Stop.
	if Dispatch(context.WithoutCancel(ctx), l.handler, ev) {
		msg.Ack()
		return
	}
	msg.Nack()
}

// Decode builds an Event from a raw delivery. Payloads that are not valid
// UTF-8 fail with ErrUndecodable.
func Decode(id string, data []byte, attrs map[string]string) (Event, error) {
	if !utf8.Valid(data) {
		return Event{}, fmt.Errorf("%d byte payload: %w", len(data), ErrUndecodable)
	}
	return Event{
		Payload:    decodePayload(data),
		Raw:        string(data),
		Attributes: lowerKeys(attrs),
		MessageID:  id,
	}, nil
}

// Dispatch runs h on ev and reports whether the delivery should be
// acknowledged. Success, terminal errors and panics acknowledge; transient
// errors do not.
func Dispatch(ctx context.Context, h EventHandler, ev Event) bool {
	panicked, err := dispatch(ctx, h, ev)
	switch {
	case err == nil:
		metrics.MessagesAcked.Inc()
		return true
	case panicked:
		slog.Error("handler panicked; dropping message",
			"message_id", ev.MessageID,
			"error", err,
		)
		metrics.MessagesDropped.WithLabelValues("panic").Inc()
		return true
	case IsTransient(err):
		slog.Warn("transient failure; message will be redelivered",
			"message_id", ev.MessageID,
			"error", err,
		)
		metrics.MessagesNacked.WithLabelValues("transient").Inc()
		return false
	default:
		slog.Error("terminal failure; dropping message",
			"message_id", ev.MessageID,
			"error", err,
		)
		metrics.MessagesDropped.WithLabelValues("terminal").Inc()
		return true
	}
}

// dispatch calls the handler, converting a panic into an error.
func dispatch(ctx context.Context, h EventHandler, ev Event) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			panicked = true
		}
	}()
	return false, h.HandleEvent(ctx, ev)
}

// decodePayload returns the JSON value of data, or the text itself.
func decodePayload(data []byte) interface{} {
	if !json.Valid(data) {
		return string(data)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return string(data)
	}
	return v
}

func lowerKeys(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[strings.ToLower(k)] = v
	}
	return out
}
