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

// Package metrics declares the Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listener metrics
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailpush_messages_received_total",
			Help: "Total number of broker deliveries received",
		},
	)

	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailpush_messages_acked_total",
			Help: "Total number of deliveries acknowledged after successful handling",
		},
	)

	MessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_messages_nacked_total",
			Help: "Total number of deliveries returned to the broker for redelivery",
		},
		[]string{"reason"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_messages_dropped_total",
			Help: "Total number of deliveries acknowledged without successful handling",
		},
		[]string{"reason"},
	)

	// Reconciliation metrics
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_reconciliations_total",
			Help: "Total number of history reconciliations",
		},
		[]string{"result"},
	)

	MessageIDsDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailpush_message_ids_discovered_total",
			Help: "Total number of new message ids discovered in change logs",
		},
	)

	// Extraction metrics
	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_extractions_total",
			Help: "Total number of message extraction attempts",
		},
		[]string{"result"},
	)

	AttachmentFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_attachment_fetches_total",
			Help: "Total number of lazy attachment fetches",
		},
		[]string{"result"},
	)

	// Watch lifecycle metrics
	WatchRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpush_watch_registrations_total",
			Help: "Total number of watch registration attempts",
		},
		[]string{"result"},
	)
)
