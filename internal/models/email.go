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

// Package models defines the data structures shared across the mailpush service.
package models

import "time"

// Attachment describes a file part of a message. Data is nil until the
// attachment has been materialised, either inline or by a lazy fetch.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id,omitempty"`
	Data         []byte `json:"data,omitempty"`
}

// Materialized reports whether the attachment body is present.
func (a *Attachment) Materialized() bool {
	return a.Data != nil
}

// EmailRecord is a normalised mail message ready for persistence.
//
// ID is the provider message id and the dedup key: persisting a record whose
// ID has already been processed is a no-op.
type EmailRecord struct {
	ID           string       `json:"id"`
	Account      string       `json:"account"`
	ThreadID     string       `json:"thread_id"`
	HistoryID    string       `json:"history_id"`
	InternalDate int64        `json:"internal_date"`
	Subject      string       `json:"subject"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	Cc           string       `json:"cc,omitempty"`
	Bcc          string       `json:"bcc,omitempty"`
	Snippet      string       `json:"snippet"`
	BodyText     string       `json:"body_text"`
	BodyHTML     string       `json:"body_html"`
	Attachments  []Attachment `json:"attachments"`
}

// ReceivedAt converts InternalDate (ms since epoch) into a UTC time.
func (r *EmailRecord) ReceivedAt() time.Time {
	if r.InternalDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.InternalDate).UTC()
}
