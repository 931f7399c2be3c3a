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

// Package extract converts Gmail message resources into EmailRecords and
// drives them into persistence exactly once per message id.
package extract

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/models"
)

// Parse builds an EmailRecord from a full-format message resource. It does
// no I/O: attachments that are not inline are left as descriptors.
func Parse(account string, msg *gmailv1.Message) *models.EmailRecord {
	rec := &models.EmailRecord{
		ID:           msg.Id,
		Account:      account,
		ThreadID:     msg.ThreadId,
		InternalDate: msg.InternalDate,
		Snippet:      msg.Snippet,
		Attachments:  []models.Attachment{},
	}
	if msg.HistoryId != 0 {
		rec.HistoryID = strconv.FormatUint(msg.HistoryId, 10)
	}
	if msg.Payload == nil {
		return rec
	}

	headers := headerMap(msg.Payload.Headers)
	rec.Subject = headers["subject"]
	rec.From = headers["from"]
	rec.To = headers["to"]
	rec.Cc = headers["cc"]
	rec.Bcc = headers["bcc"]

	w := &walker{rec: rec}
	w.walk(msg.Payload)
	return rec
}

// headerMap lowercases header names. A repeated header keeps its last value.
func headerMap(headers []*gmailv1.MessagePartHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}

type walker struct {
	rec     *models.EmailRecord
	gotText bool
	gotHTML bool
}

// walk visits the MIME tree depth-first. The first text/plain and first
// text/html bodies win; every part with a filename becomes an attachment.
func (w *walker) walk(part *gmailv1.MessagePart) {
	if part == nil {
		return
	}

	mimeType := strings.ToLower(part.MimeType)
	var data, attachmentID string
	var size int64
	if part.Body != nil {
		data = part.Body.Data
		attachmentID = part.Body.AttachmentId
		size = part.Body.Size
	}

	if part.Filename != "" {
		att := models.Attachment{
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			Size:         size,
			AttachmentID: attachmentID,
		}
		if data != "" {
			if raw, err := gmail.DecodeBody(data); err == nil {
				att.Data = raw
			} else {
				slog.Warn("undecodable inline attachment",
					"message_id", w.rec.ID,
					"filename", part.Filename,
					"error", err,
				)
			}
		}
		w.rec.Attachments = append(w.rec.Attachments, att)
	} else if data != "" {
		switch {
		case mimeType == "text/plain" && !w.gotText:
			w.rec.BodyText = decodeText(w.rec.ID, data, partCharset(part))
			w.gotText = true
		case mimeType == "text/html" && !w.gotHTML:
			w.rec.BodyHTML = decodeText(w.rec.ID, data, partCharset(part))
			w.gotHTML = true
		}
	}

	for _, sub := range part.Parts {
		w.walk(sub)
	}
}

// partCharset returns the charset parameter of the part's Content-Type.
func partCharset(part *gmailv1.MessagePart) string {
	ct := headerMap(part.Headers)["content-type"]
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// decodeText decodes a base64url body and converts it to UTF-8.
func decodeText(messageID, data, cs string) string {
	raw, err := gmail.DecodeBody(data)
	if err != nil {
		slog.Warn("undecodable body part", "message_id", messageID, "error", err)
		return ""
	}

	label := strings.ToLower(strings.TrimSpace(cs))
	if label == "" || label == "utf-8" || label == "utf8" || label == "us-ascii" {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}

	r, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		slog.Debug("unknown charset, keeping raw bytes", "message_id", messageID, "charset", cs)
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(out)
}
