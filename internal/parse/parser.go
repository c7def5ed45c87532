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

// Package parse reads raw MIME messages into subject, body and attachment
// text for the pipeline.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/bcem/receipts/internal/models"
)

// ErrEmptyMessage is returned for a zero-length raw message.
var ErrEmptyMessage = errors.New("empty raw message")

// maxAttachmentText bounds the text kept per attachment.
const maxAttachmentText = 64 * 1024

// Parser converts raw RFC 5322 bytes into a ParsedEmail.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Parse reads the envelope, prefers the text body and falls back to the
// HTML body rendered as text. PDF, spreadsheet and text attachments
// contribute their text; attachments that fail to decode are kept by name.
func (p *Parser) Parse(raw []byte) (models.ParsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return models.ParsedEmail{}, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return models.ParsedEmail{}, fmt.Errorf("read envelope: %w", err)
	}
	for _, perr := range env.Errors {
		if perr.Severe {
			slog.Warn("mime parse problem", "name", perr.Name, "detail", perr.Detail)
		}
	}

	out := models.ParsedEmail{
		MessageID:   MessageID(env),
		Subject:     strings.TrimSpace(env.GetHeader("Subject")),
		Text:        normalizeText(env.Text),
		HTML:        env.HTML,
		To:          addressList(env, "To"),
		Attachments: []models.Attachment{},
	}
	if from := addressList(env, "From"); len(from) > 0 {
		out.From = from[0]
	}

	// enmime down-converts HTML-only bodies itself; goquery keeps table rows
	// on their own lines, which receipt totals depend on.
	if env.HTML != "" && !hasPlainBody(env) {
		text, err := HTMLToText(env.HTML)
		if err != nil {
			slog.Warn("html body not readable", "error", err)
		} else {
			out.Text = text
		}
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, att := range parts {
		out.Attachments = append(out.Attachments, attachmentOf(att))
	}

	return out, nil
}

func attachmentOf(part *enmime.Part) models.Attachment {
	name := strings.TrimSpace(part.FileName)
	if name == "" {
		name = "attachment"
	}
	a := models.Attachment{
		Name:        name,
		ContentType: part.ContentType,
		Size:        len(part.Content),
	}

	text, err := attachmentText(name, part.ContentType, part.Content)
	if err != nil {
		slog.Warn("attachment text not extracted",
			"attachment", name,
			"content_type", part.ContentType,
			"error", err,
		)
		return a
	}
	if len(text) > maxAttachmentText {
		text = text[:maxAttachmentText]
	}
	a.Text = text
	return a
}

func hasPlainBody(env *enmime.Envelope) bool {
	if env.Root == nil {
		return false
	}
	return env.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain" && p.Disposition != "attachment"
	}) != nil
}

// MessageID returns the Message-Id header without angle brackets.
func MessageID(env *enmime.Envelope) string {
	id := strings.TrimSpace(env.GetHeader("Message-Id"))
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func addressList(env *enmime.Envelope, header string) []models.EmailAddress {
	list, err := env.AddressList(header)
	if err != nil {
		if !errors.Is(err, mail.ErrHeaderNotPresent) {
			slog.Debug("address header not parsed", "header", header, "error", err)
		}
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, addr := range list {
		out = append(out, models.EmailAddress{Address: strings.ToLower(addr.Address), Name: addr.Name})
	}
	return out
}

// normalizeText unifies line endings, trims each line and collapses runs of
// blank lines to one.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
