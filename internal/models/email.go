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

// Package models defines the canonical types shared by the receipt
// ingestion pipeline: inbound deliveries, parsed emails, extracted
// receipts, persisted rows and audit events.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the inbound-email service that delivered a message.
type Provider string

const (
	ProviderPostmark Provider = "postmark"
	ProviderSendGrid Provider = "sendgrid"
	ProviderMailgun  Provider = "mailgun"
	ProviderSES      Provider = "ses"
	ProviderM365     Provider = "m365"
)

var knownProviders = map[Provider]bool{
	ProviderPostmark: true,
	ProviderSendGrid: true,
	ProviderMailgun:  true,
	ProviderSES:      true,
	ProviderM365:     true,
}

// ParseProvider validates a provider name against the closed set.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !knownProviders[p] {
		return "", fmt.Errorf("unknown inbound provider %q", s)
	}
	return p, nil
}

// MessageKey is the deduplication identity of a physical message.
type MessageKey struct {
	OrganizationID string
	Alias          string
	MessageID      string
}

func (k MessageKey) String() string {
	return k.OrganizationID + ":" + k.Alias + ":" + k.MessageID
}

// InboundMessage is one delivery attempt of an email to an organization alias.
// It is also the payload carried on the inbound queue.
type InboundMessage struct {
	OrganizationID string    `json:"organization_id"`
	Alias          string    `json:"alias"`
	Provider       Provider  `json:"provider"`
	MessageID      string    `json:"message_id"`
	RawRef         string    `json:"raw_ref,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Key returns the identity tuple used for admission.
func (m InboundMessage) Key() MessageKey {
	return MessageKey{
		OrganizationID: m.OrganizationID,
		Alias:          m.Alias,
		MessageID:      m.MessageID,
	}
}

// Validate checks that the identity tuple and provider are present.
func (m InboundMessage) Validate() error {
	switch {
	case m.OrganizationID == "":
		return fmt.Errorf("inbound message: organization id is required")
	case m.Alias == "":
		return fmt.Errorf("inbound message: alias is required")
	case m.MessageID == "":
		return fmt.Errorf("inbound message: provider message id is required")
	}
	if _, err := ParseProvider(string(m.Provider)); err != nil {
		return fmt.Errorf("inbound message: %w", err)
	}
	return nil
}

type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	// Text holds extracted text for PDF, spreadsheet and text/* attachments.
	Text string `json:"text,omitempty"`
}

// ParsedEmail is the output of the parse step.
type ParsedEmail struct {
	MessageID   string         `json:"message_id,omitempty"`
	From        EmailAddress   `json:"from"`
	To          []EmailAddress `json:"to"`
	Subject     string         `json:"subject"`
	Text        string         `json:"text"`
	HTML        string         `json:"html,omitempty"`
	Attachments []Attachment   `json:"attachments"`
}

// ReceiptText assembles the text handed to language normalization: the
// subject, the body and any attachment text.
func (p ParsedEmail) ReceiptText() string {
	var b strings.Builder
	if s := strings.TrimSpace(p.Subject); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(p.Text))
	for _, a := range p.Attachments {
		if t := strings.TrimSpace(a.Text); t != "" {
			fmt.Fprintf(&b, "\n\n[attachment %s]\n%s", a.Name, t)
		}
	}
	return strings.TrimSpace(b.String())
}

// IdempotencyRecord is one admitted message identity.
type IdempotencyRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Alias          string    `json:"alias"`
	MessageID      string    `json:"message_id"`
	Provider       Provider  `json:"provider"`
	RawRef         string    `json:"raw_ref,omitempty"`
	EmailID        string    `json:"email_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Email status values surfaced to collaborating UI.
const (
	EmailStatusProcessed   = "processed"
	EmailStatusNeedsReview = "needs_review"
	EmailStatusFailed      = "failed"
)

// EmailRecord is the persisted row for a processed message.
type EmailRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Alias          string    `json:"alias"`
	Provider       Provider  `json:"provider"`
	MessageID      string    `json:"message_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	RawRef         string    `json:"raw_ref,omitempty"`
	CorrelationID  string    `json:"correlation_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}
