package models

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Message represents an individual entry of a chat session. The text of an assistant message grows
// while its response is streamed; once Complete is set the message is never modified again.
type Message struct {
	ID          string
	Role        Role
	Text        string
	Attachments []Attachment
	Timestamp   time.Time

	// IsError is set when the response that produced this message failed.
	IsError bool
	// Citations are the web sources the model grounded its answer on, in arrival order.
	Citations []Citation
	Complete  bool
}

// Attachment is an inline file carried by a user message. Data holds the base64-encoded payload.
type Attachment struct {
	MIMEType string
	Data     string
	Name     string
}

// Citation is a grounding reference surfaced by the model.
type Citation struct {
	URI   string
	Title string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed (or attached) by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Bytes decodes the base64 payload of the attachment.
func (a Attachment) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %q: %w", a.Name, err)
	}
	return b, nil
}

// DataURL renders the attachment as a data URL suitable for an <img> source.
func (a Attachment) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", a.MIMEType, a.Data)
}

// Label returns the citation title, falling back to its URI.
func (c Citation) Label() string {
	if c.Title != "" {
		return c.Title
	}
	return c.URI
}
