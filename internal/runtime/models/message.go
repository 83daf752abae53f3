// Package models defines the message and event payloads that travel between
// liveflow components and over the wire.
package models

import (
	"time"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
)

// ContentType classifies a message. Coaching messages are delivered on a
// private per-recipient channel.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentSystem     ContentType = "system"
	ContentModeration ContentType = "moderation"
	ContentCoaching   ContentType = "coaching"
)

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentSystem, ContentModeration, ContentCoaching:
		return true
	}
	return false
}

// Message is a conversation message. It is treated as immutable once
// submitted; the sequence is assigned on a copy.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	ContentType    ContentType       `json:"contentType"`
	Sequence       uint64            `json:"sequence"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WithSequence returns a copy of m carrying seq.
func (m Message) WithSequence(seq uint64) Message {
	m.Sequence = seq
	return m
}

// Validate checks the fields every broadcast needs. It does not check the ID,
// which the router assigns when empty.
func (m Message) Validate() error {
	switch {
	case m.ConversationID == "":
		return lferrors.ErrConversationRequired
	case m.SenderID == "":
		return lferrors.ErrSenderRequired
	case !m.ContentType.Valid():
		return lferrors.ErrUnknownContentType
	}
	return nil
}
