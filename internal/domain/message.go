package domain

import (
	"time"

	"grandmaster/internal/transcript"
)

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// SessionKey identifies the transcript an inbound message belongs to.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// EventType classifies an outbound delivery.
type EventType string

const (
	EventText     EventType = "text"     // plain reply (command output, errors)
	EventPending  EventType = "pending"  // a persona started answering
	EventFinal    EventType = "final"    // a transcript message was finalized or appended
	EventDocument EventType = "document" // a file is attached
)

type OutboundMessage struct {
	Channel    string
	ChatID     string
	Type       EventType
	Content    string
	Entry      *transcript.Message // set for EventPending and EventFinal
	Attachment *Attachment         // set for EventDocument
}

// Attachment is a file handed to a channel for delivery to the user.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}
