// Package transcript holds the in-memory, append-only chat history of a
// session. It is shared by the chat channels (which display it) and the
// notebook exporter (which reads snapshots of it).
package transcript

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SpeakerUser is the SpeakerID of messages typed by the human.
const SpeakerUser = "user"

var (
	ErrNotFound     = errors.New("transcript: message not found")
	ErrAlreadyFinal = errors.New("transcript: message already finalized")
)

// Message is one turn in the transcript.
type Message struct {
	ID        string    `json:"id"`
	SpeakerID string    `json:"speakerId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending,omitempty"`
}

// IsUser reports whether the message was written by the human.
func (m Message) IsUser() bool { return m.SpeakerID == SpeakerUser }

// Transcript is an ordered, append-only sequence of messages.
//
// Writers serialize on mu and publish a freshly allocated slice; readers load
// the current slice once. A published slice is never written again, so a
// snapshot can never observe a half-finalized message.
type Transcript struct {
	mu   sync.Mutex
	msgs atomic.Pointer[[]Message]
	now  func() time.Time
}

// New returns an empty transcript.
func New() *Transcript {
	t := &Transcript{now: time.Now}
	empty := []Message{}
	t.msgs.Store(&empty)
	return t
}

// Append adds msg to the end of the transcript and returns the stored value.
// A missing ID or timestamp is filled in; a timestamp older than the last
// message is clamped so timestamps never decrease.
func (t *Transcript) Append(msg Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.msgs.Load()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.now()
	}
	if n := len(cur); n > 0 && msg.Timestamp.Before(cur[n-1].Timestamp) {
		msg.Timestamp = cur[n-1].Timestamp
	}
	if msg.Pending {
		msg.Content = ""
	}

	next := make([]Message, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, msg)
	t.msgs.Store(&next)
	return msg
}

// Begin appends a pending placeholder for speakerID.
func (t *Transcript) Begin(speakerID string) Message {
	return t.Append(Message{SpeakerID: speakerID, Pending: true})
}

// Finalize sets the content of the pending message id. Content is set exactly
// once; finalizing twice returns ErrAlreadyFinal.
func (t *Transcript) Finalize(id, content string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.msgs.Load()
	idx := slices.IndexFunc(cur, func(m Message) bool { return m.ID == id })
	if idx < 0 {
		return Message{}, ErrNotFound
	}
	if !cur[idx].Pending {
		return cur[idx], ErrAlreadyFinal
	}

	next := slices.Clone(cur)
	next[idx].Content = content
	next[idx].Pending = false
	t.msgs.Store(&next)
	return next[idx], nil
}

// Snapshot returns a point-in-time copy of the transcript.
func (t *Transcript) Snapshot() []Message {
	return slices.Clone(*t.msgs.Load())
}

// Len returns the number of messages, pending ones included.
func (t *Transcript) Len() int {
	return len(*t.msgs.Load())
}
