package domain

import (
	"context"

	"grandmaster/internal/transcript"
)

// Channel is the interface for user-facing I/O (CLI, Web, Telegram).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// TranscriptSource gives channels read access to session transcripts so they
// can serve history and exports without going through the agent loop.
type TranscriptSource interface {
	Snapshot(sessionKey string) []transcript.Message
}
