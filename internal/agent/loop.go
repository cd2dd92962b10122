package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"grandmaster/internal/bus"
	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
	"grandmaster/internal/notebook"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

const defaultConcurrency = 3

// Loop is the chat engine: receive a message, append it to the session
// transcript, let the selected persona (or the team) answer, and deliver
// every transcript change back through the bus.
type Loop struct {
	runner      *Runner
	personas    *persona.Registry
	sessions    *SessionManager
	bus         domain.MessageBus
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
	exportName  string
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Runner      *Runner
	Personas    *persona.Registry
	Sessions    *SessionManager
	Bus         domain.MessageBus
	Events      *bus.EventBus // optional activity feed
	Logger      *slog.Logger
	Concurrency int    // max sessions processed in parallel (default 3)
	ExportName  string // default notebook filename
}

// NewLoop creates a new agent loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ExportName == "" {
		cfg.ExportName = notebook.DefaultFilename
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		runner:      cfg.Runner,
		personas:    cfg.Personas,
		sessions:    cfg.Sessions,
		bus:         cfg.Bus,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		exportName:  cfg.ExportName,
	}
}

func (l *Loop) Sessions() *SessionManager { return l.sessions }

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes, then waits for in-flight messages.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	defer g.Wait()

	inbound := l.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			g.Go(func() error {
				l.Process(ctx, msg)
				return nil
			})
		}
	}
}

// Process handles one inbound message synchronously. Messages of the same
// session never run concurrently.
func (l *Loop) Process(ctx context.Context, msg domain.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}
	key := msg.SessionKey()

	_, existed := l.sessions.Lookup(key)
	s := l.sessions.Get(key)
	if !existed {
		l.emit(bus.EventSessionCreated, key, nil)
	}

	// Read-only commands answer from snapshots, so /export works while a
	// run holds the session.
	cmd := ParseCommand(content)
	if cmd != nil && cmd.ReadOnly() {
		l.deliverCommand(ctx, msg, l.HandleCommand(cmd, s))
		return
	}

	s.Lock()
	defer s.Unlock()

	if cmd != nil {
		if res := l.HandleCommand(cmd, s); res.Handled {
			l.deliverCommand(ctx, msg, res)
			return
		}
	}

	metrics.MessagesTotal.Inc()
	l.logger.Info("processing message",
		"session", key,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	l.emit(bus.EventMessageReceived, key, map[string]any{"sender": msg.SenderID})

	user := s.Transcript.Append(transcript.Message{
		SpeakerID: transcript.SpeakerUser,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	l.deliver(msg, user)

	emit := func(m transcript.Message) { l.deliver(msg, m) }

	if id := s.Persona(); id != "" {
		if _, err := l.runner.RunSingle(ctx, s.Transcript, id, emit); err != nil {
			l.logger.Error("persona run failed", "session", key, "persona", id, "err", err)
			l.sendText(msg, "Sorry, I encountered an error: "+err.Error())
		}
		return
	}

	replies, err := l.runner.RunTeam(ctx, s.Transcript, emit)
	if err != nil {
		l.logger.Warn("team run stopped", "session", key, "completed", len(replies), "err", err)
	}
	l.emit(bus.EventTeamFinished, key, map[string]any{"replies": len(replies)})
}

// deliver publishes a transcript change to the originating channel.
func (l *Loop) deliver(msg domain.InboundMessage, m transcript.Message) {
	typ := domain.EventFinal
	if m.Pending {
		typ = domain.EventPending
	} else if !m.IsUser() {
		errored := strings.HasPrefix(m.Content, "**System Error**")
		l.emit(bus.EventPersonaReplied, msg.SessionKey(), map[string]any{"persona": m.SpeakerID, "error": errored})
		if errored {
			l.emit(bus.EventProviderError, msg.SessionKey(), map[string]any{"persona": m.SpeakerID})
		}
	}
	entry := m
	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Type:    typ,
		Content: m.Content,
		Entry:   &entry,
	})
}

func (l *Loop) sendText(msg domain.InboundMessage, text string) {
	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Type:    domain.EventText,
		Content: text,
	})
}

func (l *Loop) deliverCommand(_ context.Context, msg domain.InboundMessage, res CommandResult) {
	if res.Attachment != nil {
		l.bus.SendOutbound(domain.OutboundMessage{
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			Type:       domain.EventDocument,
			Content:    res.Response,
			Attachment: res.Attachment,
		})
		return
	}
	l.sendText(msg, res.Response)
}

func (l *Loop) emit(typ, session string, payload map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Emit(bus.Event{Type: typ, Source: "agent", Session: session, Payload: payload, Timestamp: time.Now()})
}
