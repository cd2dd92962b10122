package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
)

var (
	ErrClosed = errors.New("bus: closed")
	ErrFull   = errors.New("bus: inbound queue full")
)

// DefaultPublishWait bounds how long Publish blocks on a full queue.
const DefaultPublishWait = 10 * time.Second

// InMemoryBus carries chat turns from channels to the agent loop and routes
// persona replies back to the channel that owns the session.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	wait     time.Duration
	logger   *slog.Logger
	mu       sync.RWMutex
	closed   bool
	handlers map[string]func(domain.OutboundMessage)
}

// New creates a bus whose inbound queue holds bufferSize turns.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		wait:     DefaultPublishWait,
		logger:   logger,
		handlers: make(map[string]func(domain.OutboundMessage)),
	}
}

// SetPublishWait changes how long Publish waits for queue space. Zero or
// negative means fail immediately when full.
func (b *InMemoryBus) SetPublishWait(d time.Duration) {
	b.mu.Lock()
	b.wait = d
	b.mu.Unlock()
}

// Publish queues a user turn. A full queue is retried until the publish wait
// elapses, then the turn is dropped with ErrFull.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.inbound <- msg:
		return nil
	default:
	}
	if b.wait <= 0 {
		metrics.DroppedTotal.Inc()
		return ErrFull
	}

	b.logger.Warn("inbound queue full, waiting", "session", msg.SessionKey())
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return nil
	case <-timer.C:
		metrics.DroppedTotal.Inc()
		b.logger.Error("turn dropped", "session", msg.SessionKey(), "waited", b.wait)
		return ErrFull
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands msg to the handler registered for msg.Channel. Replies
// for a channel that never registered are discarded.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no outbound handler",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"type", msg.Type,
		)
		return
	}
	handler(msg)
}

// OnOutbound registers the reply handler for a channel, replacing any
// previous one.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Close stops accepting turns and closes the subscription channel once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}
