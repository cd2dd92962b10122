package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

const (
	defaultTemperature = 0.7
	defaultCallTimeout = 120 * time.Second

	emptyReplyText = "I'm deep in thought but couldn't articulate a response. Please check the data feed."
	errorReplyText = "**System Error**: %s encountered a connection issue. Please check your API Key or try again."
)

// Responder turns a persona and a transcript into one LLM call. It never
// leaves the caller without display text: failures become an error message
// naming the persona.
type Responder struct {
	provider    domain.Provider
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *slog.Logger
}

type ResponderConfig struct {
	Provider    domain.Provider
	Temperature float64       // default 0.7
	MaxTokens   int           // 0 leaves the provider default
	Timeout     time.Duration // per call, default 120s
	Logger      *slog.Logger
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		provider:    cfg.Provider,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
	}
}

// ProviderName reports the backing provider.
func (r *Responder) ProviderName() string { return r.provider.Name() }

// Respond asks p to answer. history is the transcript so far; override, when
// set, is sent as the final user turn after the whole history. Without an
// override the last user message of history is the prompt.
//
// The returned text is always suitable for the transcript. err is the
// provider failure behind an error text, for logging.
func (r *Responder) Respond(ctx context.Context, p persona.Persona, history []transcript.Message, override string) (string, error) {
	req := r.buildRequest(p, history, override)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metrics.LLMRequestsTotal.Inc()
	start := time.Now()
	resp, err := r.provider.Chat(ctx, req)
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMErrorsTotal.Inc()
		r.logger.Warn("persona call failed", "persona", p.ID, "provider", r.provider.Name(), "err", err)
		return fmt.Sprintf(errorReplyText, p.Name), fmt.Errorf("%s: %w", p.ID, err)
	}

	r.logger.Debug("persona replied",
		"persona", p.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens", resp.Usage.TotalTokens,
		"response_len", len(resp.Content),
	)
	if strings.TrimSpace(resp.Content) == "" {
		return emptyReplyText, nil
	}
	return resp.Content, nil
}

func (r *Responder) buildRequest(p persona.Persona, history []transcript.Message, override string) domain.ChatRequest {
	turns := make([]transcript.Message, 0, len(history))
	for _, m := range history {
		if m.Pending || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, m)
	}

	prompt := override
	if prompt == "" {
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].IsUser() {
				prompt = turns[i].Content
				turns = append(turns[:i:i], turns[i+1:]...)
				break
			}
		}
	}

	messages := make([]domain.Message, 0, len(turns)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: p.SystemPrompt})
	for _, m := range turns {
		role := domain.RoleAssistant
		if m.IsUser() {
			role = domain.RoleUser
		}
		messages = append(messages, domain.Message{Role: role, Content: m.Content})
	}
	if prompt != "" {
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: prompt})
	}

	return domain.ChatRequest{
		Messages:    messages,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}
}
