package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"grandmaster/internal/metrics"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

// ErrUnknownPersona is returned when a run names a persona that is not in the roster.
var ErrUnknownPersona = errors.New("unknown persona")

const defaultStepDelay = time.Second

// Step is one Team Mode call: the persona holding Role answers, with Prompt
// as the final user turn when set.
type Step struct {
	Role   persona.Role
	Prompt string
}

// TeamSteps is the Team Mode sequence.
var TeamSteps = []Step{
	{Role: persona.RoleLead},
	{Role: persona.RoleEDA, Prompt: "Based on the user request and the Lead Strategist's plan, provide the initial Python code for loading data and EDA."},
	{Role: persona.RoleModel, Prompt: "Based on the previous analysis, suggest a robust validation strategy and a baseline model code (e.g. XGBoost or PyTorch)."},
}

// EventFunc observes transcript changes made by a run: the pending
// placeholder, then the finalized message.
type EventFunc func(transcript.Message)

// Runner drives persona calls against a transcript.
type Runner struct {
	responder *Responder
	personas  *persona.Registry
	steps     []Step
	delay     time.Duration
	logger    *slog.Logger
}

type RunnerConfig struct {
	Responder *Responder
	Personas  *persona.Registry
	Steps     []Step        // default TeamSteps
	StepDelay time.Duration // pause between Team Mode steps; negative means none
	Logger    *slog.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Steps == nil {
		cfg.Steps = TeamSteps
	}
	if cfg.StepDelay == 0 {
		cfg.StepDelay = defaultStepDelay
	}
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		responder: cfg.Responder,
		personas:  cfg.Personas,
		steps:     cfg.Steps,
		delay:     cfg.StepDelay,
		logger:    cfg.Logger,
	}
}

// RunSingle lets one persona answer the latest user message.
func (r *Runner) RunSingle(ctx context.Context, t *transcript.Transcript, personaID string, emit EventFunc) (transcript.Message, error) {
	p, ok := r.personas.Lookup(personaID)
	if !ok {
		return transcript.Message{}, fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}
	return r.step(ctx, t, p, "", emit)
}

// RunTeam executes the steps strictly in order, pausing between them. Each
// step sees the replies of the steps before it. A step whose role has no
// persona is skipped. Cancelling ctx stops the sequence between steps.
func (r *Runner) RunTeam(ctx context.Context, t *transcript.Transcript, emit EventFunc) ([]transcript.Message, error) {
	metrics.TeamRunsTotal.Inc()
	out := make([]transcript.Message, 0, len(r.steps))
	for i, s := range r.steps {
		if i > 0 && r.delay > 0 {
			timer := time.NewTimer(r.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		p, ok := r.personas.ByRole(s.Role)
		if !ok {
			r.logger.Warn("team step skipped, no persona for role", "role", s.Role)
			continue
		}
		msg, err := r.step(ctx, t, p, s.Prompt, emit)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Runner) step(ctx context.Context, t *transcript.Transcript, p persona.Persona, override string, emit EventFunc) (transcript.Message, error) {
	history := t.Snapshot()
	pending := t.Begin(p.ID)
	if emit != nil {
		emit(pending)
	}

	// Provider failures are already rendered into text.
	text, _ := r.responder.Respond(ctx, p, history, override)

	final, err := t.Finalize(pending.ID, text)
	if err != nil {
		return transcript.Message{}, fmt.Errorf("finalize %s: %w", p.ID, err)
	}
	metrics.PersonaReplies.With(p.ID).Inc()
	if emit != nil {
		emit(final)
	}
	return final, nil
}
