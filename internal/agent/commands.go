package agent

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"grandmaster/internal/bus"
	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
	"grandmaster/internal/notebook"
	"grandmaster/internal/persona"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response   string             // text response to send back
	Attachment *domain.Attachment // set by /export
	Handled    bool               // true if the command was handled (don't send to the personas)
}

// startTime records when the process started for /status.
var startTime = time.Now()

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// ReadOnly reports whether the command leaves the session untouched. Those
// commands run without waiting for an in-flight run.
func (c *ChatCommand) ReadOnly() bool {
	switch c.Name {
	case "help", "agents", "samples", "export", "status":
		return true
	case "agent":
		return len(c.Args) == 0
	}
	return false
}

// HandleCommand processes a chat command. Commands that change the persona
// selection expect the caller to hold the session lock. Unrecognized
// commands return Handled=false so the text reaches the personas as a normal
// message.
func (l *Loop) HandleCommand(cmd *ChatCommand, s *Session) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "agents":
		return CommandResult{Response: l.agentsText(s), Handled: true}

	case "agent":
		return l.selectAgent(cmd, s)

	case "team":
		s.SetPersona("")
		l.emit(bus.EventPersonaSelected, s.Key, map[string]any{"persona": ""})
		return CommandResult{Response: teamModeText(l.personas), Handled: true}

	case "samples":
		return CommandResult{Response: samplesText(), Handled: true}

	case "export":
		return l.export(cmd, s)

	case "status":
		return CommandResult{Response: l.statusText(s), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func (l *Loop) selectAgent(cmd *ChatCommand, s *Session) CommandResult {
	if len(cmd.Args) == 0 {
		if id := s.Persona(); id != "" {
			return CommandResult{Response: fmt.Sprintf("Active agent: **%s**. Use /team to return to Team Mode.", l.personas.DisplayName(id)), Handled: true}
		}
		return CommandResult{Response: "Team Mode is active. Use /agent <id|name> to talk to one agent.", Handled: true}
	}

	query := strings.Join(cmd.Args, " ")
	p, ok := l.personas.Find(query)
	if !ok {
		return CommandResult{Response: fmt.Sprintf("Unknown agent %q. Use /agents to list the team.", query), Handled: true}
	}
	s.SetPersona(p.ID)
	l.emit(bus.EventPersonaSelected, s.Key, map[string]any{"persona": p.ID})
	return CommandResult{Response: fmt.Sprintf("Now talking to **%s** (%s).", p.Name, p.Role), Handled: true}
}

func (l *Loop) export(cmd *ChatCommand, s *Session) CommandResult {
	name := l.exportName
	if len(cmd.Args) > 0 {
		name = strings.Join(cmd.Args, " ")
	}
	name = notebook.NormalizeFilename(name)

	doc := notebook.Export(s.Transcript.Snapshot(), l.personas)
	att, err := notebook.NewAttachment(doc, name)
	if err != nil {
		l.logger.Error("notebook export failed", "session", s.Key, "err", err)
		return CommandResult{Response: "Export failed: " + err.Error(), Handled: true}
	}

	md, code := doc.CountKinds()
	metrics.ExportsTotal.Inc()
	metrics.ExportCells.Observe(float64(len(doc.Cells)))
	l.emit(bus.EventNotebookExport, s.Key, map[string]any{"filename": name, "cells": len(doc.Cells)})
	l.logger.Info("notebook exported", "session", s.Key, "filename", name, "markdown", md, "code", code)

	return CommandResult{
		Response:   fmt.Sprintf("Exported %s (%d markdown, %d code cells).", name, md, code),
		Attachment: att,
		Handled:    true,
	}
}

func helpText() string {
	return `**Grandmaster Commands**

/help: show this help message
/agents: list the team
/agent <id|name>: talk to a single agent
/team: let the team answer in sequence (Lead, EDA, Model)
/samples: show example problems
/export [filename]: download the chat as a Jupyter notebook
/status: show session and service info`
}

func (l *Loop) agentsText(s *Session) string {
	var sb strings.Builder
	sb.WriteString("**The Team**\n\n")
	active := s.Persona()
	for _, p := range l.personas.List() {
		marker := ""
		if p.ID == active {
			marker = " (active)"
		}
		fmt.Fprintf(&sb, "• **%s**, %s `%s`%s\n  %s\n", p.Name, p.Role, p.ID, marker, p.Description)
	}
	if active == "" {
		sb.WriteString("\nTeam Mode is active.")
	}
	return sb.String()
}

func teamModeText(r *persona.Registry) string {
	names := make([]string, 0, len(TeamSteps))
	for _, step := range TeamSteps {
		if p, ok := r.ByRole(step.Role); ok {
			names = append(names, p.Name)
		}
	}
	return "Team Mode on: " + strings.Join(names, " → ") + "."
}

func samplesText() string {
	var sb strings.Builder
	sb.WriteString("**Sample problems**\n\n")
	for i, p := range persona.SamplePrompts {
		sb.WriteString(strconv.Itoa(i+1) + ". " + p + "\n")
	}
	return sb.String()
}

func (l *Loop) statusText(s *Session) string {
	uptime := time.Since(startTime).Round(time.Second)
	mode := "Team Mode"
	if id := s.Persona(); id != "" {
		mode = l.personas.DisplayName(id)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Grandmaster v%s**\n\n", version)
	fmt.Fprintf(&sb, "Provider: %s\n", l.runner.responder.ProviderName())
	fmt.Fprintf(&sb, "Agents: %d\n", len(l.personas.List()))
	fmt.Fprintf(&sb, "Mode: %s\n", mode)
	fmt.Fprintf(&sb, "Messages in this chat: %d\n", s.Transcript.Len())
	fmt.Fprintf(&sb, "Sessions: %d\n", l.sessions.Count())
	fmt.Fprintf(&sb, "Uptime: %s\n", uptime)
	fmt.Fprintf(&sb, "Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return sb.String()
}
