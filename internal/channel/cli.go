package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"grandmaster/internal/domain"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

const cliChatID = "direct"

var (
	cliTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#c084fc"))
	cliDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	cliPromptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	personas  *persona.Registry
	renderer  *glamour.TermRenderer
	exportDir string

	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	Personas  *persona.Registry
	Markdown  bool   // render replies with glamour
	ExportDir string // where /export writes notebooks
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Personas == nil {
		cfg.Personas = persona.NewRegistry()
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "."
	}

	c := &CLI{
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		personas:  cfg.Personas,
		exportDir: cfg.ExportDir,
	}
	if cfg.Markdown {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
		if err != nil {
			cfg.Logger.Warn("markdown renderer unavailable, printing raw text", "err", err)
		} else {
			c.renderer = r
		}
	}
	return c
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until the context is cancelled,
// input ends, or the user types /quit.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound("cli", c.handleOutbound)
	defer c.stopThinking()

	c.printf("%s\n%s\n", cliTitleStyle.Render("Grandmaster"),
		cliDimStyle.Render("Your data science team is ready. Type /help for commands, /quit to exit."))
	c.prompt()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line := strings.TrimSpace(raw)
			if line == "" {
				c.prompt()
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}

			c.startThinking("Thinking...")
			err := c.bus.Publish(domain.InboundMessage{
				Channel:   "cli",
				ChatID:    cliChatID,
				SenderID:  "user",
				Content:   line,
				Timestamp: time.Now(),
			})
			if err != nil {
				c.stopThinking()
				c.printf("\n%s\n", cliDimStyle.Render("Not sent: "+err.Error()))
				c.prompt()
			}
		}
	}
}

func (c *CLI) handleOutbound(msg domain.OutboundMessage) {
	switch msg.Type {
	case domain.EventPending:
		name := "The team"
		if msg.Entry != nil {
			name = c.personas.DisplayName(msg.Entry.SpeakerID)
		}
		c.stopThinking()
		c.startThinking(name + " is thinking...")

	case domain.EventFinal:
		if msg.Entry == nil || msg.Entry.IsUser() {
			return
		}
		c.stopThinking()
		c.printEntry(*msg.Entry)
		c.prompt()

	case domain.EventDocument:
		c.stopThinking()
		c.saveAttachment(msg)
		c.prompt()

	default:
		c.stopThinking()
		c.printf("\n%s\n", c.render(msg.Content))
		c.prompt()
	}
}

func (c *CLI) printEntry(m transcript.Message) {
	style := lipgloss.NewStyle().Bold(true)
	name := m.SpeakerID
	if p, ok := c.personas.Lookup(m.SpeakerID); ok {
		name = p.Name
		if p.Color != "" {
			style = style.Foreground(lipgloss.Color(p.Color))
		}
		name += cliDimStyle.Render(" · " + string(p.Role))
	}
	c.printf("\n%s\n%s\n", style.Render(name), c.render(m.Content))
}

// saveAttachment writes an exported notebook into the export directory.
func (c *CLI) saveAttachment(msg domain.OutboundMessage) {
	if msg.Attachment == nil {
		c.printf("\n%s\n", msg.Content)
		return
	}
	if err := os.MkdirAll(c.exportDir, 0o755); err != nil {
		c.logger.Error("cannot create export directory", "dir", c.exportDir, "err", err)
		c.printf("\nExport failed: %v\n", err)
		return
	}
	path := filepath.Join(c.exportDir, filepath.Base(msg.Attachment.Filename))
	if err := os.WriteFile(path, msg.Attachment.Data, 0o644); err != nil {
		c.logger.Error("cannot write notebook", "path", path, "err", err)
		c.printf("\nExport failed: %v\n", err)
		return
	}
	c.logger.Info("notebook saved", "path", path, "bytes", len(msg.Attachment.Data))
	c.printf("\n%s\n%s\n", msg.Content, cliDimStyle.Render("Saved to "+path))
}

func (c *CLI) render(content string) string {
	if c.renderer == nil {
		return content
	}
	out, err := c.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func (c *CLI) prompt() {
	c.printf("%s ", cliPromptStyle.Render("You>"))
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking(label string) {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	stop := make(chan struct{})
	done := make(chan struct{})
	c.thinkStop, c.thinkDone = stop, done
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				c.printf("\r\033[K")
				return
			case <-ticker.C:
				c.printf("\r%s %s", frames[i%len(frames)], label)
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(_ context.Context, _ string, content string) error {
	c.printf("%s\n", content)
	return nil
}
