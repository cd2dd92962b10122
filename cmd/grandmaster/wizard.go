package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"grandmaster/internal/config"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	EnvVar       string // empty when no key is needed
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "gemini", EnvVar: "GEMINI_API_KEY", DefaultModel: "gemini-3-pro-preview"},
	{Name: "openai", EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
	{Name: "claude", EnvVar: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5-20250514"},
	{Name: "ollama", APIBase: "http://localhost:11434/v1", DefaultModel: "llama3.1:8b"},
}

var knownChannels = []struct {
	ID   string
	Desc string
}{{"cli", "Interactive terminal chat"}, {"web", "Web UI (browser)"}, {"telegram", "Telegram bot"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace, provider, channel, save",
		Long:  "Guides you through the workspace path, the LLM provider the personas use (and its API key), and the channel (CLI/Web/Telegram). Writes config to the --config path or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'grandmaster chat' for the terminal, or 'grandmaster gateway' for Web/Telegram.")
			return nil
		},
	}
}

// runWizard walks the prompts on in/out and applies the answers to cfg.
// The result is validated but not saved.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	choose := func(label string, n, def int) (int, error) {
		s, err := prompt(fmt.Sprintf("%s (1-%d)", label, n), fmt.Sprint(def))
		if err != nil {
			return 0, err
		}
		var idx int
		if k, _ := fmt.Sscanf(s, "%d", &idx); k != 1 || idx < 1 || idx > n {
			idx = def
		}
		return idx, nil
	}

	// Step 1: Workspace
	fmt.Fprintln(out, "\n--- Step 1: Workspace ---")
	workspace := cfg.General.Workspace
	if workspace == "" {
		workspace = "~/.grandmaster/workspace"
	}
	ws, err := prompt("Directory for exported notebooks", workspace)
	if err != nil {
		return err
	}
	cfg.General.Workspace = config.ExpandPath(ws)
	fmt.Fprintf(out, "  Using workspace: %s\n", cfg.General.Workspace)

	// Step 2: Provider
	fmt.Fprintln(out, "\n--- Step 2: LLM provider ---")
	defNum := 1
	for i, p := range knownProviders {
		fmt.Fprintf(out, "  %d) %s", i+1, p.Name)
		if p.EnvVar != "" {
			fmt.Fprintf(out, " (set %s)", p.EnvVar)
		}
		fmt.Fprintln(out)
		if p.Name == cfg.General.DefaultProvider {
			defNum = i + 1
		}
	}
	idx, err := choose("Choose provider", len(knownProviders), defNum)
	if err != nil {
		return err
	}
	prov := knownProviders[idx-1]
	pc := cfg.Providers[prov.Name]
	pc.Enabled = true
	if pc.APIBase == "" {
		pc.APIBase = prov.APIBase
	}
	if pc.DefaultModel == "" {
		pc.DefaultModel = prov.DefaultModel
	}
	if prov.EnvVar != "" {
		key, err := prompt("API key: paste key or env var", "${"+prov.EnvVar+"}")
		if err != nil {
			return err
		}
		pc.APIKey = key
	}
	cfg.Providers[prov.Name] = pc
	cfg.General.DefaultProvider = prov.Name
	cfg.General.FailoverChain = nil
	for name, p := range cfg.Providers {
		if name != prov.Name {
			p.Enabled = false
			cfg.Providers[name] = p
		}
	}
	fmt.Fprintf(out, "  Using provider: %s\n", prov.Name)

	// Step 3: Channel
	fmt.Fprintln(out, "\n--- Step 3: Channel ---")
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, c.ID, c.Desc)
	}
	chIdx, err := choose("Choose channel", len(knownChannels), 1)
	if err != nil {
		return err
	}
	chID := knownChannels[chIdx-1].ID
	cfg.Channels.CLI.Enabled = chID == "cli"
	cfg.Channels.Web.Enabled = chID == "web"
	cfg.Channels.Telegram.Enabled = chID == "telegram"

	switch chID {
	case "web":
		user, err := prompt("Web UI username (empty disables login)", "")
		if err != nil {
			return err
		}
		if user != "" {
			pass, err := prompt("Web UI password", "")
			if err != nil {
				return err
			}
			if pass == "" {
				return fmt.Errorf("a password is required when a username is set")
			}
			sum := sha256.Sum256([]byte(pass))
			cfg.Channels.Web.Auth = config.WebAuth{
				Enabled:      true,
				Username:     user,
				PasswordHash: hex.EncodeToString(sum[:]),
			}
		}
	case "telegram":
		tok, err := prompt("Telegram bot token (from @BotFather)", cfg.Channels.Telegram.Token)
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.Token = tok
	}
	fmt.Fprintf(out, "  Using channel: %s\n", chID)

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
