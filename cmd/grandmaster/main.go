package main

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grandmaster/internal/agent"
	"grandmaster/internal/bus"
	"grandmaster/internal/channel"
	"grandmaster/internal/config"
	"grandmaster/internal/persona"
	"grandmaster/internal/provider"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = newLogger("info")

	root := &cobra.Command{
		Use:   "grandmaster",
		Short: "Grandmaster: a data science team of AI personas",
		Long: "Grandmaster puts five data science personas behind one chat. Describe a problem and the\n" +
			"team answers in turn, or talk to a single agent. Export any session as a Jupyter notebook.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.grandmaster/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(personasCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist. The package logger follows general.logLevel.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); statErr == nil {
			return nil, cfgPath, err
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
	}
	logger = newLogger(cfg.General.LogLevel)
	return cfg, cfgPath, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s (edit it or use 'grandmaster wizard')", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			fmt.Println("Set GEMINI_API_KEY, then run 'grandmaster chat' or 'grandmaster gateway'.")
			return nil
		},
	}
}

// engine is the wired chat core shared by chat and gateway.
type engine struct {
	bus      *bus.InMemoryBus
	events   *bus.EventBus
	personas *persona.Registry
	sessions *agent.SessionManager
	loop     *agent.Loop
}

func newEngine(cfg *config.Config) (*engine, error) {
	personas, err := loadPersonas(cfg)
	if err != nil {
		return nil, err
	}

	factory := provider.NewFactory(cfg, logger)
	prov, err := factory.DefaultProvider()
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	responder := agent.NewResponder(agent.ResponderConfig{
		Provider:    prov,
		Temperature: cfg.Team.Temperature,
		MaxTokens:   cfg.Team.MaxTokens,
		Timeout:     time.Duration(cfg.Team.TimeoutSec) * time.Second,
		Logger:      logger,
	})

	stepDelay := time.Duration(cfg.Team.StepDelayMs) * time.Millisecond
	if stepDelay == 0 {
		stepDelay = -1 // configured as "no pause"
	}
	runner := agent.NewRunner(agent.RunnerConfig{
		Responder: responder,
		Personas:  personas,
		StepDelay: stepDelay,
		Logger:    logger,
	})

	e := &engine{
		bus:      bus.New(100, logger),
		events:   bus.NewEventBus(logger),
		personas: personas,
		sessions: agent.NewSessionManager(logger),
	}
	e.loop = agent.NewLoop(agent.LoopConfig{
		Runner:      runner,
		Personas:    personas,
		Sessions:    e.sessions,
		Bus:         e.bus,
		Events:      e.events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
		ExportName:  cfg.Export.Filename,
	})
	e.events.On("*", func(ev bus.Event) {
		logger.Debug("activity", "type", ev.Type, "session", ev.Session, "source", ev.Source)
	})
	agent.SetVersion(version)

	logger.Info("engine ready", "provider", prov.Name(), "personas", len(personas.List()))
	return e, nil
}

func loadPersonas(cfg *config.Config) (*persona.Registry, error) {
	if cfg.Personas.File == "" {
		return persona.NewRegistry(), nil
	}
	list, err := persona.LoadFile(cfg.Personas.File)
	if err != nil {
		return nil, err
	}
	return persona.NewRegistry(list...), nil
}

func exportDir(cfg *config.Config) string {
	if cfg.Export.Dir != "" {
		return cfg.Export.Dir
	}
	return cfg.General.Workspace
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.bus.Close()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		e.loop.Run(loopCtx)
	}()
	defer func() {
		cancelLoop()
		<-loopDone
	}()

	cliCh := channel.NewCLI(channel.CLIConfig{
		Logger:    logger,
		Personas:  e.personas,
		Markdown:  cfg.Channels.CLI.Markdown,
		ExportDir: exportDir(cfg),
	})
	return cliCh.Start(ctx, e.bus)
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the Web UI, Telegram bot, and agent loop",
		Long:  "Starts all enabled channels (Web, Telegram) and the agent loop. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}

	if cfg.Personas.File != "" && cfg.Personas.Watch {
		if err := persona.Watch(ctx, cfg.Personas.File, e.personas, logger); err != nil {
			logger.Warn("persona hot reload disabled", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.loop.Run(gctx)
		return nil
	})

	started := 0
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Personas:  e.personas,
			Logger:    logger,
		})
		g.Go(func() error {
			if err := tg.Start(gctx, e.bus); err != nil {
				return fmt.Errorf("telegram: %w", err)
			}
			return nil
		})
		started++
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Web.Enabled {
		web := channel.NewWeb(channel.WebConfig{
			Host:        cfg.Channels.Web.Host,
			Port:        cfg.Channels.Web.Port,
			Logger:      logger,
			Config:      cfg,
			ConfigPath:  cfgPath,
			Version:     version,
			Personas:    e.personas,
			Transcripts: e.sessions,
			Events:      e.events,
		})
		g.Go(func() error {
			if err := web.Start(gctx, e.bus); err != nil {
				return fmt.Errorf("web: %w", err)
			}
			return nil
		})
		started++
	}

	if started == 0 {
		stop()
		_ = g.Wait()
		return fmt.Errorf("no channels enabled: enable channels.web or channels.telegram")
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	err = g.Wait()
	e.bus.Close()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func personasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := loadPersonas(cfg)
			if err != nil {
				return err
			}
			for _, p := range reg.List() {
				fmt.Printf("%-14s %-10s %s\n", p.ID, p.Name, p.Role)
				fmt.Printf("%-14s %s\n\n", "", p.Description)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("config", "path", cfgPath)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, logger)
			if prov := factory.HealthyProvider(ctx); prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Warn("provider", "healthy", false)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. team.temperature)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. team.stepDelayMs 500)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for path, val := range sortedPaths(config.ListPaths(config.Sanitize(cfg))) {
				fmt.Printf("%s = %v\n", path, val)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func sortedPaths(m map[string]any) iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}
