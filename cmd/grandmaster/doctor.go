package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"grandmaster/internal/config"
	"grandmaster/internal/persona"
)

// checkReport tallies doctor results.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Grandmaster setup",
		Long: `Verifies that the configuration, providers, persona file, web port, and
export directory are usable. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Grandmaster Doctor v%s\n\n", version)

			var rep checkReport
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				rep.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'grandmaster init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			rep.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				rep.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", rep.failed)
			}
			rep.pass("Config validation", "valid")

			runChecks(cfg, &rep)

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", rep.passed, rep.warned, rep.failed)
			if rep.failed > 0 {
				return fmt.Errorf("%d check(s) failed", rep.failed)
			}
			if rep.warned == 0 {
				fmt.Println("All checks passed. The team is ready.")
			}
			return nil
		},
	}
}

func runChecks(cfg *config.Config, rep *checkReport) {
	if err := checkWritableDir(cfg.General.Workspace); err != nil {
		rep.fail("Workspace", err.Error())
	} else {
		rep.pass("Workspace", cfg.General.Workspace)
	}

	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		switch {
		case name == "ollama" || p.APIBase != "" && p.APIKey == "":
			rep.pass("Provider: "+name, "configured (no key needed)")
		case p.APIKey == "" || strings.HasPrefix(p.APIKey, "${"):
			rep.warn("Provider: "+name, "enabled but the API key is not set")
		default:
			rep.pass("Provider: "+name, "configured")
		}
	}
	if enabled == 0 {
		rep.fail("Providers", "no providers enabled")
	}

	if cfg.Personas.File != "" {
		if list, err := persona.LoadFile(cfg.Personas.File); err != nil {
			rep.fail("Persona file", err.Error())
		} else {
			rep.pass("Persona file", fmt.Sprintf("%s (%d personas)", cfg.Personas.File, len(list)))
		}
	}

	if cfg.Channels.Web.Enabled {
		if err := checkPort(cfg.Channels.Web.Host, cfg.Channels.Web.Port); err != nil {
			rep.warn("Web port", fmt.Sprintf("port %d may be in use: %v", cfg.Channels.Web.Port, err))
		} else {
			rep.pass("Web port", fmt.Sprintf("%s:%d available", cfg.Channels.Web.Host, cfg.Channels.Web.Port))
		}
		if cfg.Channels.Web.Auth.Enabled && len(cfg.Channels.Web.Auth.PasswordHash) != 64 {
			rep.fail("Web auth", "passwordHash must be a hex SHA-256 digest")
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		rep.fail("Telegram", "enabled without a bot token")
	}

	if err := checkWritableDir(exportDir(cfg)); err != nil {
		rep.fail("Export directory", err.Error())
	} else {
		rep.pass("Export directory", exportDir(cfg))
	}
}

// checkWritableDir creates dir if needed and verifies a file can be written.
func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".grandmaster-doctor")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return os.Remove(probe)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
