package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"grandmaster/internal/config"
	"grandmaster/internal/persona"
)

const dumpJSON = `{
  "session": "web:web_1",
  "messages": [
    {"id": "1", "speakerId": "user", "content": "Predict churn", "timestamp": "2026-01-02T10:00:00Z"},
    {"id": "2", "speakerId": "agent-eda", "content": "Look:\n` + "```python\\ndf.describe()\\n```" + `", "timestamp": "2026-01-02T10:00:05Z"}
  ]
}`

func TestReadTranscript_Dump(t *testing.T) {
	msgs, err := readTranscript(strings.NewReader(dumpJSON))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "agent-eda", msgs[1].SpeakerID)
}

func TestReadTranscript_BareArray(t *testing.T) {
	msgs, err := readTranscript(strings.NewReader(`  [{"id":"1","speakerId":"user","content":"hi"}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsUser())
}

func TestReadTranscript_Invalid(t *testing.T) {
	_, err := readTranscript(strings.NewReader(`{not json`))
	require.Error(t, err)
}

func TestExportFile_WritesNotebook(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "transcript.json")
	require.NoError(t, os.WriteFile(in, []byte(dumpJSON), 0o644))

	out := filepath.Join(dir, "nested", "solution")
	md, code, err := exportFile(in, out, persona.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, 4, md)
	require.Equal(t, 1, code)

	data, err := os.ReadFile(out + ".ipynb")
	require.NoError(t, err)
	var nb struct {
		Cells []struct {
			CellType string   `json:"cell_type"`
			Source   []string `json:"source"`
		} `json:"cells"`
		NBFormat int `json:"nbformat"`
	}
	require.NoError(t, json.Unmarshal(data, &nb))
	require.Equal(t, 4, nb.NBFormat)
	require.Len(t, nb.Cells, 5)
	require.Equal(t, []string{"### Sherlock"}, nb.Cells[2].Source)
	require.Equal(t, "code", nb.Cells[4].CellType)
}

func TestExportFile_MissingInput(t *testing.T) {
	_, _, err := exportFile(filepath.Join(t.TempDir(), "nope.json"), "-", persona.NewRegistry())
	require.ErrorContains(t, err, "open transcript")
}

func TestNewLogger_Levels(t *testing.T) {
	require.True(t, newLogger("debug").Enabled(t.Context(), -4))
	require.False(t, newLogger("warn").Enabled(t.Context(), 0))
	require.True(t, newLogger("bogus").Enabled(t.Context(), 0))
}

func TestSortedPaths(t *testing.T) {
	var keys []string
	for k := range sortedPaths(map[string]any{"team.maxTokens": 0, "general.logLevel": "info", "export.filename": "x"}) {
		keys = append(keys, k)
	}
	require.Equal(t, []string{"export.filename", "general.logLevel", "team.maxTokens"}, keys)
}

func TestRunWizard_WebWithAuth(t *testing.T) {
	ws := t.TempDir()
	answers := strings.Join([]string{
		ws,       // workspace
		"2",      // openai
		"sk-abc", // key
		"2",      // web
		"alice",
		"secret",
	}, "\n") + "\n"

	cfg := config.Defaults()
	var out strings.Builder
	require.NoError(t, runWizard(strings.NewReader(answers), &out, cfg))

	require.Equal(t, ws, cfg.General.Workspace)
	require.Equal(t, "openai", cfg.General.DefaultProvider)
	require.True(t, cfg.Providers["openai"].Enabled)
	require.Equal(t, "sk-abc", cfg.Providers["openai"].APIKey)
	require.False(t, cfg.Providers["gemini"].Enabled)
	require.True(t, cfg.Channels.Web.Enabled)
	require.False(t, cfg.Channels.CLI.Enabled)
	require.True(t, cfg.Channels.Web.Auth.Enabled)
	require.Equal(t, "alice", cfg.Channels.Web.Auth.Username)
	require.Equal(t, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", cfg.Channels.Web.Auth.PasswordHash)
	require.Contains(t, out.String(), "Using provider: openai")
}

func TestRunWizard_DefaultsOnEmptyInput(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.Workspace = t.TempDir()
	require.NoError(t, runWizard(strings.NewReader(""), &strings.Builder{}, cfg))

	require.Equal(t, "gemini", cfg.General.DefaultProvider)
	require.Equal(t, "${GEMINI_API_KEY}", cfg.Providers["gemini"].APIKey)
	require.True(t, cfg.Channels.CLI.Enabled)
	require.False(t, cfg.Channels.Web.Enabled)
}

func TestRunWizard_OutOfRangeChoiceFallsBack(t *testing.T) {
	cfg := config.Defaults()
	answers := "\n9\n\n3\nbot-token\n"
	require.NoError(t, runWizard(strings.NewReader(answers), &strings.Builder{}, cfg))
	require.Equal(t, "gemini", cfg.General.DefaultProvider)
	require.True(t, cfg.Channels.Telegram.Enabled)
	require.Equal(t, "bot-token", cfg.Channels.Telegram.Token)
}

func TestRunChecks_ReportsFailures(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.Workspace = t.TempDir()
	cfg.Channels.Web.Enabled = false
	cfg.Channels.Telegram.Enabled = true
	cfg.Providers["gemini"] = config.ProviderConfig{Enabled: true, APIKey: "${GEMINI_API_KEY}"}

	var rep checkReport
	runChecks(cfg, &rep)
	require.Equal(t, 1, rep.failed) // telegram without token
	require.Equal(t, 1, rep.warned) // gemini key unset
}

func TestServiceFile(t *testing.T) {
	path, content, err := serviceFile("linux", "/usr/local/bin/grandmaster", "/etc/gm.json")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, systemdUnit))
	require.Contains(t, content, "ExecStart=/usr/local/bin/grandmaster gateway --config /etc/gm.json")

	_, content, err = serviceFile("darwin", "/bin/gm", "/c.json")
	require.NoError(t, err)
	require.Contains(t, content, "<string>"+launchdLabel+"</string>")

	_, _, err = serviceFile("plan9", "", "")
	require.Error(t, err)
}
