package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:             "~/.grandmaster/workspace",
			LogLevel:              "info",
			DefaultProvider:       "gemini",
			MaxConcurrentMessages: 5,
		},
		Providers: map[string]ProviderConfig{
			"gemini": {
				Enabled:         true,
				APIKey:          "${GEMINI_API_KEY}",
				DefaultModel:    "gemini-3-pro-preview",
				RateLimitPerMin: 30,
			},
			"openai": {
				Enabled:      false,
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
			},
			"claude": {
				Enabled:      false,
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-sonnet-4-5-20250514",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434/v1",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			CLI: CLIConfig{
				Enabled:  true,
				Markdown: true,
			},
		},
		Team: TeamConfig{
			StepDelayMs: 1000,
			Temperature: 0.7,
			TimeoutSec:  120,
		},
		Export: ExportConfig{
			Filename: "grandmaster-solution.ipynb",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
