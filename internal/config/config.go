package config

// Config is the daemon-wide configuration, loaded from
// <base>/config.json (JSON5) with env overrides on top.
type Config struct {
	Daemon    DaemonConfig    `json:"daemon"`
	Agents    AgentsConfig    `json:"agents"`
	Loop      LoopConfig      `json:"loop"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Providers ProvidersConfig `json:"providers"`
	Telemetry TelemetryConfig `json:"telemetry"`
	LogLevel  string          `json:"logLevel"`
}

// DaemonConfig covers the HTTP control plane.
type DaemonConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"token"`
	RateLimitRPM int    `json:"rateLimitRpm"`
}

// AgentsConfig holds defaults applied to definitions that omit a field.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are merged into agent definitions at registration.
type AgentDefaults struct {
	Backend   string `json:"backend"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	MaxSteps  int    `json:"maxSteps"`
}

// LoopConfig tunes the per-agent scheduler.
type LoopConfig struct {
	PollIntervalMs         int `json:"pollIntervalMs"`
	RetryMaxAttempts       int `json:"retryMaxAttempts"`
	RetryBackoffMs         int `json:"retryBackoffMs"`
	RetryBackoffMultiplier int `json:"retryBackoffMultiplier"`
	RecentChannelLimit     int `json:"recentChannelLimit"`
	IdleDebounceMs         int `json:"idleDebounceMs"`
}

// WorkflowConfig tunes run-mode completion detection.
type WorkflowConfig struct {
	PollIntervalMs int   `json:"pollIntervalMs"`
	IdleDebounceMs int   `json:"idleDebounceMs"`
	TimeoutMs      int64 `json:"timeoutMs"`
}

// ProvidersConfig holds backend credentials and subprocess settings.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic"`
	CLI       CLIConfig       `json:"cli"`
}

// AnthropicConfig configures the in-process SDK backend.
type AnthropicConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// CLIConfig configures the subprocess backend.
type CLIConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	TimeoutSec int      `json:"timeoutSec"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"serviceName"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:         "127.0.0.1",
			Port:         18700,
			RateLimitRPM: 600,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Backend:   "anthropic",
				Model:     "claude-sonnet-4-5-20250929",
				MaxTokens: 8192,
				MaxSteps:  10,
			},
		},
		Loop: LoopConfig{
			PollIntervalMs:         5000,
			RetryMaxAttempts:       3,
			RetryBackoffMs:         1000,
			RetryBackoffMultiplier: 2,
			RecentChannelLimit:     50,
			IdleDebounceMs:         2000,
		},
		Workflow: WorkflowConfig{
			PollIntervalMs: 1000,
			IdleDebounceMs: 2000,
			TimeoutMs:      600_000,
		},
		Providers: ProvidersConfig{
			CLI: CLIConfig{
				Command:    "claude",
				TimeoutSec: 600,
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "agent-worker",
		},
		LogLevel: "info",
	}
}
