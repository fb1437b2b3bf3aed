// Package config provides configuration loading for agentd.
//
// Configuration is read from a YAML file, overridden by AGENTD_* environment
// variables, completed with defaults and validated.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete agentd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	NATS         NATSConfig         `koanf:"nats"`
	Execution    ExecutionConfig    `koanf:"execution"`
	Conversation ConversationConfig `koanf:"conversation"`
	LLM          LLMConfig          `koanf:"llm"`
	Retrieval    RetrievalConfig    `koanf:"retrieval"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	MCP          MCPConfig          `koanf:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	// EventHistory is the number of events retained per stream for replay.
	EventHistory int `koanf:"event_history"`
}

// NATSConfig holds event transport configuration.
type NATSConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`

	// Embedded runs an in-process server instead of dialing URL.
	Embedded bool `koanf:"embedded"`
	Port     int  `koanf:"port"`
}

// ExecutionConfig holds plan execution configuration.
type ExecutionConfig struct {
	// ProjectRoot is the directory file operations are confined to.
	ProjectRoot string `koanf:"project_root"`

	// AutoApprove lists operation types that run without a per-file decision.
	AutoApprove []string `koanf:"auto_approve"`

	// ProtectedPaths are glob patterns that always require a decision.
	ProtectedPaths []string `koanf:"protected_paths"`

	MaxParallel     int      `koanf:"max_parallel"`
	GenerateTimeout Duration `koanf:"generate_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	BlockSecrets    bool     `koanf:"block_secrets"`
}

// ConversationConfig holds conversation driving configuration.
type ConversationConfig struct {
	ClarifyThreshold float64  `koanf:"clarify_threshold"`
	ClassifyTimeout  Duration `koanf:"classify_timeout"`
	RetrieveTimeout  Duration `koanf:"retrieve_timeout"`
	PlanTimeout      Duration `koanf:"plan_timeout"`
	AbandonPhrases   []string `koanf:"abandon_phrases"`
}

// LLMConfig selects the model backing classification, planning and generation.
type LLMConfig struct {
	// Provider is heuristic, openai or anthropic.
	Provider          string  `koanf:"provider"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerMinute float64 `koanf:"requests_per_minute"`
	MaxTokens         int     `koanf:"max_tokens"`
}

// RetrievalConfig controls codebase context retrieval.
type RetrievalConfig struct {
	Enabled      bool     `koanf:"enabled"`
	MaxResults   int      `koanf:"max_results"`
	Include      []string `koanf:"include"`
	MaxFileBytes int64    `koanf:"max_file_bytes"`
}

// SecretsConfig controls the secret guard applied to generated content.
type SecretsConfig struct {
	// Gitleaks enables the gitleaks rule set on top of the built-in rules.
	Gitleaks bool `koanf:"gitleaks"`

	// AllowPaths are path regexes whose content is never scanned.
	AllowPaths []string `koanf:"allow_paths"`

	// AllowRegexes are content regexes treated as false positives.
	AllowRegexes []string `koanf:"allow_regexes"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	Redact   bool   `koanf:"redact"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`

	// TLSSkipVerify accepts collectors signed by an internal CA.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	MetricsInterval Duration `koanf:"metrics_interval"`
}

// MCPConfig controls the MCP stdio server.
type MCPConfig struct {
	Enabled bool `koanf:"enabled"`

	// Owner is the identity MCP commands act as.
	Owner string `koanf:"owner"`
}

// NewDefault returns the configuration used when nothing overrides it.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:9191",
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       20,
			RateBurst:       40,
			EventHistory:    256,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
			Port:          4222,
		},
		Execution: ExecutionConfig{
			ProjectRoot:     ".",
			MaxParallel:     1,
			GenerateTimeout: Duration(2 * time.Minute),
			WriteTimeout:    Duration(10 * time.Second),
			BlockSecrets:    true,
		},
		Conversation: ConversationConfig{
			ClarifyThreshold: 0.6,
			ClassifyTimeout:  Duration(30 * time.Second),
			RetrieveTimeout:  Duration(30 * time.Second),
			PlanTimeout:      Duration(2 * time.Minute),
		},
		LLM: LLMConfig{
			Provider:          "heuristic",
			RequestsPerMinute: 50,
			MaxTokens:         4096,
		},
		Retrieval: RetrievalConfig{
			Enabled:      true,
			MaxResults:   8,
			MaxFileBytes: 256 * 1024,
		},
		Secrets: SecretsConfig{
			Gitleaks: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
			Redact:   true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "agentd",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
			MetricsInterval: Duration(15 * time.Second),
		},
		MCP: MCPConfig{
			Owner: "local",
		},
	}
}

// DefaultAutoApprove is used when execution.auto_approve is unset.
func DefaultAutoApprove() []string {
	return []string{"create", "modify"}
}

// DefaultAbandonPhrases is used when conversation.abandon_phrases is unset.
func DefaultAbandonPhrases() []string {
	return []string{"abandon", "give up", "never mind", "nevermind", "forget it", "stop"}
}

// DefaultInclude is used when retrieval.include is unset.
func DefaultInclude() []string {
	return []string{"*.go", "*.md", "*.yaml", "*.yml", "*.json", "*.ts", "*.py"}
}

// applyDefaults fills list and numeric fields left empty by the sources.
func applyDefaults(cfg *Config) {
	if len(cfg.Execution.AutoApprove) == 0 {
		cfg.Execution.AutoApprove = DefaultAutoApprove()
	}
	if len(cfg.Conversation.AbandonPhrases) == 0 {
		cfg.Conversation.AbandonPhrases = DefaultAbandonPhrases()
	}
	if len(cfg.Retrieval.Include) == 0 {
		cfg.Retrieval.Include = DefaultInclude()
	}
	if cfg.Execution.MaxParallel == 0 {
		cfg.Execution.MaxParallel = 1
	}
}

var validOperations = map[string]bool{
	"create": true, "modify": true, "delete": true, "rename": true, "move": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %v", c.Server.RateLimit)
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.NATS.Embedded && (c.NATS.Port < 0 || c.NATS.Port > 65535) {
		return fmt.Errorf("nats.port must be within [0,65535], got %d", c.NATS.Port)
	}

	if c.Execution.MaxParallel < 1 {
		return fmt.Errorf("execution.max_parallel must be >= 1, got %d", c.Execution.MaxParallel)
	}
	if c.Execution.GenerateTimeout.Duration() <= 0 || c.Execution.WriteTimeout.Duration() <= 0 {
		return errors.New("execution timeouts must be positive")
	}
	for _, op := range c.Execution.AutoApprove {
		if !validOperations[op] {
			return fmt.Errorf("execution.auto_approve: unknown operation %q", op)
		}
		if op == "delete" {
			return errors.New("execution.auto_approve: delete always requires approval")
		}
	}

	if c.Conversation.ClarifyThreshold < 0 || c.Conversation.ClarifyThreshold > 1 {
		return fmt.Errorf("conversation.clarify_threshold must be within [0,1], got %v", c.Conversation.ClarifyThreshold)
	}
	if c.Conversation.ClassifyTimeout.Duration() <= 0 ||
		c.Conversation.RetrieveTimeout.Duration() <= 0 ||
		c.Conversation.PlanTimeout.Duration() <= 0 {
		return errors.New("conversation timeouts must be positive")
	}

	switch c.LLM.Provider {
	case "heuristic":
	case "openai", "anthropic":
		if !c.LLM.APIKey.IsSet() {
			return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
		}
		if c.LLM.Provider == "anthropic" && c.LLM.BaseURL != "" {
			return errors.New("llm.base_url is not supported by provider anthropic")
		}
	default:
		return fmt.Errorf("llm.provider must be heuristic, openai or anthropic, got %q", c.LLM.Provider)
	}

	if c.Retrieval.Enabled && c.Retrieval.MaxResults <= 0 {
		return fmt.Errorf("retrieval.max_results must be positive, got %d", c.Retrieval.MaxResults)
	}

	for _, pattern := range append(append([]string{}, c.Secrets.AllowPaths...), c.Secrets.AllowRegexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("secrets: invalid allow pattern %q: %w", pattern, err)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate)
		}
		if c.Telemetry.Endpoint == "" || c.Telemetry.ServiceName == "" {
			return errors.New("telemetry.endpoint and telemetry.service_name are required when telemetry is enabled")
		}
		if c.Telemetry.MetricsInterval.Duration() <= 0 {
			return errors.New("telemetry.metrics_interval must be positive")
		}
	}

	if c.MCP.Enabled && c.MCP.Owner == "" {
		return errors.New("mcp.owner is required when mcp is enabled")
	}
	return nil
}
