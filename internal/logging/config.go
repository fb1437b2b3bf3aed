package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// TraceLevel sits below Debug. It is used for provider request and
// response bodies.
const TraceLevel = zapcore.Level(-2)

// maxPatternLen bounds redaction patterns, which run against every field.
const maxPatternLen = 200

// Config is the resolved logger configuration.
type Config struct {
	Level     zapcore.Level
	Format    string
	Output    OutputConfig
	Sampling  SamplingConfig
	Redaction RedactionConfig

	// Fields are attached to every entry.
	Fields map[string]string
}

// OutputConfig selects the sinks. At least one must be active.
type OutputConfig struct {
	Writer io.Writer
	OTEL   bool
}

// SamplingConfig keeps the first Initial entries with a given message per
// Tick, then one in every Thereafter.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig names the field keys whose values are always hidden and
// the patterns hidden wherever they appear.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig logs JSON to stderr at info, keeping stdout free for the
// MCP stdio transport.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Writer: os.Stderr},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"api_key", "authorization", "password", "secret", "token",
				"credential", "private_key", "bearer", "nats_token",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`sk-(?:ant-|proj-)?[A-Za-z0-9_-]{16,}`,
			},
		},
		Fields: map[string]string{"service": "agentd"},
	}
}

// FromConfig resolves the file and environment settings. otel mirrors
// entries to the telemetry log provider.
func FromConfig(lc config.LoggingConfig, otel bool) (*Config, error) {
	level, err := LevelFromString(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level %q: %w", lc.Level, err)
	}
	c := NewDefaultConfig()
	c.Level = level
	c.Format = lc.Format
	c.Output.OTEL = otel
	c.Sampling.Enabled = lc.Sampling
	c.Redaction.Enabled = lc.Redact
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Format != "json" && c.Format != "console":
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	case c.Output.Writer == nil && !c.Output.OTEL:
		return errors.New("no output configured: set a writer or enable otel")
	case c.Sampling.Enabled && c.Sampling.Tick <= 0:
		return errors.New("sampling tick must be positive")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern longer than %d characters: %.40q...", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q has an empty key or value", k)
		}
	}
	return nil
}

// LevelFromString accepts zap's level names plus "trace".
func LevelFromString(s string) (zapcore.Level, error) {
	if s == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
