package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTD_"

const maxFileBytes = 1 << 20

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"execution.auto_approve":       true,
	"execution.protected_paths":    true,
	"conversation.abandon_phrases": true,
	"retrieval.include":            true,
	"secrets.allow_paths":          true,
	"secrets.allow_regexes":        true,
}

// Load builds the configuration from defaults, the YAML file at path and
// AGENTD_* environment variables, later sources winning.
//
// A missing file is not an error. An existing one must not be writable by
// group or others and must stay under 1MB, since it can carry API keys.
//
// Variables drop the prefix and split on the first underscore, and list
// settings take comma separated values:
//
//	AGENTD_SERVER_ADDR=:8080                    -> server.addr
//	AGENTD_EXECUTION_AUTO_APPROVE=create,modify -> execution.auto_approve
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadFile(k, path); err != nil {
		return nil, err
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := NewDefault()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// stat the descriptor we read from, not the path
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := checkFile(info); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func checkFile(info os.FileInfo) error {
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0o022 != 0 {
		return fmt.Errorf("insecure config file permissions %v: must not be group or world writable", perm)
	}
	if info.Size() > maxFileBytes {
		return fmt.Errorf("config file too large: %d bytes, limit %d", info.Size(), maxFileBytes)
	}
	return nil
}

// envKey maps AGENTD_SECTION_FIELD_NAME to section.field_name.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}
