// Package config holds all chatterd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree, loaded from a YAML file with
// defaults applied first and environment overrides applied last.
type Config struct {
	Agent     AgentConfig       `yaml:"agent"`
	Memory    MemoryConfig      `yaml:"memory"`
	Rate      RateConfig        `yaml:"rate"`
	Commands  CommandsConfig    `yaml:"commands"`
	Filters   FiltersConfig     `yaml:"filters"`
	Responses ResponsesConfig   `yaml:"responses"`
	Storage   StorageConfig     `yaml:"storage"`
	Persona   PersonalityConfig `yaml:"personality"`
	LLM       LLMConfig         `yaml:"llm"`
	Transport TransportConfig   `yaml:"transport"`
	Maint     MaintenanceConfig `yaml:"maintenance"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// AgentConfig identifies the bot itself in conversations.
type AgentConfig struct {
	ID          string `yaml:"id"`           // sender id recorded on generated replies
	DisplayName string `yaml:"display_name"` // shown in status/info command output
}

// MemoryConfig bounds per-conversation history.
type MemoryConfig struct {
	SummarizeThreshold int `yaml:"summarize_threshold"` // message count that triggers compaction
	MaxContextMessages int `yaml:"max_context_messages"`
}

// RateConfig controls per-contact response pacing.
type RateConfig struct {
	ShortCooldown   string `yaml:"short_cooldown"`   // minimum gap between responses
	FrequencyLimit  int    `yaml:"frequency_limit"`  // max responses per window
	FrequencyWindow string `yaml:"frequency_window"` // sliding window size
}

// CommandsConfig controls administrative command parsing.
type CommandsConfig struct {
	Prefix string `yaml:"prefix"`
}

// FiltersConfig feeds the pipeline's reject chain.
type FiltersConfig struct {
	IgnoredContacts []string `yaml:"ignored_contacts"`
	IgnoreGroups    bool     `yaml:"ignore_groups"`
}

// ResponsesConfig shapes generated replies.
type ResponsesConfig struct {
	AutoRespond       bool     `yaml:"auto_respond"`       // global default for new contacts
	MaxLength         int      `yaml:"max_length"`         // truncation bound, ellipsis appended
	GenerationTimeout string   `yaml:"generation_timeout"` // generation call deadline
	Fallbacks         []string `yaml:"fallbacks"`          // override the built-in apology texts
}

// StorageConfig selects the durable conversation store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite (default), badger, file
	Root    string `yaml:"root"`    // directory all backends live under
}

// PersonalityConfig locates the profile files.
type PersonalityConfig struct {
	Dir    string `yaml:"dir"`
	Active string `yaml:"active"`
	Watch  bool   `yaml:"watch"` // reload profiles when the directory changes
}

// LLMConfig configures the generation engine.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// TransportConfig configures the inbound event source.
type TransportConfig struct {
	URL   string `yaml:"url"` // websocket bridge endpoint
	Token string `yaml:"token"`
}

// MaintenanceConfig drives the periodic janitor.
type MaintenanceConfig struct {
	Interval           string `yaml:"interval"`
	CooldownMaxAge     string `yaml:"cooldown_max_age"`
	ConversationMaxAge string `yaml:"conversation_max_age"`
}

// LoggingConfig configures the zap root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:          "chatterd",
			DisplayName: "Chatterd",
		},
		Memory: MemoryConfig{
			SummarizeThreshold: 30,
			MaxContextMessages: 20,
		},
		Rate: RateConfig{
			ShortCooldown:   "1s",
			FrequencyLimit:  5,
			FrequencyWindow: "1h",
		},
		Commands: CommandsConfig{
			Prefix: "/",
		},
		Filters: FiltersConfig{
			IgnoreGroups: true,
		},
		Responses: ResponsesConfig{
			AutoRespond:       true,
			MaxLength:         1000,
			GenerationTimeout: "45s",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Root:    "data",
		},
		Persona: PersonalityConfig{
			Dir:    "personalities",
			Active: "default",
			Watch:  false,
		},
		LLM: LLMConfig{
			Model: "gemini-2.5-flash",
		},
		Transport: TransportConfig{
			URL: "ws://127.0.0.1:8077/ws",
		},
		Maint: MaintenanceConfig{
			Interval:           "10m",
			CooldownMaxAge:     "24h",
			ConversationMaxAge: "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("CHATTERD_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if root := os.Getenv("CHATTERD_DATA"); root != "" {
		c.Storage.Root = root
	}
	if url := os.Getenv("CHATTERD_WS_URL"); url != "" {
		c.Transport.URL = url
	}
	if tok := os.Getenv("CHATTERD_WS_TOKEN"); tok != "" {
		c.Transport.Token = tok
	}
}

// Validate checks cross-field invariants that would otherwise surface as
// runtime misbehavior.
func (c *Config) Validate() error {
	if c.Memory.MaxContextMessages <= 0 {
		return fmt.Errorf("config: max_context_messages must be positive")
	}
	if c.Memory.SummarizeThreshold <= c.Memory.MaxContextMessages {
		return fmt.Errorf("config: summarize_threshold (%d) must exceed max_context_messages (%d)",
			c.Memory.SummarizeThreshold, c.Memory.MaxContextMessages)
	}
	if c.Rate.FrequencyLimit <= 0 {
		return fmt.Errorf("config: frequency_limit must be positive")
	}
	if c.Responses.MaxLength < 8 {
		return fmt.Errorf("config: responses.max_length (%d) too small to hold a reply", c.Responses.MaxLength)
	}
	switch c.Storage.Backend {
	case "sqlite", "badger", "file":
	default:
		return fmt.Errorf("config: unknown storage backend %q (valid: sqlite, badger, file)", c.Storage.Backend)
	}
	if c.Commands.Prefix == "" {
		return fmt.Errorf("config: commands.prefix must not be empty")
	}
	return nil
}

// ShortCooldown returns the parsed short-cooldown duration.
func (c *Config) ShortCooldown() time.Duration {
	return parseDuration(c.Rate.ShortCooldown, time.Second)
}

// FrequencyWindow returns the parsed sliding-window duration.
func (c *Config) FrequencyWindow() time.Duration {
	return parseDuration(c.Rate.FrequencyWindow, time.Hour)
}

// GenerationTimeout returns the generation call deadline.
func (c *Config) GenerationTimeout() time.Duration {
	return parseDuration(c.Responses.GenerationTimeout, 45*time.Second)
}

// MaintenanceInterval returns how often the janitor runs.
func (c *Config) MaintenanceInterval() time.Duration {
	return parseDuration(c.Maint.Interval, 10*time.Minute)
}

// CooldownMaxAge returns the retention for idle cooldown entries.
func (c *Config) CooldownMaxAge() time.Duration {
	return parseDuration(c.Maint.CooldownMaxAge, 24*time.Hour)
}

// ConversationMaxAge returns the retention for idle conversations.
func (c *Config) ConversationMaxAge() time.Duration {
	return parseDuration(c.Maint.ConversationMaxAge, 720*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
