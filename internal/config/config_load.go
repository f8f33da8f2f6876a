package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8900,
		},
		Defaults: Defaults{
			MaxAgents:     3,
			PollInterval:  5,
			BranchPrefix:  "agent",
			DBPath:        "forge.db",
			ClaudeCommand: "claude",
			Summary: SummaryConfig{
				Enabled:   true,
				Model:     "claude-3-5-haiku-20241022",
				MaxTokens: 150,
			},
			ResponseRelay: RelayConfig{
				Enabled:  true,
				Model:    "claude-3-5-haiku-20241022",
				MaxChars: 4000,
			},
			Metrics: MetricsConfig{
				Enabled:  true,
				Interval: 5,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (env overlays still apply).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.migrateLegacyTelegram()
	cfg.validateProjects()
	return cfg, nil
}

// Reload re-reads the file and swaps the mutable sections in place,
// so long-lived holders of the *Config observe the new values.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Defaults = fresh.Defaults
	c.Connectors = fresh.Connectors
	c.Profiles = fresh.Profiles
	c.Projects = fresh.Projects
	c.Logging = fresh.Logging
	return nil
}

// Save writes the config back to disk as indented JSON (valid JSON5).
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	setCred := func(connType, key, envVar string) {
		v := os.Getenv(envVar)
		if v == "" {
			return
		}
		for id, conn := range c.Connectors {
			if conn.Type != connType {
				continue
			}
			if conn.Credentials == nil {
				conn.Credentials = make(map[string]string)
			}
			conn.Credentials[key] = v
			c.Connectors[id] = conn
			return
		}
	}

	setCred("telegram", "bot_token", "AGENT_FORGE_TELEGRAM_TOKEN")
	setCred("discord", "bot_token", "AGENT_FORGE_DISCORD_TOKEN")

	// Legacy token env feeds the legacy block so migration picks it up.
	if v := os.Getenv("AGENT_FORGE_TELEGRAM_TOKEN"); v != "" && c.Telegram.BotToken == "" {
		c.Telegram.BotToken = v
	}

	if v := os.Getenv("AGENT_FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// migrateLegacyTelegram auto-creates a connector entry from the legacy
// telegram block when no connectors are configured.
func (c *Config) migrateLegacyTelegram() {
	if c.Telegram.BotToken == "" || len(c.Connectors) > 0 {
		return
	}
	if c.Connectors == nil {
		c.Connectors = make(map[string]ConnectorConfig)
	}
	c.Connectors["telegram"] = ConnectorConfig{
		Type:        "telegram",
		Enabled:     true,
		Credentials: map[string]string{"bot_token": c.Telegram.BotToken},
		Settings:    ConnectorSettings{AllowedUsers: c.Telegram.AllowedUsers},
	}
	slog.Info("migrated legacy telegram config to connectors")
}

// validateProjects warns about project paths that do not exist or are not
// git repositories. Warnings only: a missing path should not take the
// whole server down.
func (c *Config) validateProjects() {
	for name, project := range c.Projects {
		path := ExpandHome(project.Path)
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			slog.Warn("project path does not exist", "project", name, "path", project.Path)
			continue
		}
		if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			slog.Warn("project path is not a git repo", "project", name, "path", project.Path)
		}
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// AnthropicAPIKey resolves the key used for summaries and response relay.
func AnthropicAPIKey() string {
	for _, envVar := range []string{"ANTHROPIC_API_KEY", "AGENT_FORGE_ANTHROPIC_API_KEY"} {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return ""
}
