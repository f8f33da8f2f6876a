package config

import (
	"fmt"
	"sort"
	"sync"
)

// Config is the root configuration for the forge server.
// Loaded from a JSON5 file with env-var overlays; guarded for hot reload.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Server     ServerConfig               `json:"server"`
	Defaults   Defaults                   `json:"defaults"`
	Connectors map[string]ConnectorConfig `json:"connectors,omitempty"`
	Profiles   map[string]Profile         `json:"profiles,omitempty"`
	Projects   map[string]Project         `json:"projects,omitempty"`
	Telemetry  TelemetryConfig            `json:"telemetry"`
	Logging    LoggingConfig              `json:"logging"`

	// Legacy single-bot block, migrated into Connectors when present.
	Telegram LegacyTelegram `json:"telegram,omitempty"`
}

// ServerConfig is the HTTP/WebSocket listen address.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Defaults holds system-wide agent defaults, overridable per project or profile.
type Defaults struct {
	MaxAgents     int            `json:"max_agents"`
	PollInterval  int            `json:"poll_interval"` // seconds
	BranchPrefix  string         `json:"branch_prefix"`
	DBPath        string         `json:"db_path"`
	GlobalContext string         `json:"global_context,omitempty"`
	ClaudeCommand string         `json:"claude_command"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	StartSequence []SequenceStep `json:"start_sequence,omitempty"`
	Summary       SummaryConfig  `json:"summary"`
	ResponseRelay RelayConfig    `json:"response_relay"`
	Metrics       MetricsConfig  `json:"metrics"`
}

// SequenceStep is one step of an agent start sequence.
// Action is one of "wait", "send", "wait_for_idle", "keys".
// For send steps, "{task}" in Value is replaced with the task description.
type SequenceStep struct {
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

// SummaryConfig controls LLM activity summaries in notifications.
type SummaryConfig struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// RelayConfig controls LLM response extraction for chat relays.
type RelayConfig struct {
	Enabled  bool   `json:"enabled"`
	Model    string `json:"model,omitempty"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// MetricsConfig controls the system/agent metrics collector.
type MetricsConfig struct {
	Enabled  bool `json:"enabled"`
	Interval int  `json:"interval"` // seconds
}

// ConnectorConfig describes one chat-platform connector instance.
type ConnectorConfig struct {
	Type        string            `json:"type"` // "telegram", "discord"
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Settings    ConnectorSettings `json:"settings,omitempty"`
}

// ConnectorSettings holds per-connector behavior knobs.
type ConnectorSettings struct {
	AllowedUsers []string `json:"allowed_users,omitempty"`
	ChunkLimit   int      `json:"chunk_limit,omitempty"`
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`
}

// Profile is a named agent launch profile.
type Profile struct {
	ClaudeCommand string            `json:"claude_command,omitempty"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	Context       string            `json:"context,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	StartSequence []SequenceStep    `json:"start_sequence,omitempty"`
}

// Project is a registered git repository agents can work on.
type Project struct {
	Path          string           `json:"path"`
	Description   string           `json:"description,omitempty"`
	DefaultBranch string           `json:"default_branch,omitempty"`
	MaxAgents     int              `json:"max_agents,omitempty"`
	Profile       string           `json:"profile,omitempty"`
	Context       string           `json:"context,omitempty"`
	ContextFiles  []string         `json:"context_files,omitempty"`
	Channels      []ChannelBinding `json:"channels,omitempty"`
}

// ChannelBinding wires a project to a chat channel on a connector.
// Direction is "in", "out", or "both" (default "both").
type ChannelBinding struct {
	Connector string `json:"connector"`
	ChannelID string `json:"channel_id"`
	Direction string `json:"direction,omitempty"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

// LoggingConfig sets the slog level ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Level string `json:"level,omitempty"`
}

// LegacyTelegram is the pre-connector telegram block kept for migration.
type LegacyTelegram struct {
	BotToken     string   `json:"bot_token,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
}

// Inbound reports whether the binding accepts messages from the channel.
func (b ChannelBinding) Inbound() bool {
	return b.Direction == "" || b.Direction == "in" || b.Direction == "both"
}

// Outbound reports whether the binding receives notifications.
func (b ChannelBinding) Outbound() bool {
	return b.Direction == "" || b.Direction == "out" || b.Direction == "both"
}

// MaxAgentsFor returns the agent cap for a project, falling back to defaults.
func (c *Config) MaxAgentsFor(project string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.Projects[project]; ok && p.MaxAgents > 0 {
		return p.MaxAgents
	}
	return c.Defaults.MaxAgents
}

// ResolveProfile returns the effective launch profile for a project,
// layering defaults < named profile < explicit override. Naming a profile
// that does not exist is an error.
func (c *Config) ResolveProfile(project, override string) (Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resolved := Profile{
		ClaudeCommand: c.Defaults.ClaudeCommand,
		SystemPrompt:  c.Defaults.SystemPrompt,
		StartSequence: c.Defaults.StartSequence,
	}

	name := override
	if name == "" {
		if p, ok := c.Projects[project]; ok {
			name = p.Profile
		}
	}
	if name == "" {
		return resolved, nil
	}

	prof, ok := c.Profiles[name]
	if !ok {
		return resolved, fmt.Errorf("profile %q not found", name)
	}
	if prof.ClaudeCommand != "" {
		resolved.ClaudeCommand = prof.ClaudeCommand
	}
	if prof.SystemPrompt != "" {
		resolved.SystemPrompt = prof.SystemPrompt
	}
	if prof.Context != "" {
		resolved.Context = prof.Context
	}
	if len(prof.Env) > 0 {
		resolved.Env = prof.Env
	}
	if len(prof.StartSequence) > 0 {
		resolved.StartSequence = prof.StartSequence
	}
	return resolved, nil
}

// Project returns a project by short name.
func (c *Config) Project(name string) (Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Projects[name]
	return p, ok
}

// ProjectNames returns all registered project names, sorted.
func (c *Config) ProjectNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
