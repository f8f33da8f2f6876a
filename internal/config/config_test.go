package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.json5")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8900, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Defaults.MaxAgents)
	assert.Equal(t, "claude", cfg.Defaults.ClaudeCommand)
	assert.True(t, cfg.Defaults.ResponseRelay.Enabled)
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
  // listen address
  server: { host: "0.0.0.0", port: 9000 },
  defaults: { max_agents: 5 },
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Defaults.MaxAgents)
	// Untouched sections keep their defaults.
	assert.Equal(t, "agent", cfg.Defaults.BranchPrefix)
}

func TestEnvOverridesConnectorToken(t *testing.T) {
	t.Setenv("AGENT_FORGE_TELEGRAM_TOKEN", "env-token")

	path := writeConfig(t, `{
  connectors: {
    tg: { type: "telegram", enabled: true, credentials: { bot_token: "file-token" } },
  },
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Connectors["tg"].Credentials["bot_token"])
}

func TestEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("AGENT_FORGE_LOG_LEVEL", "debug")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLegacyTelegramMigration(t *testing.T) {
	path := writeConfig(t, `{
  telegram: { bot_token: "legacy-token", allowed_users: ["42"] },
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	conn, ok := cfg.Connectors["telegram"]
	require.True(t, ok, "legacy block should become a connector entry")
	assert.Equal(t, "telegram", conn.Type)
	assert.True(t, conn.Enabled)
	assert.Equal(t, "legacy-token", conn.Credentials["bot_token"])
	assert.Equal(t, []string{"42"}, conn.Settings.AllowedUsers)
}

func TestLegacyMigrationSkippedWhenConnectorsExist(t *testing.T) {
	path := writeConfig(t, `{
  telegram: { bot_token: "legacy-token" },
  connectors: {
    main: { type: "telegram", enabled: true, credentials: { bot_token: "real" } },
  },
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Connectors, 1)
	assert.Equal(t, "real", cfg.Connectors["main"].Credentials["bot_token"])
}

func TestMaxAgentsFor(t *testing.T) {
	cfg := Default()
	cfg.Projects = map[string]Project{
		"capped": {Path: "/tmp/capped", MaxAgents: 7},
		"plain":  {Path: "/tmp/plain"},
	}

	assert.Equal(t, 7, cfg.MaxAgentsFor("capped"))
	assert.Equal(t, 3, cfg.MaxAgentsFor("plain"))
	assert.Equal(t, 3, cfg.MaxAgentsFor("unknown"))
}

func TestResolveProfileLayering(t *testing.T) {
	cfg := Default()
	cfg.Defaults.SystemPrompt = "base prompt"
	cfg.Profiles = map[string]Profile{
		"reviewer": {SystemPrompt: "review prompt", Context: "be thorough"},
		"runner":   {ClaudeCommand: "claude --dangerously-skip-permissions"},
	}
	cfg.Projects = map[string]Project{
		"app": {Path: "/tmp/app", Profile: "reviewer"},
	}

	// Project profile applies.
	p, err := cfg.ResolveProfile("app", "")
	require.NoError(t, err)
	assert.Equal(t, "review prompt", p.SystemPrompt)
	assert.Equal(t, "be thorough", p.Context)
	assert.Equal(t, "claude", p.ClaudeCommand)

	// Explicit override beats the project profile.
	p, err = cfg.ResolveProfile("app", "runner")
	require.NoError(t, err)
	assert.Equal(t, "claude --dangerously-skip-permissions", p.ClaudeCommand)
	assert.Equal(t, "base prompt", p.SystemPrompt)
}

func TestResolveProfileUnknownName(t *testing.T) {
	cfg := Default()
	cfg.Projects = map[string]Project{
		"app":    {Path: "/tmp/app"},
		"broken": {Path: "/tmp/broken", Profile: "gone"},
	}

	_, err := cfg.ResolveProfile("app", "missing")
	assert.EqualError(t, err, `profile "missing" not found`)

	// A project pointing at a removed profile errors the same way.
	_, err = cfg.ResolveProfile("broken", "")
	assert.EqualError(t, err, `profile "gone" not found`)

	// No profile named anywhere resolves to plain defaults.
	p, err := cfg.ResolveProfile("app", "")
	require.NoError(t, err)
	assert.Equal(t, "claude", p.ClaudeCommand)
}

func TestChannelBindingDirections(t *testing.T) {
	assert.True(t, ChannelBinding{}.Inbound())
	assert.True(t, ChannelBinding{}.Outbound())
	assert.True(t, ChannelBinding{Direction: "in"}.Inbound())
	assert.False(t, ChannelBinding{Direction: "in"}.Outbound())
	assert.False(t, ChannelBinding{Direction: "out"}.Inbound())
	assert.True(t, ChannelBinding{Direction: "out"}.Outbound())
	assert.True(t, ChannelBinding{Direction: "both"}.Inbound())
	assert.True(t, ChannelBinding{Direction: "both"}.Outbound())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.json5")
	cfg := Default()
	cfg.Server.Port = 9100
	cfg.Projects = map[string]Project{"x": {Path: "/tmp/x"}}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, loaded.Server.Port)
	assert.Contains(t, loaded.Projects, "x")
}

func TestReloadSwapsSections(t *testing.T) {
	path := writeConfig(t, `{ defaults: { max_agents: 2 } }`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Defaults.MaxAgents)

	require.NoError(t, os.WriteFile(path, []byte(`{ defaults: { max_agents: 9 } }`), 0600))
	require.NoError(t, cfg.Reload(path))
	assert.Equal(t, 9, cfg.Defaults.MaxAgents)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "repos"), ExpandHome("~/repos"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/absolute/path", ExpandHome("/absolute/path"))
	assert.Equal(t, "relative", ExpandHome("relative"))
}
