package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/connectors"
	"github.com/agentforge/forge/internal/tmux"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		project string
		agentID string
		text    string
	}{
		{"colon form", "@webapp: fix the tests", "webapp", "", "fix the tests"},
		{"space form", "@webapp fix the tests", "webapp", "", "fix the tests"},
		{"agent qualified", "@webapp:a1b2c3 deploy it", "webapp", "a1b2c3", "deploy it"},
		{"multiline body", "@webapp: first line\nsecond line", "webapp", "", "first line\nsecond line"},
		{"hyphenated names", "@my-project:agent-1 go", "my-project", "agent-1", "go"},
		{"no target", "just a plain message", "", "", ""},
		{"mid-sentence at", "email me @example", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, agentID, text := parseTarget(tt.input)
			assert.Equal(t, tt.project, project)
			assert.Equal(t, tt.agentID, agentID)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestParseTargetInvertsFormat(t *testing.T) {
	cases := []struct{ project, agentID, text string }{
		{"webapp", "", "fix the login bug"},
		{"webapp", "a1b2c3", "deploy it"},
		{"my-project", "agent-1", "multi word task"},
	}
	for _, tc := range cases {
		project, agentID, text := parseTarget(formatTarget(tc.project, tc.agentID, tc.text))
		require.Equal(t, tc.project, project)
		require.Equal(t, tc.agentID, agentID)
		require.Equal(t, tc.text, text)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Projects = map[string]config.Project{
		"webapp": {
			Path: "/tmp/webapp",
			Channels: []config.ChannelBinding{
				{Connector: "tg", ChannelID: "100"},
				{Connector: "tg", ChannelID: "200", Direction: "out"},
			},
		},
		"api": {
			Path: "/tmp/api",
			Channels: []config.ChannelBinding{
				{Connector: "tg", ChannelID: "100", Direction: "in"},
				{Connector: "dc", ChannelID: "300", Direction: "both"},
			},
		},
	}
	return cfg
}

func TestChannelMapConstruction(t *testing.T) {
	r := New(testConfig(), nil, connectors.NewManager(), nil)

	// Channel 100 serves both projects for input.
	projects := r.inboundProjects(chanKey{connector: "tg", channel: "100"})
	assert.Equal(t, []string{"api", "webapp"}, projects)

	// Channel 200 is outbound-only: no inbound project.
	assert.Empty(t, r.inboundProjects(chanKey{connector: "tg", channel: "200"}))

	// Channel 300 is bidirectional for api only.
	assert.Equal(t, []string{"api"}, r.inboundProjects(chanKey{connector: "dc", channel: "300"}))

	// Unknown channel binds nothing.
	assert.Empty(t, r.inboundProjects(chanKey{connector: "tg", channel: "999"}))
}

func TestOutboundChannels(t *testing.T) {
	r := New(testConfig(), nil, connectors.NewManager(), nil)

	// webapp: both bindings are outbound (default both + explicit out).
	out := r.outboundChannels("webapp")
	assert.Equal(t, []chanKey{
		{connector: "tg", channel: "100"},
		{connector: "tg", channel: "200"},
	}, out)

	// api: the "in" binding is excluded.
	out = r.outboundChannels("api")
	assert.Equal(t, []chanKey{{connector: "dc", channel: "300"}}, out)
}

func TestOutboundIncludesReplyChannels(t *testing.T) {
	r := New(testConfig(), nil, connectors.NewManager(), nil)

	r.mu.Lock()
	r.replyChans["api"] = map[chanKey]bool{
		{connector: "tg", channel: "555"}: true,
		{connector: "dc", channel: "300"}: true, // already covered by binding
	}
	r.mu.Unlock()

	out := r.outboundChannels("api")
	assert.Equal(t, []chanKey{
		{connector: "dc", channel: "300"},
		{connector: "tg", channel: "555"},
	}, out)
}

func TestRebuildChannelMapAfterReload(t *testing.T) {
	cfg := testConfig()
	r := New(cfg, nil, connectors.NewManager(), nil)

	cfg.Projects = map[string]config.Project{
		"solo": {Path: "/tmp/solo", Channels: []config.ChannelBinding{
			{Connector: "tg", ChannelID: "42"},
		}},
	}
	r.RebuildChannelMap()

	assert.Empty(t, r.inboundProjects(chanKey{connector: "tg", channel: "100"}))
	assert.Equal(t, []string{"solo"}, r.inboundProjects(chanKey{connector: "tg", channel: "42"}))
}

func TestProjectsTextShowsDescription(t *testing.T) {
	cfg := config.Default()
	cfg.Projects = map[string]config.Project{
		"webapp": {Path: "/tmp/webapp", Description: "customer-facing web app"},
		"api":    {Path: "/tmp/api"},
	}
	mgr := agent.NewManager(cfg, tmux.NewDriver(""), nil, nil)
	r := New(cfg, mgr, connectors.NewManager(), nil)

	text := r.projectsText()
	assert.Contains(t, text, "webapp — customer-facing web app")
	// Projects without a description keep showing their path.
	assert.Contains(t, text, "api — /tmp/api")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde…", truncate("abcdefgh", 5))
}
