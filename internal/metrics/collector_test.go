package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/tmux"
)

func testCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	mgr := agent.NewManager(config.Default(), tmux.NewDriver(""), nil, bus.NopBroadcaster{})
	reg := prometheus.NewRegistry()
	return NewCollector(mgr, bus.NopBroadcaster{}, reg, time.Second), reg
}

func seriesCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}

func TestAgentSeriesRetiredAfterRemoval(t *testing.T) {
	c, reg := testCollector(t)
	ctx := context.Background()

	c.manager.Store().Put(&agent.Agent{ID: "a1b2c3", Project: "api", SessionName: "forge__api__a1b2c3"})
	c.manager.Store().Put(&agent.Agent{ID: "d4e5f6", Project: "web", SessionName: "forge__web__d4e5f6"})
	c.sampleAgents(ctx)

	assert.Equal(t, 2, seriesCount(t, reg, "forge_agent_cpu_percent"))
	assert.Equal(t, 2, seriesCount(t, reg, "forge_agent_rss_bytes"))

	// A killed agent must stop reporting, not freeze its last sample.
	c.manager.Store().Remove("a1b2c3")
	c.sampleAgents(ctx)

	assert.Equal(t, 1, seriesCount(t, reg, "forge_agent_cpu_percent"))
	assert.Equal(t, 1, seriesCount(t, reg, "forge_agent_rss_bytes"))
	assert.NotContains(t, c.published, "a1b2c3")
	assert.NotContains(t, c.prevAgents, "a1b2c3")
}

func TestStoppedAgentsExcludedFromSamples(t *testing.T) {
	c, _ := testCollector(t)

	c.manager.Store().Put(&agent.Agent{ID: "a1b2c3", Project: "api", Status: agent.StatusStopped})
	out := c.sampleAgents(context.Background())
	assert.Empty(t, out)
}
