// Package metrics samples system and per-agent resource usage, publishes
// prometheus gauges, and broadcasts dashboard frames.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentforge/forge/internal/agent"
	"github.com/agentforge/forge/internal/bus"
)

// clockTicksPerSec is the kernel's USER_HZ; fixed at 100 on every
// platform Go supports.
const clockTicksPerSec = 100

// SystemMetrics is one system-level sample.
type SystemMetrics struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	DiskUsed     uint64  `json:"disk_used_bytes"`
	DiskTotal    uint64  `json:"disk_total_bytes"`
	Load1        float64 `json:"load_1m"`
	NetRxBytes   uint64  `json:"net_rx_bytes"`
	NetTxBytes   uint64  `json:"net_tx_bytes"`
}

// AgentMetrics is one per-agent sample over its tmux pane process tree.
type AgentMetrics struct {
	AgentID    string  `json:"agent_id"`
	Project    string  `json:"project"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Collector periodically samples the system and all live agents.
type Collector struct {
	manager   *agent.Manager
	broadcast bus.Broadcaster
	interval  time.Duration

	sysCPU  prometheus.Gauge
	memUsed prometheus.Gauge
	memTot  prometheus.Gauge
	dskUsed prometheus.Gauge
	dskTot  prometheus.Gauge
	load1   prometheus.Gauge
	netRx   prometheus.Gauge
	netTx   prometheus.Gauge

	agentCPU *prometheus.GaugeVec
	agentRSS *prometheus.GaugeVec
	agentNum prometheus.Gauge

	prevSys    cpuSample
	prevAgents map[string]uint64 // agent id -> cpu ticks
	published  map[string]bool   // agent ids with live gauge series
}

// NewCollector registers the forge gauges on reg and returns a collector.
func NewCollector(manager *agent.Manager, broadcast bus.Broadcaster, reg prometheus.Registerer, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	f := promauto.With(reg)

	return &Collector{
		manager:   manager,
		broadcast: broadcast,
		interval:  interval,

		sysCPU:  f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_cpu_percent", Help: "System CPU utilization percent."}),
		memUsed: f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_memory_used_bytes", Help: "System memory in use."}),
		memTot:  f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_memory_total_bytes", Help: "System memory total."}),
		dskUsed: f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_disk_used_bytes", Help: "Disk space in use on the working filesystem."}),
		dskTot:  f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_disk_total_bytes", Help: "Disk space total on the working filesystem."}),
		load1:   f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_load1", Help: "1-minute load average."}),
		netRx:   f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_network_rx_bytes", Help: "Cumulative network bytes received."}),
		netTx:   f.NewGauge(prometheus.GaugeOpts{Name: "forge_system_network_tx_bytes", Help: "Cumulative network bytes sent."}),

		agentCPU: f.NewGaugeVec(prometheus.GaugeOpts{Name: "forge_agent_cpu_percent", Help: "Agent process-tree CPU percent."}, []string{"agent_id", "project"}),
		agentRSS: f.NewGaugeVec(prometheus.GaugeOpts{Name: "forge_agent_rss_bytes", Help: "Agent process-tree resident memory."}, []string{"agent_id", "project"}),
		agentNum: f.NewGauge(prometheus.GaugeOpts{Name: "forge_agents_running", Help: "Number of live agents."}),

		prevAgents: make(map[string]uint64),
		published:  make(map[string]bool),
	}
}

// Run samples on the collector interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	slog.Info("metrics collector started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("metrics collector stopped")
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

func (c *Collector) sample(ctx context.Context) {
	sys := c.sampleSystem()
	agents := c.sampleAgents(ctx)

	c.broadcast.Broadcast(bus.Frame{
		Type:      "metrics_update",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"system": sys,
			"agents": agents,
		},
	})
}

func (c *Collector) sampleSystem() SystemMetrics {
	var m SystemMetrics

	if cur, ok := readCPUSample(); ok {
		m.CPUPercent = cpuPercent(c.prevSys, cur)
		c.prevSys = cur
	}
	m.MemTotal, m.MemUsedBytes = readMemInfo()
	m.DiskTotal, m.DiskUsed = readDiskUsage(".")
	m.Load1 = readLoadAvg()
	m.NetRxBytes, m.NetTxBytes = readNetTotals()

	c.sysCPU.Set(m.CPUPercent)
	c.memUsed.Set(float64(m.MemUsedBytes))
	c.memTot.Set(float64(m.MemTotal))
	c.dskUsed.Set(float64(m.DiskUsed))
	c.dskTot.Set(float64(m.DiskTotal))
	c.load1.Set(m.Load1)
	c.netRx.Set(float64(m.NetRxBytes))
	c.netTx.Set(float64(m.NetTxBytes))
	return m
}

func (c *Collector) sampleAgents(ctx context.Context) []AgentMetrics {
	agents := c.manager.Store().List()

	live := 0
	table := readProcTable()
	seen := make(map[string]bool, len(agents))
	var out []AgentMetrics

	for _, a := range agents {
		if a.Status == agent.StatusStopped {
			continue
		}
		live++
		seen[a.ID] = true

		am := AgentMetrics{AgentID: a.ID, Project: a.Project}
		if table != nil {
			if pid, err := c.manager.Tmux().PanePID(ctx, a.SessionName); err == nil {
				ticks, rss := treeTotals(table, pid)
				am.RSSBytes = rss
				if prev, ok := c.prevAgents[a.ID]; ok && ticks >= prev {
					elapsed := c.interval.Seconds()
					am.CPUPercent = float64(ticks-prev) / clockTicksPerSec / elapsed * 100
				}
				c.prevAgents[a.ID] = ticks
			}
		}

		c.agentCPU.WithLabelValues(a.ID, a.Project).Set(am.CPUPercent)
		c.agentRSS.WithLabelValues(a.ID, a.Project).Set(float64(am.RSSBytes))
		c.published[a.ID] = true
		out = append(out, am)
	}

	// Retire series for agents that no longer exist, or /metrics keeps
	// reporting their last sample forever.
	for id := range c.published {
		if !seen[id] {
			delete(c.published, id)
			delete(c.prevAgents, id)
			c.agentCPU.DeletePartialMatch(prometheus.Labels{"agent_id": id})
			c.agentRSS.DeletePartialMatch(prometheus.Labels{"agent_id": id})
		}
	}
	c.agentNum.Set(float64(live))
	return out
}
