package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUSample(t *testing.T) {
	data := "cpu  100 20 30 400 50 0 10 0 0 0\ncpu0 50 10 15 200 25 0 5 0 0 0\n"
	s, ok := parseCPUSample(data)
	require.True(t, ok)
	assert.Equal(t, uint64(610), s.total)
	// idle (400) and iowait (50) excluded
	assert.Equal(t, uint64(160), s.busy)
}

func TestCPUPercent(t *testing.T) {
	prev := cpuSample{busy: 100, total: 1000}
	cur := cpuSample{busy: 150, total: 1100}
	assert.InDelta(t, 50.0, cpuPercent(prev, cur), 0.001)

	// No previous sample yields zero, not garbage.
	assert.Zero(t, cpuPercent(cpuSample{}, cur))
	// No elapsed ticks yields zero.
	assert.Zero(t, cpuPercent(cur, cur))
}

func TestParseMemInfo(t *testing.T) {
	data := "MemTotal:       16384 kB\nMemFree:        1024 kB\nMemAvailable:   8192 kB\n"
	total, used := parseMemInfo(data)
	assert.Equal(t, uint64(16384*1024), total)
	assert.Equal(t, uint64(8192*1024), used)
}

func TestParseNetTotalsSkipsLoopback(t *testing.T) {
	data := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 9999999       10    0    0    0     0          0         0  9999999       10    0    0    0     0       0          0
  eth0:    1000       10    0    0    0     0          0         0     2000       20    0    0    0     0       0          0
 wlan0:     500        5    0    0    0     0          0         0      700        7    0    0    0     0       0          0
`
	rx, tx := parseNetTotals(data)
	assert.Equal(t, uint64(1500), rx)
	assert.Equal(t, uint64(2700), tx)
}

func TestParseProcStat(t *testing.T) {
	// comm containing spaces and parens must not break field offsets
	data := "1234 (tmux: server (x)) S 1 1234 1234 0 -1 4194560 100 0 0 0 250 150 0 0 20 0 1 0 12345 1000000 500 18446744073709551615"
	ps, ok := parseProcStat(1234, data)
	require.True(t, ok)
	assert.Equal(t, 1, ps.ppid)
	assert.Equal(t, uint64(400), ps.cpuTicks)
	assert.Equal(t, uint64(500)*pageSize(t), ps.rssBytes)
}

func pageSize(t *testing.T) uint64 {
	t.Helper()
	ps, ok := parseProcStat(1, "1 (init) S 0 1 1 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 1 1 1 1")
	require.True(t, ok)
	return ps.rssBytes // rss of 1 page
}

func TestTreeTotals(t *testing.T) {
	table := map[int]procStat{
		100: {pid: 100, ppid: 1, cpuTicks: 10, rssBytes: 1000},
		101: {pid: 101, ppid: 100, cpuTicks: 20, rssBytes: 2000},
		102: {pid: 102, ppid: 101, cpuTicks: 30, rssBytes: 3000},
		200: {pid: 200, ppid: 1, cpuTicks: 99, rssBytes: 9999}, // unrelated
	}

	ticks, rss := treeTotals(table, 100)
	assert.Equal(t, uint64(60), ticks)
	assert.Equal(t, uint64(6000), rss)

	ticks, rss = treeTotals(table, 555)
	assert.Zero(t, ticks)
	assert.Zero(t, rss)
}
