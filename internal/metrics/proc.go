package metrics

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// cpuSample is the aggregate CPU counters from /proc/stat.
type cpuSample struct {
	busy  uint64
	total uint64
}

func readCPUSample() (cpuSample, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, false
	}
	return parseCPUSample(string(data))
}

func parseCPUSample(data string) (cpuSample, bool) {
	for _, line := range strings.Split(data, "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var s cpuSample
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			s.total += v
			// idle (4th) and iowait (5th) are not busy time
			if i != 3 && i != 4 {
				s.busy += v
			}
		}
		return s, s.total > 0
	}
	return cpuSample{}, false
}

// cpuPercent computes utilization between two samples.
func cpuPercent(prev, cur cpuSample) float64 {
	dTotal := cur.total - prev.total
	if prev.total == 0 || dTotal == 0 {
		return 0
	}
	return float64(cur.busy-prev.busy) / float64(dTotal) * 100
}

func readMemInfo() (totalBytes, usedBytes uint64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	return parseMemInfo(string(data))
}

func parseMemInfo(data string) (totalBytes, usedBytes uint64) {
	var total, available uint64
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemAvailable:":
			available = v * 1024
		}
	}
	if total == 0 || available > total {
		return total, 0
	}
	return total, total - available
}

func readLoadAvg() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}

// readNetTotals sums rx/tx bytes over all interfaces except loopback.
func readNetTotals() (rx, tx uint64) {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return 0, 0
	}
	return parseNetTotals(string(data))
}

func parseNetTotals(data string) (rx, tx uint64) {
	for _, line := range strings.Split(data, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		r, _ := strconv.ParseUint(fields[0], 10, 64)
		t, _ := strconv.ParseUint(fields[8], 10, 64)
		rx += r
		tx += t
	}
	return rx, tx
}

func readDiskUsage(path string) (totalBytes, usedBytes uint64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if free > total {
		return total, 0
	}
	return total, total - free
}

// procStat is one process as read from /proc/<pid>/stat.
type procStat struct {
	pid      int
	ppid     int
	cpuTicks uint64 // utime + stime
	rssBytes uint64
}

// readProcTable scans /proc for all processes.
func readProcTable() map[int]procStat {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	table := make(map[int]procStat)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		if ps, ok := parseProcStat(pid, string(data)); ok {
			table[pid] = ps
		}
	}
	return table
}

// parseProcStat parses a /proc/<pid>/stat line. The comm field may
// contain spaces and parentheses, so parsing starts after the last ')'.
func parseProcStat(pid int, data string) (procStat, bool) {
	end := strings.LastIndex(data, ")")
	if end < 0 || end+2 > len(data) {
		return procStat{}, false
	}
	fields := strings.Fields(data[end+2:])
	// After comm: state(0) ppid(1) ... utime(11) stime(12) ... rss(21)
	if len(fields) < 22 {
		return procStat{}, false
	}

	ppid, _ := strconv.Atoi(fields[1])
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	rssPages, _ := strconv.ParseUint(fields[21], 10, 64)

	return procStat{
		pid:      pid,
		ppid:     ppid,
		cpuTicks: utime + stime,
		rssBytes: rssPages * uint64(os.Getpagesize()),
	}, true
}

// treeTotals sums CPU ticks and RSS over root and all its descendants.
func treeTotals(table map[int]procStat, root int) (cpuTicks, rssBytes uint64) {
	children := make(map[int][]int, len(table))
	for pid, ps := range table {
		children[ps.ppid] = append(children[ps.ppid], pid)
	}

	stack := []int{root}
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ps, ok := table[pid]; ok {
			cpuTicks += ps.cpuTicks
			rssBytes += ps.rssBytes
		}
		stack = append(stack, children[pid]...)
	}
	return cpuTicks, rssBytes
}
