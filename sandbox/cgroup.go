package sandbox

import (
	"strconv"
	"strings"
	"time"
)

// cgroupCountersScript prints the memory and CPU counters of the cgroup the
// shell runs in. cgroup v2 files come first; on v1 the oom_kill line lives in
// memory.oom_control and CPU time in cpuacct.usage (nanoseconds).
const cgroupCountersScript = "cat /sys/fs/cgroup/memory.events /sys/fs/cgroup/cpu.stat " +
	"/sys/fs/cgroup/memory/memory.oom_control 2>/dev/null; " +
	"echo cpuacct_usage $(cat /sys/fs/cgroup/cpuacct/cpuacct.usage 2>/dev/null); true"

// cgroupCounters is a snapshot of the counters that prove a limit breach
type cgroupCounters struct {
	OOMKills int64
	CPUUsage time.Duration
	ok       bool
}

// parseCgroupCounters reads the "key value" lines of memory.events,
// memory.oom_control, cpu.stat and the cpuacct_usage line printed by
// cgroupCountersScript. Unknown keys are ignored.
func parseCgroupCounters(text string) cgroupCounters {
	var c cgroupCounters
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "oom_kill":
			c.OOMKills = val
			c.ok = true
		case "usage_usec":
			c.CPUUsage = time.Duration(val) * time.Microsecond
			c.ok = true
		case "cpuacct_usage":
			c.CPUUsage = time.Duration(val)
			c.ok = true
		}
	}
	return c
}

// confirmExceeded names the ceiling that killed a command exiting with code.
// A program can exit 137 or 152 on its own, so the status only counts when
// the counters moved across the command: an OOM kill in the cgroup, or CPU
// usage reaching cpuLimit. When either snapshot is missing the exit status
// is all there is to go on.
func confirmExceeded(code int, before, after cgroupCounters, cpuLimit time.Duration) string {
	if code != exitSIGKILL && code != exitSIGXCPU {
		return ""
	}
	if !before.ok || !after.ok {
		return exceededFromExit(code)
	}
	if code == exitSIGKILL && after.OOMKills > before.OOMKills {
		return ResourceMemory
	}
	if cpuLimit > 0 && after.CPUUsage-before.CPUUsage >= cpuLimit {
		return ResourceCPU
	}
	return ""
}
