package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/isdmx/runbox/governor"
)

// configureProcess puts the command in its own process group so that the
// whole tree can be killed, and kills that group on cancellation.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Cancel = func() error {
		killProcessGroup(cmd.Process.Pid)
		return nil
	}
}

// applyLimits sets the CPU rlimit of a started process and, unless a cgroup
// caps its memory, the address-space rlimit. Children inherit them.
func applyLimits(pid int, limits governor.Limits, addressSpace bool) error {
	cpu := limits.CPUSeconds()
	if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu + 1}, nil); err != nil {
		return err
	}
	if !addressSpace {
		return nil
	}
	mem := uint64(limits.MemoryBytes) //nolint:gosec // validated positive
	return unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: mem, Max: mem}, nil)
}

func killProcessGroup(pgid int) {
	if pgid <= 0 {
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// processOutcome converts a finished process into a shell-style exit code
// and the resource it exceeded, if any
func processOutcome(state *os.ProcessState, limits governor.Limits) (int, string) {
	code := state.ExitCode()
	exceeded := ""

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		code = 128 + int(sig)
		// a process may raise either signal itself; only a spent CPU
		// allowance makes it a breach
		if (sig == syscall.SIGXCPU || sig == syscall.SIGKILL) && state.UserTime()+state.SystemTime() >= limits.CPUTime {
			exceeded = ResourceCPU
		}
	}

	if exceeded == "" {
		if usage, ok := state.SysUsage().(*syscall.Rusage); ok && usage.Maxrss*1024 >= limits.MemoryBytes {
			exceeded = ResourceMemory
		}
	}

	return code, exceeded
}
