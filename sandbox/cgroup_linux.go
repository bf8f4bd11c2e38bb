package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/isdmx/runbox/governor"
)

// cgroupRemoveInterval is how often removal of a still populated leaf is retried
const cgroupRemoveInterval = 10 * time.Millisecond

// cgroupLeaf is a cgroup v2 directory holding every process of one local
// environment. Memory is capped by memory.max, so a breach ends in an OOM
// kill that memory.events records instead of a failed allocation.
type cgroupLeaf struct {
	path string
}

// newCgroupLeaf creates root/name with the memory and pids limits applied.
// root must be a delegated cgroup with no processes of its own.
func newCgroupLeaf(root, name string, limits governor.Limits) (*cgroupLeaf, error) {
	// fails harmlessly when the controllers are already enabled
	_ = writeCgroupValue(root, "cgroup.subtree_control", "+memory +pids")

	path := filepath.Join(root, name)
	if err := os.Mkdir(path, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create cgroup: %w", err)
	}
	leaf := &cgroupLeaf{path: path}

	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}

	values := []struct {
		file  string
		value string
	}{
		{"memory.max", strconv.FormatInt(limits.MemoryBytes, 10)},
		{"memory.swap.max", "0"},
		{"pids.max", pids},
	}
	for _, v := range values {
		err := writeCgroupValue(path, v.file, v.value)
		if err == nil {
			continue
		}
		// memory.swap.max only exists with swap accounting
		if v.file == "memory.swap.max" && errors.Is(err, fs.ErrNotExist) {
			continue
		}
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to set %s: %w", v.file, err)
	}

	return leaf, nil
}

// attach makes cmd start inside the leaf. The returned func releases the
// directory handle once the process has started.
func (c *cgroupLeaf) attach(cmd *exec.Cmd) (func(), error) {
	dir, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cgroup: %w", err)
	}
	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = int(dir.Fd()) //nolint:gosec // file descriptors fit in int
	return func() { _ = dir.Close() }, nil
}

func (c *cgroupLeaf) counters() cgroupCounters {
	var text strings.Builder
	for _, name := range []string{"memory.events", "cpu.stat"} {
		data, err := os.ReadFile(filepath.Join(c.path, name))
		if err != nil {
			continue
		}
		text.Write(data)
		text.WriteByte('\n')
	}
	return parseCgroupCounters(text.String())
}

// kill stops every process in the leaf (cgroup.kill needs linux 5.14)
func (c *cgroupLeaf) kill() {
	_ = writeCgroupValue(c.path, "cgroup.kill", "1")
}

// remove deletes the leaf, waiting for killed processes to leave it
func (c *cgroupLeaf) remove(ctx context.Context) error {
	for {
		err := os.Remove(c.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to remove cgroup %s: %w", c.path, err)
		case <-time.After(cgroupRemoveInterval):
		}
	}
}

func writeCgroupValue(path, name, value string) error {
	return os.WriteFile(filepath.Join(path, name), []byte(value), FilePermission)
}
