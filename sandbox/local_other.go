//go:build !linux

package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/isdmx/runbox/governor"
)

var errLocalUnsupported = errors.New("the local backend requires linux")

func configureProcess(*exec.Cmd) {}

func applyLimits(int, governor.Limits, bool) error {
	return errLocalUnsupported
}

func killProcessGroup(int) {}

func processOutcome(state *os.ProcessState, _ governor.Limits) (int, string) {
	return state.ExitCode(), ""
}

type cgroupLeaf struct{}

func newCgroupLeaf(string, string, governor.Limits) (*cgroupLeaf, error) {
	return nil, errLocalUnsupported
}

func (*cgroupLeaf) attach(*exec.Cmd) (func(), error) { return func() {}, nil }

func (*cgroupLeaf) counters() cgroupCounters { return cgroupCounters{} }

func (*cgroupLeaf) kill() {}

func (*cgroupLeaf) remove(context.Context) error { return nil }
