package sandbox

import (
	"fmt"
	"sort"
)

// Labels attached to every container so leftovers can be found after a crash
const (
	LabelManaged  = "runbox.managed"
	LabelInstance = "runbox.instance"
	LabelSandbox  = "runbox.sandbox"
)

// namePrefix prefixes container names and local workspace directories
const namePrefix = "runbox-"

func containerName(id string) string {
	return namePrefix + id
}

func containerLabels(instanceID, sandboxID string) map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelInstance: instanceID,
		LabelSandbox:  sandboxID,
	}
}

func instanceFilter(instanceID string) string {
	return fmt.Sprintf("%s=%s", LabelInstance, instanceID)
}

// envList renders env as sorted KEY=VALUE pairs
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
