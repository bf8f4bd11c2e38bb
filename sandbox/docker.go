package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// dockerAPI is the subset of the Engine API client used by DockerBackend
type dockerAPI interface {
	ImageList(ctx context.Context, options client.ImageListOptions) (client.ImageListResult, error)
	ImagePull(ctx context.Context, refStr string, options client.ImagePullOptions) (client.ImagePullResponse, error)
	ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ContainerList(ctx context.Context, options client.ContainerListOptions) (client.ContainerListResult, error)
	ContainerStats(ctx context.Context, containerID string, options client.ContainerStatsOptions) (client.ContainerStatsResult, error)
	CopyToContainer(ctx context.Context, containerID string, options client.CopyToContainerOptions) (client.CopyToContainerResult, error)
	ExecCreate(ctx context.Context, containerID string, options client.ExecCreateOptions) (client.ExecCreateResult, error)
	ExecAttach(ctx context.Context, execID string, options client.ExecAttachOptions) (client.ExecAttachResult, error)
	ExecInspect(ctx context.Context, execID string, options client.ExecInspectOptions) (client.ExecInspectResult, error)
}

// statsInterval is how often container memory is sampled during a command
const statsInterval = 250 * time.Millisecond

// DockerBackend provisions containers through the Docker Engine API
type DockerBackend struct {
	logger     *zap.Logger
	api        dockerAPI
	instanceID string
	network    bool
}

// NewDockerBackend connects to the Docker daemon from the environment
// (DOCKER_HOST and friends) or from sandbox.docker_host.
func NewDockerBackend(logger *zap.Logger, cfg *config.Config) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Sandbox.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.Sandbox.DockerHost))
	}

	c, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return newDockerBackend(logger, c, cfg), nil
}

func newDockerBackend(logger *zap.Logger, api dockerAPI, cfg *config.Config) *DockerBackend {
	return &DockerBackend{
		logger:     logger,
		api:        api,
		instanceID: cfg.Sandbox.InstanceID,
		network:    cfg.Sandbox.NetworkEnabled,
	}
}

// Name returns the backend name
func (*DockerBackend) Name() string {
	return "docker"
}

// Provision creates and starts an idle container for one run
func (d *DockerBackend) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	if err := d.Pull(ctx, spec.Image); err != nil {
		return nil, err
	}

	limits := spec.Limits
	cpu := int64(limits.CPUSeconds())
	pids := limits.PIDs

	networkMode := container.NetworkMode("none")
	if d.network {
		networkMode = container.NetworkMode("bridge")
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"tail", "-f", "/dev/null"},
		WorkingDir:      WorkDir,
		Env:             envList(spec.Environment),
		Labels:          containerLabels(d.instanceID, spec.ID),
		NetworkDisabled: !d.network,
	}
	host := &container.HostConfig{
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes, // no swap
			PidsLimit:  &pids,
			Ulimits: []*container.Ulimit{
				{Name: "cpu", Soft: cpu, Hard: cpu + 1},
			},
		},
	}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       containerName(spec.ID),
		Config:     cfg,
		HostConfig: host,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	env := &dockerEnvironment{
		backend:     d,
		id:          resp.ID,
		memoryLimit: limits.MemoryBytes,
		cpuLimit:    limits.CPUTime,
	}

	if _, err := d.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		if rmErr := env.Destroy(context.WithoutCancel(ctx)); rmErr != nil {
			d.logger.Error("failed to remove container after failed start", zap.String("container", resp.ID), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Debug("container started",
		zap.String("container", resp.ID),
		zap.String("image", spec.Image))

	return env, nil
}

// Pull fetches image unless it is already present locally
func (d *DockerBackend) Pull(ctx context.Context, image string) error {
	filters := client.Filters{}
	filters.Add("reference", image)
	images, err := d.api.ImageList(ctx, client.ImageListOptions{
		Filters: filters,
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	if len(images.Items) > 0 {
		return nil
	}

	d.logger.Info("local image not found, pulling from registry", zap.String("image", image))
	reader, err := d.api.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if err := reader.Wait(ctx); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// Reap removes every container labelled with this instance's id
func (d *DockerBackend) Reap(ctx context.Context) (int, error) {
	filters := client.Filters{}
	filters.Add("label", instanceFilter(d.instanceID))
	list, err := d.api.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: filters,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list leftover containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range list.Items {
		if _, err := d.api.ContainerRemove(ctx, c.ID, client.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", c.ID, err))
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// dockerEnvironment is one container driven through the Engine API
type dockerEnvironment struct {
	backend     *DockerBackend
	id          string
	memoryLimit int64
	cpuLimit    time.Duration
}

func (e *dockerEnvironment) WriteFile(ctx context.Context, name string, data []byte) error {
	archive, err := tarFiles(WorkDir, map[string][]byte{name: data})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}

	_, err = e.backend.api.CopyToContainer(ctx, e.id, client.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
		DestinationPath:           "/",
		Content:                   bytes.NewReader(archive),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", name, err)
	}
	return nil
}

func (e *dockerEnvironment) Exec(ctx context.Context, req ExecRequest) (ExecOutcome, error) {
	before := e.counters(ctx)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	peak := make(chan int64, 1)
	go e.monitorMemory(monitorCtx, req, peak)

	cmd := []string{"sh", "-c", shellCommand(req.Command, req.StdinFile)}
	code, err := e.exec(ctx, cmd, writerOrDiscard(req.Stdout), writerOrDiscard(req.Stderr))

	stopMonitor()
	maxMemory := <-peak

	if err != nil {
		return ExecOutcome{ExitCode: -1}, err
	}

	outcome := ExecOutcome{ExitCode: code}
	switch {
	case code == exitSIGKILL && e.memoryLimit > 0 && maxMemory >= e.memoryLimit:
		outcome.Exceeded = ResourceMemory
	case code == exitSIGKILL || code == exitSIGXCPU:
		outcome.Exceeded = confirmExceeded(code, before, e.counters(ctx), e.cpuLimit)
	}
	return outcome, nil
}

// exec runs cmd in the container, copies its demultiplexed output and
// returns its exit code
func (e *dockerEnvironment) exec(ctx context.Context, cmd []string, stdout, stderr io.Writer) (int, error) {
	api := e.backend.api

	created, err := api.ExecCreate(ctx, e.id, client.ExecCreateOptions{
		Cmd:          cmd,
		WorkingDir:   WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := api.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err = <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		// closing the connection unblocks the copier; the process itself is
		// killed when the container is removed
		attach.Close()
		<-done
		return -1, ctx.Err()
	}

	inspect, err := api.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// counters snapshots the container's cgroup counters
func (e *dockerEnvironment) counters(ctx context.Context) cgroupCounters {
	var out bytes.Buffer
	code, err := e.exec(ctx, []string{"sh", "-c", cgroupCountersScript}, &out, io.Discard)
	if err != nil || code != 0 {
		e.backend.logger.Debug("reading cgroup counters failed",
			zap.String("container", e.id),
			zap.Int("exit_code", code),
			zap.Error(err))
		return cgroupCounters{}
	}
	return parseCgroupCounters(out.String())
}

// monitorMemory samples the container's resident memory until ctx is done
// and sends the peak on out. Reaching the limit is reported immediately.
func (e *dockerEnvironment) monitorMemory(ctx context.Context, req ExecRequest, out chan<- int64) {
	var maxMemory int64
	defer func() { out <- maxMemory }()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := e.sampleMemory(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.backend.logger.Debug("container stats failed", zap.String("container", e.id), zap.Error(err))
				}
				continue
			}
			if current > maxMemory {
				maxMemory = current
			}
			if e.memoryLimit > 0 && maxMemory >= e.memoryLimit {
				req.exceed(ResourceMemory)
				return
			}
		}
	}
}

func (e *dockerEnvironment) sampleMemory(ctx context.Context) (int64, error) {
	stats, err := e.backend.api.ContainerStats(ctx, e.id, client.ContainerStatsOptions{})
	if err != nil {
		return 0, err
	}
	defer stats.Body.Close()

	var data container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&data); err != nil {
		return 0, err
	}

	// cgroup v1 reports rss, v2 reports anon
	rss, ok := data.MemoryStats.Stats["rss"]
	if !ok {
		rss = data.MemoryStats.Stats["anon"]
	}
	return int64(rss), nil //nolint:gosec // memory sizes fit in int64
}

func (e *dockerEnvironment) Destroy(ctx context.Context) error {
	_, err := e.backend.api.ContainerRemove(ctx, e.id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", e.id, err)
	}
	return nil
}
