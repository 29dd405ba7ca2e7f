package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/crawlpoint/crawlpoint/internal/logging"
)

const (
	containerNamePrefix = "cp-run-"

	labelRunID   = "crawlpoint.run.id"
	labelManaged = "crawlpoint.managed"

	// ContainerStoragePath is where the storage dir is mounted inside the
	// container; injected as the storage-root env var by the orchestrator.
	ContainerStoragePath = "/home/actor/storage"
)

// DockerConfig holds Docker runtime settings.
type DockerConfig struct {
	Host    string // empty = environment default
	Network string // optional network to attach containers to
}

// DockerRuntime implements Runtime against a local Docker daemon.
type DockerRuntime struct {
	client *client.Client
	config DockerConfig
}

func NewDockerRuntime(ctx context.Context, cfg DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	rt := &DockerRuntime{client: cli, config: cfg}
	if err := rt.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return rt, nil
}

var _ Runtime = (*DockerRuntime)(nil)

func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerRuntime) Execute(ctx context.Context, spec Spec, onLine func(LogLine)) (int, error) {
	if err := d.pullImage(ctx, spec.Image); err != nil {
		return 0, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelRunID:   spec.RunID,
			labelManaged: "true",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: int64(spec.MemoryMbytes) * 1024 * 1024,
		},
		AutoRemove: false,
	}
	if spec.StorageDir != "" {
		hostConfig.Binds = []string{spec.StorageDir + ":" + ContainerStoragePath}
	}

	var networkConfig *network.NetworkingConfig
	if d.config.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.config.Network: {},
			},
		}
	}

	name := containerNamePrefix + spec.RunID
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer d.removeContainer(containerID)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("start container: %w", err)
	}

	// Stream demultiplexed output. The stream is framed: the first byte of
	// each frame header names the channel, stdcopy splits it for us.
	logCtx, logCancel := context.WithCancel(context.Background())
	defer logCancel()
	logDone := d.streamLogs(logCtx, containerID, onLine)

	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		<-logDone
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			// Deadline or abort: stop the container and report its final
			// exit code through a fresh (uncancelled) wait.
			return d.stopAndCollect(containerID, logDone)
		}
		return 0, fmt.Errorf("container wait: %w", err)
	}
}

func (d *DockerRuntime) stopAndCollect(containerID string, logDone <-chan struct{}) (int, error) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := 10
	if err := d.client.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		logging.Op().Warn("container stop failed", "container", containerID, "error", err)
	}

	waitCh, errCh := d.client.ContainerWait(stopCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		<-logDone
		return int(status.StatusCode), nil
	case err := <-errCh:
		return 137, fmt.Errorf("container wait after stop: %w", err)
	}
}

// streamLogs follows the container's output, demultiplexes the stdout and
// stderr channels, and feeds whole lines to onLine. The returned channel
// closes when the log stream ends.
func (d *DockerRuntime) streamLogs(ctx context.Context, containerID string, onLine func(LogLine)) <-chan struct{} {
	done := make(chan struct{})

	logReader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logging.Op().Warn("container log stream failed", "container", containerID, "error", err)
		close(done)
		return done
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go lineReader(&wg, stdoutR, false, onLine)
	go lineReader(&wg, stderrR, true, onLine)

	go func() {
		defer close(done)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logReader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		logReader.Close()
		wg.Wait()
	}()

	return done
}

func lineReader(wg *sync.WaitGroup, r io.Reader, stderr bool, onLine func(LogLine)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		onLine(LogLine{Text: line, Stderr: stderr})
	}
}

func (d *DockerRuntime) Stop(ctx context.Context, runID string, grace time.Duration) error {
	containerID, err := d.findContainer(ctx, runID)
	if err != nil {
		return err
	}

	timeout := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container for run %s: %w", runID, err)
	}
	return nil
}

func (d *DockerRuntime) findContainer(ctx context.Context, runID string) (string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelRunID+"="+runID),
		),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("no container for run %s", runID)
	}
	return containers[0].ID, nil
}

func (d *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	// Skip the pull when the image is already local.
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the progress stream; the pull completes when it ends.
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logging.Op().Warn("container remove failed", "container", containerID, "error", err)
	}
}
