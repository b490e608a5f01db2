package wrapper

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/logging"
)

// RunLabel tags every container started by the harness with its run name.
const RunLabel = "effbench.run"

// ContainerAPI is the subset of the docker client used to drive a workload.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ContainerLauncher runs the workload in a docker container. The image must
// already be present on the host.
type ContainerLauncher struct {
	API    ContainerAPI
	Logger *logging.Logger
}

// NewContainerLauncher connects to the docker daemon from the environment.
func NewContainerLauncher(logger *logging.Logger) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "connect to docker", err)
	}
	return &ContainerLauncher{API: cli, Logger: logger}, nil
}

// Close releases the docker client.
func (l *ContainerLauncher) Close() error {
	if c, ok := l.API.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// containerConfig maps a spec onto docker create parameters.
func containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        envList(spec.Env),
		WorkingDir: spec.WorkDir,
		Tty:        spec.TTY,
		Labels:     map[string]string{RunLabel: spec.Name},
	}
	if spec.Interactive {
		cfg.OpenStdin = true
		cfg.StdinOnce = true
		cfg.AttachStdin = true
	}
	cfg.AttachStdout = true
	cfg.AttachStderr = true

	host := &container.HostConfig{
		Binds:      append([]string(nil), spec.Volumes...),
		Privileged: spec.Privileged,
		AutoRemove: spec.AutoRemove,
	}
	return cfg, host
}

// Prepare implements Launcher. The container is created and attached, so
// its ID is known, but not started until Workload.Start.
func (l *ContainerLauncher) Prepare(ctx context.Context, spec Spec) (*Workload, error) {
	if spec.Image == "" {
		return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "no image given", nil)
	}
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("workload")

	w := newWorkload(spec.Name)
	cfg, hostCfg := containerConfig(spec)

	created, err := l.API.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		w.emitEvent(StateFailed, fmt.Sprintf("Failed to create container: %v", err))
		return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch,
			fmt.Sprintf("create container from %s", spec.Image), err)
	}
	w.containerID = created.ID
	for _, warning := range created.Warnings {
		logger.Warn("Docker warning", map[string]interface{}{"warning": warning})
	}

	hijack, err := l.API.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  spec.Interactive,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(created.ID)
		w.emitEvent(StateFailed, fmt.Sprintf("attach container: %v", err))
		return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "attach container", err)
	}

	// Registered before start so a fast exit is not missed
	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitCh, waitErrCh := l.API.ContainerWait(waitCtx, created.ID, container.WaitConditionNextExit)

	stderr := logger.LineWriter(logging.INFO)
	var stdout io.Writer = stderr
	if spec.Interactive {
		pr, pw := io.Pipe()
		stdout = pw
		w.Stdout = pr
		w.Stdin = &hijackStdin{conn: hijack.Conn, closeWrite: hijack.CloseWrite}
	}
	go func() {
		var copyErr error
		if spec.TTY {
			_, copyErr = io.Copy(stdout, hijack.Reader)
		} else {
			_, copyErr = stdcopy.StdCopy(stdout, stderr, hijack.Reader)
		}
		if pw, ok := stdout.(*io.PipeWriter); ok {
			pw.CloseWithError(copyErr)
		}
		stderr.Close()
	}()

	w.release = func(context.Context) error {
		cancelWait()
		hijack.Close()
		if err := l.remove(created.ID); err != nil {
			return berrors.New(berrors.ErrTeardownFailure, berrors.PhaseLaunch, "remove unstarted container", err)
		}
		return nil
	}

	w.start = func(ctx context.Context) error {
		if err := l.API.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			w.emitEvent(StateFailed, fmt.Sprintf("start container: %v", err))
			return berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "start container", err)
		}

		info, err := l.API.ContainerInspect(ctx, created.ID)
		if err == nil && info.ContainerJSONBase != nil && info.State != nil {
			w.setPID(info.State.Pid)
		}
		w.emitEvent(StateRunning, fmt.Sprintf("Container %s started", shortID(created.ID)))
		logger.Info("Container started", map[string]interface{}{
			"container": shortID(created.ID),
			"image":     spec.Image,
			"pid":       w.PID(),
		})

		go func() {
			defer cancelWait()
			code, oom := -1, false
			select {
			case resp := <-waitCh:
				code = int(resp.StatusCode)
				if resp.Error != nil {
					logger.Warn("Container wait reported an error", map[string]interface{}{"error": resp.Error.Message})
				}
			case err := <-waitErrCh:
				logger.Warn("Container wait failed", map[string]interface{}{"error": err.Error()})
			}
			inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if info, err := l.API.ContainerInspect(inspectCtx, created.ID); err == nil && info.ContainerJSONBase != nil && info.State != nil {
				oom = info.State.OOMKilled
			}
			cancel()

			reason := ExitReasonFromCode(code, oom)
			state := StateFailed
			msg := fmt.Sprintf("Exited with code %d", code)
			switch {
			case code == 0:
				state, msg = StateCompleted, "Completed successfully"
			case reason == ExitReasonSignal || reason == ExitReasonOOM:
				state = StateKilled
			}
			w.exited(code, reason, state, msg)
			logger.Info("Container exited", map[string]interface{}{
				"container": shortID(created.ID),
				"exit_code": code,
				"reason":    string(reason),
			})
		}()

		w.stop = func(ctx context.Context) error {
			defer hijack.Close()
			return l.stop(ctx, w, spec.grace())
		}
		return nil
	}
	return w, nil
}

func (l *ContainerLauncher) stop(ctx context.Context, w *Workload, grace time.Duration) error {
	id := w.containerID
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	var firstErr error
	if w.Alive() {
		if err := l.kill(ctx, id, "SIGTERM"); err != nil {
			firstErr = err
		}
		if !waitDone(ctx, w, grace) {
			if err := l.kill(ctx, id, "SIGKILL"); err != nil && firstErr == nil {
				firstErr = err
			}
			if !waitDone(ctx, w, killWait) && firstErr == nil {
				firstErr = fmt.Errorf("container %s survived SIGKILL", shortID(id))
			}
		}
	}
	if err := l.remove(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return berrors.New(berrors.ErrTeardownFailure, berrors.PhaseLaunch, "tear down container", firstErr)
	}
	return nil
}

func (l *ContainerLauncher) kill(ctx context.Context, id, signal string) error {
	err := l.API.ContainerKill(ctx, id, signal)
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return err
}

// remove deletes the container, tolerating auto-removal racing us.
func (l *ContainerLauncher) remove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := l.API.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func waitDone(ctx context.Context, w *Workload, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// hijackStdin closes only the write half so the workload sees EOF while its
// output is still being read.
type hijackStdin struct {
	conn       net.Conn
	closeWrite func() error
}

func (h *hijackStdin) Write(p []byte) (int, error) {
	return h.conn.Write(p)
}

func (h *hijackStdin) Close() error {
	return h.closeWrite()
}
