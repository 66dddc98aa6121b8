package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// SandboxRunner executes a task inside an isolated, disposable container:
// no network, no extra capabilities, bounded by the task's timeout. One
// run-to-completion container per task invocation; inputs arrive on stdin
// and stdout is the task output.
type SandboxRunner struct {
	Docker *client.Client
	Image  string
}

// NewSandboxRunner connects to the local Docker daemon using the standard
// environment-derived configuration.
func NewSandboxRunner(image string) (*SandboxRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}
	return &SandboxRunner{Docker: cli, Image: image}, nil
}

// Run serializes task.Inputs as the container's stdin payload, runs it with
// networking disabled and all capabilities dropped, and collects stdout as
// the task output.
func (r *SandboxRunner) Run(ctx context.Context, task dag.Task) (Status, any, error) {
	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(task.Inputs)
	if err != nil {
		return StatusErr, nil, fmt.Errorf("sandbox: marshal inputs: %w", err)
	}

	resp, err := r.Docker.ContainerCreate(runCtx, &container.Config{
		Image:        r.Image,
		Cmd:          []string{task.Plugin},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		Env:          []string{"GLYPHCTL_TASK=" + task.Name},
	}, &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return StatusErr, nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	attach, err := r.Docker.ContainerAttach(runCtx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return StatusErr, nil, fmt.Errorf("sandbox: attach: %w", err)
	}
	defer attach.Close()

	if err := r.Docker.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return StatusErr, nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	if _, err := attach.Conn.Write(payload); err != nil {
		return StatusErr, nil, fmt.Errorf("sandbox: write stdin: %w", err)
	}
	attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	statusCh, errCh := r.Docker.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return StatusErr, nil, fmt.Errorf("sandbox: wait: %w", err)
	case status := <-statusCh:
		<-copyDone
		if status.StatusCode != 0 {
			return StatusErr, stdout.String(), fmt.Errorf("sandbox: exit code %d: %s", status.StatusCode, stderr.String())
		}
		return StatusOK, stdout.String(), nil
	case <-runCtx.Done():
		_ = r.Docker.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		return StatusTimeout, nil, runCtx.Err()
	}
}

var _ io.Closer = (*SandboxRunner)(nil)

// Close releases the underlying Docker client connection.
func (r *SandboxRunner) Close() error {
	return r.Docker.Close()
}
