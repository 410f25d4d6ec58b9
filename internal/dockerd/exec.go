package dockerd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecSpec describes a command to run inside a container. When Stdin is
// non-nil its contents are piped to the process and the write side closed
// at EOF; restore pipelines use this.
type ExecSpec struct {
	Cmd   []string
	Env   []string
	Stdin io.Reader
}

// ExecOutput is a fully-collected exec result for short commands.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec is a running in-container process with live output streams. Stdout
// and Stderr deliver demultiplexed output as the process produces it; the
// readers see EOF when the process finishes. Close abandons the streams.
type Exec struct {
	stdout io.ReadCloser
	stderr io.ReadCloser

	client   *Client
	execID   string
	hijack   types.HijackedResponse
	copyDone chan struct{}
}

// Stdout is the process's demultiplexed standard output.
func (e *Exec) Stdout() io.ReadCloser { return e.stdout }

// Stderr is the process's demultiplexed standard error.
func (e *Exec) Stderr() io.ReadCloser { return e.stderr }

// StartExec launches cmd inside the container and returns a handle with
// streaming output. The context governs the attach; cancel it to tear the
// stream down early.
func (c *Client) StartExec(ctx context.Context, containerID string, spec ExecSpec) (*Exec, error) {
	created, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  spec.Stdin != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", containerID, err)
	}

	hijack, err := c.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec in %s: %w", containerID, err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	e := &Exec{
		stdout:   outR,
		stderr:   errR,
		client:   c,
		execID:   created.ID,
		hijack:   hijack,
		copyDone: make(chan struct{}),
	}

	// Demultiplex the engine's framed stream into the two pipes. The pipes
	// close when the process exits or the hijacked connection drops.
	go func() {
		defer close(e.copyDone)
		_, err := stdcopy.StdCopy(outW, errW, hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	if spec.Stdin != nil {
		go func() {
			_, _ = io.Copy(hijack.Conn, spec.Stdin)
			_ = hijack.CloseWrite()
		}()
	}

	return e, nil
}

// Wait blocks until the process output is fully drained or the context
// expires, then reports the exit code. On context expiry the stream is
// torn down so the blocked readers unwind.
func (e *Exec) Wait(ctx context.Context) (int, error) {
	select {
	case <-e.copyDone:
	case <-ctx.Done():
		e.hijack.Close()
		return 0, ctx.Err()
	}

	// The stream closing almost always means the process is gone; poll
	// briefly in case inspect lags the stream.
	for {
		inspect, err := e.client.api.ContainerExecInspect(ctx, e.execID)
		if err != nil {
			return 0, fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Close tears down the hijacked connection. Readers blocked on the output
// pipes see EOF.
func (e *Exec) Close() error {
	e.hijack.Close()
	return nil
}

// ExecCollect runs cmd to completion and returns its full output. Used for
// bootstrap SQL, health probes, and size probes where output is small.
func (c *Client) ExecCollect(ctx context.Context, containerID string, spec ExecSpec) (ExecOutput, error) {
	e, err := c.StartExec(ctx, containerID, spec)
	if err != nil {
		return ExecOutput{}, err
	}
	defer e.Close()

	type readResult struct {
		data []byte
		err  error
	}
	stdoutCh := make(chan readResult, 1)
	stderrCh := make(chan readResult, 1)
	go func() {
		b, err := io.ReadAll(e.stdout)
		stdoutCh <- readResult{b, err}
	}()
	go func() {
		b, err := io.ReadAll(e.stderr)
		stderrCh <- readResult{b, err}
	}()

	exitCode, err := e.Wait(ctx)
	if err != nil {
		return ExecOutput{}, err
	}

	stdout := <-stdoutCh
	stderr := <-stderrCh
	out := ExecOutput{
		Stdout:   string(stdout.data),
		Stderr:   string(stderr.data),
		ExitCode: exitCode,
	}
	if stdout.err != nil && stdout.err != io.EOF {
		return out, fmt.Errorf("reading exec stdout: %w", stdout.err)
	}
	if stderr.err != nil && stderr.err != io.EOF {
		return out, fmt.Errorf("reading exec stderr: %w", stderr.err)
	}
	return out, nil
}
