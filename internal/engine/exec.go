package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// cappedWriter buffers up to max bytes and drops the rest, remembering
// that truncation happened so the marker can be appended once.
type cappedWriter struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.truncated {
		return len(p), nil
	}
	remain := w.max - int64(w.buf.Len())
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remain {
		w.buf.Write(p[:remain])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *cappedWriter) String() string {
	if w.truncated {
		return w.buf.String() + TruncationMarker
	}
	return w.buf.String()
}

// Exec runs argv inside a running container, demuxing the engine's
// multiplexed frames into capped stdout/stderr buffers. The deadline is
// enforced by closing the exec stream.
func (e *DockerEngine) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errdefs.Validationf("empty command")
	}

	maxStdout := opts.MaxStdout
	if maxStdout <= 0 {
		maxStdout = DefaultMaxStdout
	}
	maxStderr := opts.MaxStderr
	if maxStderr <= 0 {
		maxStderr = DefaultMaxStderr
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := e.cli.ContainerExecCreate(execCtx, id, types.ExecConfig{
		Cmd:          argv,
		Env:          env,
		WorkingDir:   opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != "",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create: %v", errdefs.ErrContainer, err)
	}

	attach, err := e.cli.ContainerExecAttach(execCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %v", errdefs.ErrContainer, err)
	}
	defer attach.Close()

	start := time.Now()

	if opts.Stdin != "" {
		if _, err := io.WriteString(attach.Conn, opts.Stdin); err == nil {
			if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		}
	}

	stdout := &cappedWriter{max: maxStdout}
	stderr := &cappedWriter{max: maxStderr}

	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-execCtx.Done():
		// Closing the hijacked stream aborts the copy; the exec process
		// keeps running inside the container until the container is
		// destroyed.
		attach.Close()
		<-done
		return nil, fmt.Errorf("%w after %s", errdefs.ErrTimeout, opts.Timeout)
	case copyErr := <-done:
		if copyErr != nil && execCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", errdefs.ErrTimeout, opts.Timeout)
		}
		if copyErr != nil {
			return nil, fmt.Errorf("%w: exec stream: %v", errdefs.ErrContainer, copyErr)
		}
	}

	duration := time.Since(start)

	inspect, err := e.cli.ContainerExecInspect(context.Background(), created.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: exec inspect: %v", errdefs.ErrContainer, err)
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: duration,
	}

	if inspect.ExitCode == 137 {
		if info, ierr := e.cli.ContainerInspect(context.Background(), id); ierr == nil && info.State != nil && info.State.OOMKilled {
			return result, fmt.Errorf("%w: container killed (OOM)", errdefs.ErrResourceLimit)
		}
	}

	return result, nil
}

// Stats reads a one-shot usage sample for a container.
func (e *DockerEngine) Stats(ctx context.Context, id string) (*ContainerStats, error) {
	resp, err := e.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", errdefs.ErrContainer, err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("%w: stats decode: %v", errdefs.ErrContainer, err)
	}

	stats := &ContainerStats{
		CPUMillis:     int64(raw.CPUStats.CPUUsage.TotalUsage / 1e6),
		PeakMemoryMiB: float64(raw.MemoryStats.MaxUsage) / (1024 * 1024),
	}
	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			stats.DiskReadMiB += float64(entry.Value) / (1024 * 1024)
		case "Write", "write":
			stats.DiskWriteMiB += float64(entry.Value) / (1024 * 1024)
		}
	}
	return stats, nil
}
