package host

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/metric"
	"github.com/crosswire/crosswire/types"
)

// SpawnOptions configures a child extension process.
type SpawnOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Config  map[string]any
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// osProcess adapts *exec.Cmd to the process interface.
type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Signal() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *osProcess) Kill() error   { return p.cmd.Process.Kill() }

// Spawn starts the child process, performs the hello/ready handshake over
// its stdio, and returns a live adapter. The child's stderr is streamed to
// the logger line by line. A supervisor goroutine reaps the process and
// fails all pending calls when it exits for any reason.
func Spawn(ctx context.Context, opts SpawnOptions) (*Adapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// CommandContext is the last-resort leak guard: cancelling ctx kills
	// the child even if the adapter's own shutdown path never ran.
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapFatal(err, "host", "Spawn", "stdin pipe setup")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapFatal(err, "host", "Spawn", "stdout pipe setup")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.WrapFatal(err, "host", "Spawn", "stderr pipe setup")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapTransient(err, "host", "Spawn", "process start")
	}
	logger.Info("extension process started", "command", opts.Command, "pid", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Warn("extension stderr", "line", scanner.Text())
		}
	}()

	adapter, err := attach(logger, opts.Metrics, stdout, stdin, &osProcess{cmd: cmd}, opts.Config)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	go func() {
		waitErr := cmd.Wait()
		if adapter.IsRunning() {
			adapter.logger.Warn("extension process exited", "error", waitErr)
		} else {
			adapter.logger.Info("extension process exited")
		}
		adapter.shutdown()
	}()

	return adapter, nil
}

// HealthFromLiveness derives a health status purely from process liveness,
// used when a probe is not wanted.
func HealthFromLiveness(a *Adapter) types.HealthStatus {
	return types.HealthStatus{
		Healthy: a.IsRunning(),
		Details: map[string]any{"remote": true, "running": a.IsRunning()},
	}
}
