package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/go-shellwords"
	"github.com/google/uuid"

	"github.com/mattjoyce/multiplot/internal/dispatch"
	"github.com/mattjoyce/multiplot/internal/jobargs"
	"github.com/mattjoyce/multiplot/internal/log"
	"github.com/mattjoyce/multiplot/internal/protocol"
)

const (
	// maxCaptureBytes caps the amount of stdout/stderr kept per job.
	maxCaptureBytes = 64 * 1024

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultTimeout bounds a single job when no timeout is configured.
	DefaultTimeout = 30 * time.Minute
)

// Mode selects how the job argument reaches the renderer.
type Mode string

const (
	// ModeArgs appends the split argument to the renderer's command line.
	ModeArgs Mode = "args"
	// ModeProtocol writes a protocol.Request to stdin and reads a protocol.Response.
	ModeProtocol Mode = "protocol"
)

// Config describes the renderer executable.
type Config struct {
	Entrypoint string
	BaseArgs   []string // always passed before the job's argv
	Mode       Mode
	Timeout    time.Duration
	Grace      time.Duration
	Dir        string
	Env        []string // appended to the inherited environment
}

// Exec runs each job as a renderer subprocess. It is safe for concurrent use;
// every Run spawns its own process.
type Exec struct {
	cfg    Config
	logger *slog.Logger
}

// NewExec validates cfg and returns a runner for it.
func NewExec(cfg Config, logger *slog.Logger) (*Exec, error) {
	if cfg.Entrypoint == "" {
		return nil, fmt.Errorf("renderer entrypoint is empty")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeArgs
	case ModeArgs, ModeProtocol:
	default:
		return nil, fmt.Errorf("unknown runner mode %q", cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = log.WithComponent("runner")
	}
	return &Exec{cfg: cfg, logger: logger}, nil
}

var _ dispatch.Runner = (*Exec)(nil)

// SplitArgument splits a job argument into argv using shell quoting rules.
// A null argument yields no arguments.
func SplitArgument(arg jobargs.Argument) ([]string, error) {
	if arg.IsNull() {
		return nil, nil
	}
	argv, err := shellwords.Parse(arg.Text)
	if err != nil {
		return nil, fmt.Errorf("split job argument: %w", err)
	}
	return argv, nil
}

// Run executes one job and returns nil only if the renderer succeeded.
func (e *Exec) Run(ctx context.Context, arg jobargs.Argument) error {
	jobID := uuid.NewString()
	jobLogger := e.logger.With("job_id", jobID)

	argv, err := SplitArgument(arg)
	if err != nil {
		jobLogger.Warn("rejecting job argument", "argument", arg.String(), "error", err)
		return fmt.Errorf("%w: %w", dispatch.ErrDeliberateExit, err)
	}

	cmdArgs := append([]string{}, e.cfg.BaseArgs...)
	var stdin []byte

	if e.cfg.Mode == ModeProtocol {
		req := &protocol.Request{
			Protocol:   protocol.Version,
			JobID:      jobID,
			Argv:       argv,
			DeadlineAt: time.Now().Add(e.cfg.Timeout),
		}
		if !arg.IsNull() {
			req.Argument = &arg.Text
		}
		var buf bytes.Buffer
		if err := protocol.EncodeRequest(&buf, req); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		stdin = buf.Bytes()
	} else {
		cmdArgs = append(cmdArgs, argv...)
	}

	jobLogger.Info("starting renderer", "argument", arg.String())
	started := time.Now()
	out, err := e.spawn(ctx, cmdArgs, stdin, jobLogger)
	if err != nil {
		return err
	}

	if out.exitCode < 0 {
		jobLogger.Error("renderer was killed by a signal", "stderr", lastLine(out.stderr))
		return fmt.Errorf("renderer killed by signal")
	}
	if out.exitCode != 0 {
		if e.cfg.Mode == ModeProtocol {
			if resp, _, derr := protocol.DecodeResponseLenient(bytes.NewReader(out.stdout)); derr == nil && !resp.OK() {
				e.logResponse(jobLogger, resp)
				return &RenderError{Message: resp.Error, Stderr: out.stderr}
			}
		}
		jobLogger.Warn("renderer exited with non-zero status", "exit_code", out.exitCode)
		return &ExitError{Code: out.exitCode, Stderr: out.stderr}
	}

	if e.cfg.Mode == ModeProtocol {
		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(out.stdout))
		if err != nil {
			jobLogger.Error("failed to decode renderer response", "error", err, "stdout", truncate(string(raw)))
			return fmt.Errorf("decode response: %w", err)
		}
		e.logResponse(jobLogger, resp)
		if !resp.OK() {
			return &RenderError{Message: resp.Error, Stderr: out.stderr}
		}
	} else if len(out.stdout) > 0 {
		jobLogger.Debug("renderer output", "stdout", string(out.stdout))
	}

	jobLogger.Info("job completed successfully", "duration", time.Since(started))
	return nil
}

func (e *Exec) logResponse(logger *slog.Logger, resp *protocol.Response) {
	for _, entry := range resp.Logs {
		logger.Log(context.Background(), rendererLevel(entry.Level), "renderer log", "message", entry.Message)
	}
	if len(resp.Outputs) > 0 {
		logger.Info("renderer wrote outputs", "outputs", resp.Outputs)
	}
}

func rendererLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type processOutput struct {
	exitCode int
	stdout   []byte
	stderr   string
}

// spawn runs the renderer to completion. A non-zero exit is reported through
// processOutput.exitCode; returned errors mean the process could not run or
// had to be terminated.
func (e *Exec) spawn(ctx context.Context, args []string, stdin []byte, logger *slog.Logger) (*processOutput, error) {
	timeoutTimer := time.NewTimer(e.cfg.Timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is SIGTERM first, SIGKILL after the grace period.
	cmd := exec.Command(e.cfg.Entrypoint, args...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.cfg.Env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning renderer", "entrypoint", e.cfg.Entrypoint, "args", args, "timeout", e.cfg.Timeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start renderer: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopErr error
	select {
	case err := <-waitErr:
		out := &processOutput{stdout: capBytes(stdout.Bytes()), stderr: truncate(stderr.String())}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("wait for renderer: %w", err)
			}
			out.exitCode = exitErr.ExitCode()
		}
		return out, nil

	case <-timeoutTimer.C:
		logger.Warn("renderer timed out, sending SIGTERM", "timeout", e.cfg.Timeout)
		stopErr = &TimeoutError{After: e.cfg.Timeout}

	case <-ctx.Done():
		logger.Warn("batch cancelled, sending SIGTERM to renderer")
		stopErr = ctx.Err()
	}

	e.terminate(cmd, waitErr, logger)

	stderrStr := truncate(stderr.String())
	var te *TimeoutError
	if errors.As(stopErr, &te) {
		te.Stderr = stderrStr
		return nil, te
	}
	return nil, fmt.Errorf("renderer stopped: %w", stopErr)
}

func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(e.cfg.Grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("renderer exited after SIGTERM")
	case <-grace.C:
		logger.Warn("renderer did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func truncate(s string) string {
	if len(s) > maxCaptureBytes {
		return s[:maxCaptureBytes]
	}
	return s
}

func capBytes(b []byte) []byte {
	if len(b) > maxCaptureBytes {
		return b[:maxCaptureBytes]
	}
	return b
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
