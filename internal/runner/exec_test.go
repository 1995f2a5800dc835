package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/multiplot/internal/dispatch"
	"github.com/mattjoyce/multiplot/internal/jobargs"
	"github.com/mattjoyce/multiplot/internal/log"
)

func writeScript(t *testing.T, dir, script string) string {
	t.Helper()

	path := filepath.Join(dir, "render.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newTestExec(t *testing.T, cfg Config) *Exec {
	t.Helper()

	e, err := NewExec(cfg, log.Discard())
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	return e
}

func TestNewExecValidation(t *testing.T) {
	if _, err := NewExec(Config{}, nil); err == nil {
		t.Error("expected error for empty entrypoint")
	}
	if _, err := NewExec(Config{Entrypoint: "/bin/true", Mode: "grpc"}, nil); err == nil {
		t.Error("expected error for unknown mode")
	}

	e, err := NewExec(Config{Entrypoint: "/bin/true"}, nil)
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	if e.cfg.Mode != ModeArgs || e.cfg.Timeout != DefaultTimeout || e.cfg.Grace != DefaultGracePeriod {
		t.Errorf("defaults not applied: %+v", e.cfg)
	}
}

func TestSplitArgument(t *testing.T) {
	argv, err := SplitArgument(jobargs.Arg(`--json-defaults "{'a': 1, 'b': 'x y'}" -o plots`))
	if err != nil {
		t.Fatalf("SplitArgument: %v", err)
	}
	want := []string{"--json-defaults", "{'a': 1, 'b': 'x y'}", "-o", "plots"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", argv, want)
	}

	argv, err = SplitArgument(jobargs.Argument{})
	if err != nil || argv != nil {
		t.Errorf("null argument should split to nothing, got %q, %v", argv, err)
	}
}

func TestExec_ArgsModePassesArgv(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "argv.txt")
	script := `#!/bin/sh
for a in "$@"; do echo "$a"; done > "` + outFile + `"
echo "drawing"
`
	e := newTestExec(t, Config{
		Entrypoint: writeScript(t, dir, script),
		BaseArgs:   []string{"--batch"},
		Timeout:    5 * time.Second,
	})

	if err := e.Run(context.Background(), jobargs.Arg(`--json-defaults "{'x': 'a b'}" --plot-modules PlotRoot`)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read argv: %v", err)
	}
	got := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{"--batch", "--json-defaults", "{'x': 'a b'}", "--plot-modules", "PlotRoot"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestExec_NonZeroExitIsDeliberate(t *testing.T) {
	dir := t.TempDir()
	script := `#!/bin/sh
echo "usage: harry.py [-h]" >&2
echo "error: unrecognized arguments: --bogus" >&2
exit 2
`
	e := newTestExec(t, Config{Entrypoint: writeScript(t, dir, script), Timeout: 5 * time.Second})

	err := e.Run(context.Background(), jobargs.Arg("--bogus"))

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 2 {
		t.Errorf("expected exit code 2, got %d", exitErr.Code)
	}
	if !dispatch.IsDeliberateExit(err) {
		t.Error("non-zero exit should count as a deliberate exit")
	}
	if !strings.Contains(err.Error(), "unrecognized arguments: --bogus") {
		t.Errorf("expected stderr tail in message, got %q", err.Error())
	}
}

func TestExec_UnbalancedQuoteIsDeliberate(t *testing.T) {
	e := newTestExec(t, Config{Entrypoint: "/bin/true"})

	err := e.Run(context.Background(), jobargs.Arg(`--title "unterminated`))
	if err == nil || !dispatch.IsDeliberateExit(err) {
		t.Fatalf("expected deliberate exit, got %v", err)
	}
}

func TestExec_MissingEntrypointIsUnexpected(t *testing.T) {
	e := newTestExec(t, Config{Entrypoint: filepath.Join(t.TempDir(), "missing")})

	err := e.Run(context.Background(), jobargs.Argument{})
	if err == nil {
		t.Fatal("expected error")
	}
	if dispatch.IsDeliberateExit(err) {
		t.Error("spawn failures are not deliberate exits")
	}
}

func TestExec_ProtocolModeSuccess(t *testing.T) {
	dir := t.TempDir()
	reqFile := filepath.Join(dir, "request.json")
	script := `#!/bin/sh
read input
echo "$input" > "` + reqFile + `"
echo "progress 1/1"
echo '{"status": "ok", "outputs": ["plots/pt.png"], "logs": [{"level": "info", "message": "saved"}]}'
`
	e := newTestExec(t, Config{
		Entrypoint: writeScript(t, dir, script),
		Mode:       ModeProtocol,
		Timeout:    5 * time.Second,
	})

	if err := e.Run(context.Background(), jobargs.Arg("-x pt")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	req := string(data)
	for _, want := range []string{`"protocol":1`, `"argument":"-x pt"`, `"argv":["-x","pt"]`} {
		if !strings.Contains(req, want) {
			t.Errorf("request %s missing %s", req, want)
		}
	}
}

func TestExec_ProtocolModeErrorStatus(t *testing.T) {
	dir := t.TempDir()
	script := `#!/bin/sh
read input
echo '{"status": "error", "error": "input file not found"}'
exit 1
`
	e := newTestExec(t, Config{Entrypoint: writeScript(t, dir, script), Mode: ModeProtocol, Timeout: 5 * time.Second})

	err := e.Run(context.Background(), jobargs.Argument{})

	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if renderErr.Message != "input file not found" {
		t.Errorf("unexpected message %q", renderErr.Message)
	}
	if !dispatch.IsDeliberateExit(err) {
		t.Error("status=error should count as a deliberate exit")
	}
}

func TestExec_ProtocolModeGarbageIsUnexpected(t *testing.T) {
	dir := t.TempDir()
	script := `#!/bin/sh
read input
echo "not an envelope"
`
	e := newTestExec(t, Config{Entrypoint: writeScript(t, dir, script), Mode: ModeProtocol, Timeout: 5 * time.Second})

	err := e.Run(context.Background(), jobargs.Argument{})
	if err == nil {
		t.Fatal("expected error")
	}
	if dispatch.IsDeliberateExit(err) {
		t.Error("protocol errors are not deliberate exits")
	}
}

func TestExec_Timeout(t *testing.T) {
	dir := t.TempDir()
	// exec so SIGTERM goes directly to sleep
	script := `#!/bin/sh
exec sleep 10
`
	e := newTestExec(t, Config{
		Entrypoint: writeScript(t, dir, script),
		Timeout:    200 * time.Millisecond,
		Grace:      time.Second,
	})

	start := time.Now()
	err := e.Run(context.Background(), jobargs.Argument{})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout should match context.DeadlineExceeded")
	}
	if dispatch.IsDeliberateExit(err) {
		t.Error("timeouts are not deliberate exits")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took too long: %v", elapsed)
	}
}

func TestExec_ContextCancelTerminates(t *testing.T) {
	dir := t.TempDir()
	script := `#!/bin/sh
exec sleep 10
`
	e := newTestExec(t, Config{Entrypoint: writeScript(t, dir, script), Timeout: time.Minute, Grace: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := e.Run(ctx, jobargs.Argument{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
