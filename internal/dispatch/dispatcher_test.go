package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/multiplot/internal/dispatch/mocks"
	"github.com/mattjoyce/multiplot/internal/jobargs"
)

// testLogBuffer is goroutine-safe; slog handlers already serialize writes,
// but tests read while pooled workers may still be logging.
type testLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *testLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *testLogBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func (b *testLogBuffer) count(t *testing.T, msg string) int {
	n := 0
	for _, l := range b.lines(t) {
		if l["msg"] == msg {
			n++
		}
	}
	return n
}

func newTestSlogger() (*slog.Logger, *testLogBuffer) {
	buf := &testLogBuffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), buf
}

func args(texts ...string) []jobargs.Argument {
	out := make([]jobargs.Argument, len(texts))
	for i, s := range texts {
		out[i] = jobargs.Arg(s)
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	d := New(RunnerFunc(func(context.Context, jobargs.Argument) error { return nil }))
	assert.Equal(t, 1, d.Workers())
	assert.NotNil(t, d.logger)
}

func TestDispatch_NoJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	logger, logs := newTestSlogger()

	report, err := New(runner, WithLogger(logger), WithWorkers(4)).Dispatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Total())
	assert.Empty(t, logs.lines(t))
}

func TestDispatch_SingleJobSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), jobargs.Arg("--one")).Return(nil)

	report, err := New(runner).Dispatch(context.Background(), args("--one"))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Total())
	assert.Equal(t, 1, report.Succeeded())
}

func TestDispatch_SingleJobErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	logger, logs := newTestSlogger()
	boom := errors.New("boom")
	runner.EXPECT().Run(gomock.Any(), jobargs.Argument{}).Return(boom)

	report, err := New(runner, WithLogger(logger)).Dispatch(context.Background(), []jobargs.Argument{{}})

	assert.Same(t, boom, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Failed())
	assert.Zero(t, logs.count(t, "failed jobs"), "single-job failures are owned by the caller")
}

func TestDispatch_SingleJobPanicPropagates(t *testing.T) {
	d := New(RunnerFunc(func(context.Context, jobargs.Argument) error { panic("kaboom") }))

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = d.Dispatch(context.Background(), args("x"))
	})
}

func TestDispatch_SequentialIsolatesFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	logger, logs := newTestSlogger()

	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), jobargs.Arg("job-1")).Return(nil),
		runner.EXPECT().Run(gomock.Any(), jobargs.Arg("job-2")).Return(errors.New("bad input")),
		runner.EXPECT().Run(gomock.Any(), jobargs.Arg("job-3")).Return(nil),
	)

	report, err := New(runner, WithLogger(logger)).Dispatch(context.Background(), args("job-1", "job-2", "job-3"))

	require.NoError(t, err)
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.Equal(t, jobargs.Arg("job-2"), failures[0].Argument)
	assert.Equal(t, 2, report.Succeeded())

	assert.Equal(t, 1, logs.count(t, "job failed"))
	assert.Equal(t, 1, logs.count(t, "failed jobs"))
	assert.Equal(t, 1, logs.count(t, "failed job"))
	for _, l := range logs.lines(t) {
		if l["msg"] == "failed jobs" {
			assert.Equal(t, "ERROR", l["level"])
			assert.EqualValues(t, 1, l["count"])
		}
		if l["msg"] == "failed job" {
			assert.Equal(t, "INFO", l["level"])
			assert.Equal(t, "job-2", l["argument"])
		}
	}
}

func TestDispatch_SequentialDeliberateExitAndPanic(t *testing.T) {
	logger, logs := newTestSlogger()
	var ran []string
	runner := RunnerFunc(func(_ context.Context, arg jobargs.Argument) error {
		ran = append(ran, arg.String())
		switch arg.Text {
		case "exit":
			return fmt.Errorf("usage: %w", ErrDeliberateExit)
		case "panic":
			panic("renderer crashed")
		}
		return nil
	})

	jobs := append(args("exit", "panic"), jobargs.Argument{})
	report, err := New(runner, WithLogger(logger), WithWorkers(1)).Dispatch(context.Background(), jobs)

	require.NoError(t, err)
	assert.Equal(t, []string{"exit", "panic", "<defaults>"}, ran)

	failures := report.Failures()
	require.Len(t, failures, 2)
	assert.True(t, failures[0].Deliberate())
	assert.False(t, failures[1].Deliberate())

	var pe *PanicError
	require.ErrorAs(t, failures[1].Err, &pe)
	assert.Equal(t, "renderer crashed", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.Equal(t, 1, logs.count(t, "job exited early"))
	assert.Equal(t, 1, logs.count(t, "job failed"))
	assert.Equal(t, 2, logs.count(t, "failed job"))
}

func TestDispatch_PoolRunsEveryJobOnceOnExactWorkerCount(t *testing.T) {
	const workers = 3
	logger, _ := newTestSlogger()

	var (
		mu     sync.Mutex
		calls  = map[string]int{}
		active atomic.Int32
		peak   atomic.Int32
		ready  = make(chan struct{})
		once   sync.Once
	)
	runner := RunnerFunc(func(_ context.Context, arg jobargs.Argument) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == workers {
			once.Do(func() { close(ready) })
		}
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
		}

		mu.Lock()
		calls[arg.Text]++
		mu.Unlock()

		if strings.HasPrefix(arg.Text, "fail") {
			return errors.New(arg.Text)
		}
		return nil
	})

	jobs := args("ok-0", "fail-1", "ok-2", "fail-3", "ok-4")
	report, err := New(runner, WithLogger(logger), WithWorkers(workers)).Dispatch(context.Background(), jobs)

	require.NoError(t, err)
	assert.Equal(t, 5, report.Total())
	for _, j := range jobs {
		assert.Equal(t, 1, calls[j.Text], "job %s", j.Text)
	}
	assert.EqualValues(t, workers, peak.Load())

	var failed []int
	for _, f := range report.Failures() {
		failed = append(failed, f.Index)
	}
	assert.ElementsMatch(t, []int{1, 3}, failed)
}

func TestDispatch_PoolIsolatesPanicsAndDeliberateExits(t *testing.T) {
	logger, logs := newTestSlogger()
	runner := RunnerFunc(func(_ context.Context, arg jobargs.Argument) error {
		switch arg.Text {
		case "panic":
			panic(errors.New("nil map"))
		case "exit":
			return fmt.Errorf("renderer: %w", ErrDeliberateExit)
		}
		return nil
	})

	report, err := New(runner, WithLogger(logger), WithWorkers(2)).Dispatch(context.Background(), args("a", "panic", "b", "exit"))

	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 2, logs.count(t, "failed job"))
}

func TestDispatch_PoolLargerThanBatch(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, jobargs.Argument) error {
		calls.Add(1)
		return nil
	})
	logger, logs := newTestSlogger()

	report, err := New(runner, WithLogger(logger), WithWorkers(16)).Dispatch(context.Background(), args("a", "b"))

	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 0, report.Failed())
	assert.Zero(t, logs.count(t, "failed jobs"))
}

func TestDispatch_PassesContextToRunner(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "batch-7")

	var seen atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, _ jobargs.Argument) error {
		if ctx.Value(ctxKey{}) == "batch-7" {
			seen.Add(1)
		}
		return nil
	})

	for _, workers := range []int{1, 3} {
		seen.Store(0)
		_, err := New(runner, WithWorkers(workers), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))).
			Dispatch(ctx, args("a", "b", "c"))
		require.NoError(t, err)
		assert.EqualValues(t, 3, seen.Load(), "workers=%d", workers)
	}
}

func TestReportNilSafe(t *testing.T) {
	var r *Report
	assert.Equal(t, 0, r.Total())
	assert.Equal(t, 0, r.Failed())
	assert.Nil(t, r.Failures())
}
