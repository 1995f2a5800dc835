package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/multiplot/internal/config"
	"github.com/mattjoyce/multiplot/internal/dispatch"
	"github.com/mattjoyce/multiplot/internal/history"
	"github.com/mattjoyce/multiplot/internal/jobargs"
	"github.com/mattjoyce/multiplot/internal/log"
	"github.com/mattjoyce/multiplot/internal/runner"
	"github.com/mattjoyce/multiplot/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "plan":
		return runPlan(args)
	case "history":
		return runHistory(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitFailure
	}
}

func printUsage() {
	fmt.Print(`multiplot - run a batch of plot jobs from one YAML file

Usage:
  multiplot <command> [flags]

Commands:
  run       Build the job list and dispatch it to the renderer
  plan      Print the job arguments without running anything
  history   Show recorded batches, or the failures of one batch
  version   Show version information
  help      Show this help message

Exit codes (run):
  0  every job succeeded
  1  setup error, or the only job failed
  2  some jobs of a multi-job batch failed
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: multiplot version [--json]")
		return exitFailure
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("multiplot %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// buildJobs resolves the batch's job inputs into one argument per job.
func buildJobs(cfg *config.Config, logger *slog.Logger) ([]jobargs.Argument, error) {
	configs, args, err := cfg.Jobs.Slots()
	if err != nil {
		return nil, err
	}
	b := jobargs.NewBuilder(
		jobargs.WithFlag(cfg.Runner.DefaultsFlag),
		jobargs.WithLogger(logger),
	)
	return b.Build(configs, args), nil
}

func runnerConfig(cfg *config.Config) runner.Config {
	env := make([]string, 0, len(cfg.Runner.Env))
	for k, v := range cfg.Runner.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return runner.Config{
		Entrypoint: cfg.Runner.Entrypoint,
		BaseArgs:   cfg.Runner.Args,
		Mode:       runner.Mode(cfg.Runner.Mode),
		Timeout:    cfg.Runner.Timeout,
		Grace:      cfg.Runner.Grace,
		Dir:        cfg.Runner.Dir,
		Env:        env,
	}
}

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultFileName, "Path to batch file or its directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	jobs, err := buildJobs(cfg, log.WithComponent("jobargs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build jobs: %v\n", err)
		return exitFailure
	}
	for i, job := range jobs {
		fmt.Printf("%d\t%s\n", i, job)
	}
	return exitOK
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultFileName, "Path to batch file or its directory")
	workers := fs.Int("workers", 0, "Override the worker count from the batch file")
	dryRun := fs.Bool("dry-run", false, "Print each job's command line instead of running it")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	if *workers < 0 {
		fmt.Fprintln(os.Stderr, "--workers must not be negative")
		return exitFailure
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	jobs, err := buildJobs(cfg, log.WithComponent("jobargs"))
	if err != nil {
		logger.Error("failed to build jobs", "error", err)
		return exitFailure
	}

	renderer, err := runner.NewExec(runnerConfig(cfg), log.WithComponent("runner"))
	if err != nil {
		logger.Error("failed to configure renderer", "error", err)
		return exitFailure
	}

	if *dryRun {
		return printDryRun(cfg, jobs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal, terminating renderers", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rec := openRecorder(ctx, cfg, len(jobs), logger)
	defer rec.close()

	logger.Info("dispatching batch", "source", cfg.SourcePath, "jobs", len(jobs), "workers", cfg.Workers, "version", version)

	dispLogger := log.WithComponent("dispatch")
	if rec.batchID != "" {
		dispLogger = log.WithBatch(rec.batchID).With("component", "dispatch")
	}
	disp := dispatch.New(renderer,
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithLogger(dispLogger),
	)
	report, runErr := disp.Dispatch(ctx, jobs)

	// Recording uses a fresh context so an interrupted batch is still logged.
	rec.finish(context.Background(), report)

	if runErr != nil {
		logger.Error("job failed", "argument", jobs[0].String(), "error", runErr)
		return exitFailure
	}

	logger.Info("batch complete", "jobs", report.Total(), "succeeded", report.Succeeded(), "failed", report.Failed())
	if report.Failed() > 0 {
		return exitPartial
	}
	return exitOK
}

func printDryRun(cfg *config.Config, jobs []jobargs.Argument) int {
	for i, job := range jobs {
		argv, err := runner.SplitArgument(job)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job %d: %v\n", i, err)
			return exitFailure
		}
		line := append([]string{cfg.Runner.Entrypoint}, cfg.Runner.Args...)
		line = append(line, argv...)
		fmt.Printf("%d\t%s\n", i, strings.Join(line, " "))
	}
	return exitOK
}

// recorder writes the batch to the history database when enabled. History
// errors are logged and never change the run's exit code.
type recorder struct {
	store   *history.Store
	closeDB func() error
	batchID string
	logger  *slog.Logger
}

func openRecorder(ctx context.Context, cfg *config.Config, jobs int, logger *slog.Logger) *recorder {
	rec := &recorder{logger: logger}
	if !cfg.History.Enabled {
		return rec
	}

	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		logger.Warn("history disabled: failed to open database", "path", cfg.History.Path, "error", err)
		return rec
	}
	store := history.New(db)
	id, err := store.Begin(ctx, history.BatchStart{
		Source:     cfg.SourcePath,
		ConfigHash: cfg.SourceHash,
		Workers:    cfg.Workers,
		Jobs:       jobs,
	})
	if err != nil {
		logger.Warn("history disabled: failed to record batch start", "error", err)
		_ = db.Close()
		return rec
	}

	rec.store = store
	rec.closeDB = db.Close
	rec.batchID = id
	logger.Debug("recording batch", "batch_id", id, "path", cfg.History.Path)
	return rec
}

func (r *recorder) finish(ctx context.Context, report *dispatch.Report) {
	if r.store == nil {
		return
	}
	if err := r.store.Record(ctx, r.batchID, report); err != nil {
		r.logger.Warn("failed to record job results", "batch_id", r.batchID, "error", err)
	}
	if err := r.store.Finish(ctx, r.batchID, report); err != nil {
		r.logger.Warn("failed to finish batch record", "batch_id", r.batchID, "error", err)
	}
}

func (r *recorder) close() {
	if r.closeDB != nil {
		_ = r.closeDB()
	}
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbPath := fs.String("db", "", "Path to history database (defaults to the batch file's history.path)")
	configPath := fs.String("config", "", "Batch file whose history.path to read")
	limit := fs.Int("limit", 20, "Maximum batches to list")
	batchID := fs.String("batch", "", "Show the failed jobs of one batch")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	path := *dbPath
	if path == "" {
		if *configPath != "" {
			cfg, err := config.Load(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
				return exitFailure
			}
			path = cfg.History.Path
		} else {
			path = config.Defaults().History.Path
		}
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "History database not found: %s\n", path)
		return exitFailure
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return exitFailure
	}
	defer db.Close()
	store := history.New(db)

	if *batchID != "" {
		return printBatchFailures(ctx, store, *batchID)
	}

	batches, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list batches: %v\n", err)
		return exitFailure
	}
	for _, b := range batches {
		note := ""
		if b.ConfigHash != "" {
			if err := config.VerifyFileHash(b.Source, b.ConfigHash); err != nil {
				note = "\t(source changed)"
			}
		}
		fmt.Printf("%s\t%s\t%s\t%d/%d ok\t%s%s\n",
			b.ID, b.StartedAt.Local().Format(time.DateTime), b.Status, b.Succeeded, b.Jobs, b.Source, note)
	}
	return exitOK
}

func printBatchFailures(ctx context.Context, store *history.Store, id string) int {
	b, err := store.Get(ctx, id)
	if errors.Is(err, history.ErrBatchNotFound) {
		fmt.Fprintf(os.Stderr, "Batch not found: %s\n", id)
		return exitFailure
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load batch: %v\n", err)
		return exitFailure
	}

	failures, err := store.Failures(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load failures: %v\n", err)
		return exitFailure
	}

	fmt.Printf("batch %s: %s, %d of %d jobs failed\n", b.ID, b.Status, b.Failed, b.Jobs)
	for _, j := range failures {
		arg := jobargs.Argument{}.String()
		if j.Argument != nil {
			arg = *j.Argument
		}
		msg := ""
		if j.LastError != nil {
			msg = *j.LastError
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", j.Slot, j.Status, arg, msg)
	}
	return exitOK
}
