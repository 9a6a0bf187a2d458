// Command autobuildr runs the feature backlog orchestrator against a
// project directory.
//
// Usage:
//
//	autobuildr run [--spec backlog.yaml] [--materialize-agents] <project_dir>
//	autobuildr version
//
// Exit codes: 0 on success, 2 on a dependency cycle, 3 on invalid
// configuration, 1 on any other failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"autobuildr/pkg/artifacts"
	"autobuildr/pkg/backlog"
	"autobuildr/pkg/compiler"
	"autobuildr/pkg/config"
	"autobuildr/pkg/events"
	"autobuildr/pkg/exec"
	"autobuildr/pkg/executor"
	"autobuildr/pkg/gate"
	"autobuildr/pkg/healthz"
	"autobuildr/pkg/kernel"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/orch"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/version"
)

const (
	exitOK            = 0
	exitRuntime       = 1
	exitCycle         = 2
	exitInvalidConfig = 3
)

const dbFileName = "features.db"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitRuntime
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("autobuildr %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	case "run":
		return runOrchestrator(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		return exitRuntime
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  autobuildr run [--spec backlog.yaml] [--materialize-agents] <project_dir>")
	fmt.Fprintln(os.Stderr, "  autobuildr version")
}

//nolint:gocyclo // Top-level wiring is a straight line of setup steps
func runOrchestrator(args []string) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	specPath := flags.String("spec", "", "backlog YAML file to import before running")
	materializeOnly := flags.Bool("materialize-agents", false, "write agent spec snapshots and exit without running")
	if err := flags.Parse(args); err != nil {
		return exitRuntime
	}

	if flags.NArg() != 1 {
		usage()
		return exitRuntime
	}
	projectDir, err := filepath.Abs(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad project directory: %v\n", err)
		return exitRuntime
	}
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "project directory %s does not exist\n", projectDir)
		return exitRuntime
	}

	logger := logx.NewLogger("main")
	logger.Info("autobuildr %s starting in %s", version.Version, projectDir)

	cfg, err := config.Load(projectDir)
	if err != nil {
		return fail(logger, err)
	}
	secrets, err := config.LoadSecrets(projectDir)
	if err != nil {
		return fail(logger, err)
	}

	stateDir := filepath.Join(projectDir, config.ProjectConfigDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fail(logger, fmt.Errorf("failed to create %s: %w", stateDir, err))
	}
	db, err := persistence.Open(filepath.Join(projectDir, dbFileName))
	if err != nil {
		return fail(logger, err)
	}
	defer func() { _ = db.Close() }()
	ops := persistence.NewDatabaseOperations(db.DB())

	var mirror *events.Mirror
	if cfg.EventMirror {
		mirror, err = events.NewMirror(filepath.Join(stateDir, "logs"))
		if err != nil {
			return fail(logger, err)
		}
		defer func() { _ = mirror.Close() }()
	}

	store := artifacts.NewStore(ops, projectDir)
	recorder := events.NewRecorder(ops, store, mirror)
	comp := compiler.New(ops, projectDir)

	if *specPath != "" {
		imported, err := backlog.NewImporter(ops).ImportFile(*specPath)
		if err != nil {
			return fail(logger, err)
		}
		logger.Info("imported %d features from %s", len(imported), *specPath)
	}

	if created, err := comp.EnsureStaticSpecs(); err != nil {
		return fail(logger, err)
	} else if created > 0 {
		logger.Info("created %d static agent specs", created)
	}
	if *materializeOnly {
		// Snapshots cover every feature, so compile the ones that have
		// no spec yet before writing.
		features, err := ops.ListFeatures()
		if err != nil {
			return fail(logger, err)
		}
		for _, f := range features {
			if _, _, err := comp.EnsureSpec(f); err != nil {
				return fail(logger, err)
			}
		}
		written, err := comp.MaterializeSnapshots()
		if err != nil {
			return fail(logger, err)
		}
		logger.Info("materialized %d agent spec snapshots", written)
		return exitOK
	}

	turnExecutor, err := executor.New(cfg, projectDir, secrets)
	if err != nil {
		return fail(logger, err)
	}

	k := kernel.New(kernel.Config{
		Ops:        ops,
		Recorder:   recorder,
		Gate:       gate.New(gate.Env{Ops: ops, ProjectDir: projectDir, Exec: exec.NewLocalExec()}),
		Executor:   turnExecutor,
		ProjectDir: projectDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := healthz.New(ops, cfg.HealthPort, cfg.AllowRemoteBind).Start(ctx); err != nil {
		return fail(logger, err)
	}

	o := orch.New(orch.Config{
		Ops:      ops,
		Kernel:   k,
		Compiler: comp,
		Store:    store,
		Workers:  cfg.MaxConcurrency,
	})
	if err := o.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted, shutting down")
			return exitOK
		}
		return fail(logger, err)
	}

	logger.Info("backlog drained")
	return exitOK
}

// fail logs the error and maps it to the documented exit code.
func fail(logger *logx.Logger, err error) int {
	logger.Error("%v", err)
	switch {
	case errors.Is(err, orch.ErrDependencyCycle):
		return exitCycle
	case errors.Is(err, config.ErrInvalidConfig):
		return exitInvalidConfig
	default:
		return exitRuntime
	}
}
