package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aretw0/conductor"
	"github.com/aretw0/conductor/internal/config"
	"github.com/aretw0/conductor/internal/logging"
)

// DefaultConfigName is looked up in the catalog directory when no config
// file is given.
const DefaultConfigName = "conductor.yaml"

// Options are the global CLI flags.
type Options struct {
	Dir        string // overrides catalog.paths when set
	ConfigPath string
	Debug      bool
	// Quiet drops log output below debug, for interactive sessions.
	Quiet bool
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Env is a configured runtime with its catalog loaded.
type Env struct {
	Runtime *conductor.Runtime
	Config  *config.Config
	Logger  *slog.Logger
	Report  *conductor.LoadReport
}

// Close releases the runtime.
func (e *Env) Close() error {
	return e.Runtime.Close()
}

// Setup loads the configuration, builds the runtime and loads the catalog.
// Solutions that fail to build are logged and left out; a missing catalog
// is an error.
func Setup(ctx context.Context, opts Options, extra ...conductor.Option) (*Env, error) {
	cfgPath := opts.ConfigPath
	if cfgPath == "" && opts.Dir != "" {
		candidate := filepath.Join(opts.Dir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			cfgPath = candidate
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if opts.Dir != "" {
		cfg.Catalog.Paths = []string{opts.Dir}
	}

	logger := createLogger(opts, cfg)

	rtOpts := []conductor.Option{
		conductor.WithPaths(cfg.Catalog.Paths...),
		conductor.WithRootName(cfg.Catalog.Root),
		conductor.WithPlugins(cfg.Plugins...),
		conductor.WithProcesses(cfg.Processes),
		conductor.WithProcessDir(processDir(opts, cfgPath)),
		conductor.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		conductor.WithDeferredStart(cfg.Sessions.DeferredStart),
		conductor.WithMaxInputSize(cfg.Sessions.MaxInputSize),
		conductor.WithLogger(logger),
	}
	rt, err := conductor.New(append(rtOpts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("error initializing runtime: %w", err)
	}
	if err := rt.PluginErrors(); err != nil {
		logger.Warn("some plugins failed to load", "err", err)
	}

	report, err := rt.Load(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	logReport(logger, report)

	return &Env{Runtime: rt, Config: cfg, Logger: logger, Report: report}, nil
}

// processDir resolves process commands against the project directory.
func processDir(opts Options, cfgPath string) string {
	if opts.Dir != "" {
		return opts.Dir
	}
	if cfgPath != "" {
		return filepath.Dir(cfgPath)
	}
	return ""
}

// createLogger configures the application logger. Logs go to stderr so
// they stay apart from the session output on stdout.
func createLogger(opts Options, cfg *config.Config) *slog.Logger {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	if opts.Debug {
		return logging.NewWithFormat(out, slog.LevelDebug, cfg.Log.Format)
	}
	if opts.Quiet {
		return logging.NewNop()
	}
	return logging.NewWithFormat(out, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
}

func logReport(logger *slog.Logger, report *conductor.LoadReport) {
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		logger.Warn("solution skipped", "solution", id, "err", report.Failed[id])
	}
	logger.Info("catalog loaded", "solutions", len(report.Loaded), "failed", len(failed))
}
