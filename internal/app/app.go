// Package app wires the components together and owns the two session
// shapes: a one-shot build and the continuous watch loop. The source index
// and graph are process-scoped for the lifetime of one invocation, owned by
// the App and mutated only through the serialized flush path.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rsml-lang/rsmlc/internal/alias"
	"github.com/rsml-lang/rsmlc/internal/compiler"
	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/graph"
	"github.com/rsml-lang/rsmlc/internal/output"
	"github.com/rsml-lang/rsmlc/internal/source"
)

// App encapsulates one build or watch session.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config

	index *source.Index
	graph *graph.Manager
	comp  *compiler.Compiler
	rec   *output.Reconciler
}

// NewApp constructs a session. The only run-level failures happen here:
// a missing or non-directory input root, an unusable output root, or an
// explicitly named alias configuration that cannot be loaded.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	inputRoot, err := filepath.Abs(cfg.InputRoot)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(inputRoot)
	if err != nil {
		return nil, fmt.Errorf("input directory %s does not exist", inputRoot)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input path %s is not a directory", inputRoot)
	}

	outputRoot := inputRoot
	if cfg.OutputRoot != "" {
		outputRoot, err = filepath.Abs(cfg.OutputRoot)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(outputRoot, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory %s: %w", outputRoot, err)
		}
	}

	table, err := loadAliasTable(ctx, inputRoot, cfg.AliasPath)
	if err != nil {
		return nil, err
	}

	resolved := *cfg
	resolved.InputRoot = inputRoot
	resolved.OutputRoot = outputRoot

	return &App{
		outW:   outW,
		logger: logger,
		cfg:    &resolved,
		index:  source.NewIndex(),
		graph:  graph.New(table),
		comp:   compiler.New(inputRoot),
		rec:    output.New(inputRoot, outputRoot),
	}, nil
}

// loadAliasTable resolves the session's alias table. An explicit path that
// fails to load is fatal; a discovered file that fails to load degrades to
// an empty table, matching the prior tooling. Absence is valid.
func loadAliasTable(ctx context.Context, inputRoot, explicit string) (*alias.Table, error) {
	logger := ctxlog.FromContext(ctx)

	if explicit != "" {
		table, err := alias.Load(ctx, explicit, inputRoot)
		if err != nil {
			return nil, err
		}
		logger.Info("Using alias configuration.", "path", explicit)
		return table, nil
	}

	configPath, found := alias.Discover(inputRoot)
	if !found {
		logger.Info("No alias configuration found.")
		return alias.Empty(), nil
	}
	table, err := alias.Load(ctx, configPath, inputRoot)
	if err != nil {
		logger.Warn("Ignoring unreadable alias configuration.", "path", configPath, "error", err)
		return alias.Empty(), nil
	}
	logger.Info("Using alias configuration automatically found.", "path", configPath)
	return table, nil
}

// Config returns the session's resolved configuration. Primarily for tests.
func (a *App) Config() *Config { return a.cfg }

// Logger returns the session logger.
func (a *App) Logger() *slog.Logger { return a.logger }
