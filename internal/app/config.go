package app

import (
	"errors"
	"fmt"
	"time"
)

// Commands accepted by the orchestrator.
const (
	CommandBuild   = "build"
	CommandWatch   = "watch"
	CommandVersion = "version"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command    string // build, watch or version
	InputRoot  string // directory containing .rsml sources
	OutputRoot string // mirrored output directory; defaults to InputRoot
	AliasPath  string // explicit alias configuration override, "" for auto-discovery

	LogFormat   string
	LogLevel    string
	WorkerCount int
	// QuietInterval is the watch debounce: a path flushes after this long
	// without further events.
	QuietInterval time.Duration
}

// NewConfig validates a Config and fills defaults.
func NewConfig(cfg Config) (*Config, error) {
	switch cfg.Command {
	case CommandBuild, CommandWatch, CommandVersion:
	default:
		return nil, fmt.Errorf("unknown command %q: expected build, watch or version", cfg.Command)
	}

	if cfg.Command != CommandVersion && cfg.InputRoot == "" {
		return nil, errors.New("an input directory is required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 10
	}
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = 100 * time.Millisecond
	}

	return &cfg, nil
}
