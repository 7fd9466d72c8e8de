package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rsml-lang/rsmlc/internal/app"
)

// Version is the CLI version string reported by the version command.
const Version = "0.3.0"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	if len(args) == 0 {
		printUsage(output)
		return nil, true, nil
	}

	command := args[0]
	switch command {
	case "help", "-h", "--help":
		printUsage(output)
		return nil, true, nil
	}
	if command == app.CommandVersion {
		fmt.Fprintf(output, "rsmlc version v%s\n", Version)
		return nil, true, nil
	}

	flagSet := flag.NewFlagSet("rsmlc "+command, flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() { printUsage(output) }

	outFlag := flagSet.String("out", "", "Output directory. Defaults to the input directory (in-place).")
	aliasFlag := flagSet.String("aliases", "", "Path to the alias configuration file. Defaults to auto-discovery.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 10, "Number of concurrent compile workers.")
	debounceFlag := flagSet.Duration("debounce", 100*time.Millisecond, "Watch quiet interval before a change is applied.")

	if err := flagSet.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if flagSet.NArg() == 0 {
		printUsage(output)
		return nil, false, &ExitError{Code: 2, Message: "an input directory is required"}
	}
	input := flagSet.Arg(0)

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		Command:       command,
		InputRoot:     input,
		OutputRoot:    *outFlag,
		AliasPath:     *aliasFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
		WorkerCount:   *workersFlag,
		QuietInterval: *debounceFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}

func printUsage(output io.Writer) {
	fmt.Fprint(output, `
rsmlc - compiles a tree of .rsml sources into mirrored .model.json files.

Usage:
  rsmlc build [options] INPUT_DIR
  rsmlc watch [options] INPUT_DIR
  rsmlc version

Options:
  -out DIR          Output directory (defaults to INPUT_DIR, in-place).
  -aliases FILE     Alias configuration file (defaults to auto-discovery
                    at INPUT_DIR or its parent).
  -log-format FMT   'text' or 'json' (default 'text').
  -log-level LVL    'debug', 'info', 'warn' or 'error' (default 'info').
  -workers N        Concurrent compile workers (default 10).
  -debounce DUR     Watch quiet interval (default 100ms).
`)
}
