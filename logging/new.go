package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// EnvVar is the environment variable consulted for a log spec when no
// flag is given.
const EnvVar = "EMUROOT_LOG"

// Options collects the spec sources for New. Precedence follows the
// usual convention: flag beats environment beats config file.
type Options struct {
	// FlagSpec is the spec from the command line.
	FlagSpec string
	// EnvSpec is the spec from EnvVar.
	EnvSpec string
	// FileSpec is the spec from the config file.
	FileSpec string
	// Format selects text or JSON encoding.
	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a component-filtered slog.Logger from the first non-empty
// spec source.
func New(opts Options) (*slog.Logger, error) {
	specStr := ""
	switch {
	case opts.FlagSpec != "":
		specStr = opts.FlagSpec
	case opts.EnvSpec != "":
		specStr = opts.EnvSpec
	case opts.FileSpec != "":
		specStr = opts.FileSpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	// The filter makes the level decision; the inner handler accepts
	// everything.
	handlerOpts := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	return slog.New(NewComponentFilter(inner, &spec)), nil
}

// Default returns an info-level text logger on stderr.
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}

// FromEnv builds a logger from the EMUROOT_LOG environment variable.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
