package main

import (
	"errors"
	"fmt"

	"github.com/srg/tactivo/internal/rawsource"
)

// Command-level errors
var (
	// ErrNoScript means neither a script path nor --builtin was given.
	ErrNoScript = errors.New("no replay script given")
	// ErrInvalidFormat is returned for an unknown --format value.
	ErrInvalidFormat = errors.New("invalid output format")
)

// FormatUserError turns an error into a one-line message for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, ErrNoScript):
		return fmt.Sprintf("%s: pass a script file or --builtin <name> (see 'tactivo scripts')", err)
	case errors.Is(err, rawsource.ErrSimulatorStopped):
		return "replay interrupted"
	default:
		return err.Error()
	}
}
