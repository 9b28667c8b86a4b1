package lifecycle

import (
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/tactivo/internal/clock"
)

// DefaultGraceWindow bounds how long a detach following an unauthenticated
// attach is presumed spurious. Authentication is documented to take 1-2s.
const DefaultGraceWindow = 3 * time.Second

// Options configures a Manager.
type Options struct {
	GraceWindow time.Duration `default:"3s"`
	// Clock drives the grace timer; nil selects the wall clock.
	Clock clock.Clock
}

// DefaultOptions returns options populated from their default tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}
