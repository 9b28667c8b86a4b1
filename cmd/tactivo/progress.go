package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/srg/tactivo/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown line while a real-time replay runs.
//
// A ProgressPrinter is single-use: Start at most once, then Stop. Stop is
// safe to call more than once.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	duration time.Duration

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    <-chan struct{}
}

func NewProgressPrinter(out io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{out: out, prefix: prefix, duration: duration}
}

// Start begins redrawing the progress line in the background.
func (p *ProgressPrinter) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	start := time.Now()
	p.print(p.duration)

	p.done = groutine.Go(ctx, "replay-progress", func(ctx context.Context) {
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.print(p.duration - time.Since(start))
			}
		}
	})
}

func (p *ProgressPrinter) print(remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	// Round to the nearest second, 3.7s -> 4s
	fmt.Fprintf(p.out, "\r%s (%ds remaining)   ", p.prefix, int(remaining.Seconds()+0.5))
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	<-p.done
	fmt.Fprint(p.out, clearLineSequence)
}
