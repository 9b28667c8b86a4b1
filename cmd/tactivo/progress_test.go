package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrinter_CountsDown(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Replaying authenticate", 2*time.Second)

	p.Start(context.Background())
	time.Sleep(250 * time.Millisecond)
	p.Stop()
	p.Stop()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rReplaying authenticate (2s remaining)"), out)
	assert.True(t, strings.HasSuffix(out, clearLineSequence))
	assert.Equal(t, 1, strings.Count(out, clearLineSequence))
	assert.GreaterOrEqual(t, strings.Count(out, "Replaying authenticate"), 2)
}

func TestProgressPrinter_StopWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "x", time.Second)
	p.Stop()
	assert.Empty(t, buf.String())
}

func TestProgressPrinter_StartTwicePanics(t *testing.T) {
	p := NewProgressPrinter(&bytes.Buffer{}, "x", time.Second)
	p.Start(context.Background())
	defer p.Stop()
	assert.Panics(t, func() { p.Start(context.Background()) })
}
