package rawsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/clock"
	"gopkg.in/yaml.v3"
)

// Step is one raw event of a replay script. Exactly one of Attach and Detach is set.
type Step struct {
	// At is the offset from the start of the replay.
	At     time.Duration   `json:"at" yaml:"at"`
	Attach *accessory.Info `json:"attach,omitempty" yaml:"attach,omitempty"`
	Detach *string         `json:"detach,omitempty" yaml:"detach,omitempty"`
}

func (s Step) String() string {
	if s.Attach != nil {
		d := s.Attach.Descriptor()
		if !d.IsAuthenticated() {
			return fmt.Sprintf("+%s attach %q (unauthenticated)", s.At, d.ID())
		}
		return fmt.Sprintf("+%s attach %q [%s]", s.At, d.ID(), strings.Join(d.SupportedProtocols(), ","))
	}
	if s.Detach != nil {
		return fmt.Sprintf("+%s detach %q", s.At, *s.Detach)
	}
	return fmt.Sprintf("+%s <empty>", s.At)
}

// Script is a timed sequence of raw platform events.
type Script struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
	// Settle is how long the replay keeps running after the last step, so
	// grace timers can expire.
	Settle time.Duration `json:"settle,omitempty" yaml:"settle,omitempty"`
}

// StepResult reports how the target handled a step.
type StepResult struct {
	Index int
	Step  Step
	Err   error
}

// Waiter lets replay time pass.
type Waiter func(ctx context.Context, d time.Duration) error

// RealTime waits on the wall clock.
func RealTime(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FakeTime advances a fake clock instead of sleeping.
func FakeTime(c *clock.Fake) Waiter {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Advance(d)
		return nil
	}
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse replay script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay script: %w", err)
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks step shape and ordering.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("replay script has no steps")
	}
	if s.Settle < 0 {
		return fmt.Errorf("settle must not be negative, got %s", s.Settle)
	}

	var last time.Duration
	for i, step := range s.Steps {
		if (step.Attach == nil) == (step.Detach == nil) {
			return fmt.Errorf("step %d: exactly one of attach or detach is required", i+1)
		}
		if step.At < 0 {
			return fmt.Errorf("step %d: negative offset %s", i+1, step.At)
		}
		if step.At < last {
			return fmt.Errorf("step %d: offset %s is before previous step at %s", i+1, step.At, last)
		}
		last = step.At
	}
	return nil
}

// Duration returns the offset of the last step plus the settle time.
func (s *Script) Duration() time.Duration {
	if len(s.Steps) == 0 {
		return s.Settle
	}
	return s.Steps[len(s.Steps)-1].At + s.Settle
}

// Replay applies every step to target at its offset. Rejections by the target
// are reported per step and do not stop the replay; a stopped target or a
// cancelled context does.
func (s *Script) Replay(ctx context.Context, target Target, wait Waiter) ([]StepResult, error) {
	if wait == nil {
		wait = RealTime
	}

	results := make([]StepResult, 0, len(s.Steps))
	var elapsed time.Duration

	for i, step := range s.Steps {
		if step.At > elapsed {
			if err := wait(ctx, step.At-elapsed); err != nil {
				return results, err
			}
			elapsed = step.At
		}

		var err error
		if step.Attach != nil {
			err = target.Attach(step.Attach.Descriptor())
		} else {
			err = target.Detach(*step.Detach)
		}
		if errors.Is(err, ErrSimulatorStopped) {
			return results, err
		}
		results = append(results, StepResult{Index: i, Step: step, Err: err})
	}

	if s.Settle > 0 {
		if err := wait(ctx, s.Settle); err != nil {
			return results, err
		}
	}
	return results, nil
}
