package rawsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/tactivo"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/clock"
	"github.com/srg/tactivo/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timedTarget records the fake time at which each event reached it.
type timedTarget struct {
	clk    *clock.Fake
	start  time.Time
	events []string
	at     []time.Duration
	reject map[string]error
}

func (t *timedTarget) Attach(d accessory.Descriptor) error {
	return t.record("attach:" + d.ID())
}

func (t *timedTarget) Detach(id string) error {
	return t.record("detach:" + id)
}

func (t *timedTarget) record(ev string) error {
	t.events = append(t.events, ev)
	t.at = append(t.at, t.clk.Now().Sub(t.start))
	return t.reject[ev]
}

func newTimedTarget() *timedTarget {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &timedTarget{clk: clock.NewFake(start), start: start}
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(testutils.Dedent(`
		name: handshake
		description: spurious detach during authentication
		settle: 3500ms
		steps:
		  - at: 0s
		    attach: {id: "1"}
		  - at: 1s
		    detach: "1"
		  - at: 1.2s
		    attach:
		      id: "1"
		      model_number: TACTIVO-MINI
		      protocols: [com.precisebiometrics.tactivo.smartcard]
	`)))
	require.NoError(t, err)

	assert.Equal(t, "handshake", s.Name)
	assert.Equal(t, 3500*time.Millisecond, s.Settle)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, 1200*time.Millisecond, s.Steps[2].At)
	assert.Equal(t, 1200*time.Millisecond+3500*time.Millisecond, s.Duration())

	d := s.Steps[2].Attach.Descriptor()
	assert.Equal(t, "TACTIVO-MINI", d.ModelNumber())
	assert.True(t, d.HasSmartCardReader())
	assert.False(t, d.HasFingerprintSensor())

	assert.Equal(t, `+0s attach "1" (unauthenticated)`, s.Steps[0].String())
	assert.Equal(t, `+1s detach "1"`, s.Steps[1].String())
	assert.Equal(t, `+1.2s attach "1" [com.precisebiometrics.tactivo.smartcard]`, s.Steps[2].String())
}

func TestParseScript_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no steps",
			yaml:    "name: empty\nsteps: []\n",
			wantErr: "no steps",
		},
		{
			name:    "both attach and detach",
			yaml:    "steps:\n  - at: 0s\n    attach: {id: \"1\"}\n    detach: \"1\"\n",
			wantErr: "step 1: exactly one of attach or detach",
		},
		{
			name:    "neither attach nor detach",
			yaml:    "steps:\n  - at: 0s\n",
			wantErr: "step 1: exactly one of attach or detach",
		},
		{
			name:    "offsets go backwards",
			yaml:    "steps:\n  - at: 2s\n    detach: \"1\"\n  - at: 1s\n    detach: \"1\"\n",
			wantErr: "step 2: offset 1s is before previous step at 2s",
		},
		{
			name:    "negative offset",
			yaml:    "steps:\n  - at: -1s\n    detach: \"1\"\n",
			wantErr: "step 1: negative offset",
		},
		{
			name:    "negative settle",
			yaml:    "settle: -1s\nsteps:\n  - at: 0s\n    detach: \"1\"\n",
			wantErr: "settle must not be negative",
		},
		{
			name:    "unknown field",
			yaml:    "steps:\n  - at: 0s\n    detach: \"1\"\n    remove: \"1\"\n",
			wantErr: "failed to parse replay script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detach.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - at: 0s\n    detach: \"9\"\n"), 0o600))

	s, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "9", *s.Steps[0].Detach)

	_, err = LoadScript(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read replay script")

	require.NoError(t, os.WriteFile(path, []byte("steps: []\n"), 0o600))
	_, err = LoadScript(path)
	assert.ErrorContains(t, err, path)
}

func TestReplay_FakeTime(t *testing.T) {
	s, err := ParseScript([]byte(testutils.Dedent(`
		settle: 3s
		steps:
		  - at: 0s
		    attach: {id: "1"}
		  - at: 1s
		    detach: "1"
		  - at: 1s
		    detach: "1"
		  - at: 1200ms
		    attach: {id: "1", protocols: [com.precisebiometrics.tactivo.sensor]}
	`)))
	require.NoError(t, err)

	target := newTimedTarget()
	target.reject = map[string]error{"detach:1": errors.New("duplicate")}

	results, err := s.Replay(context.Background(), target, FakeTime(target.clk))
	require.NoError(t, err)

	assert.Equal(t, []string{"attach:1", "detach:1", "detach:1", "attach:1"}, target.events)
	assert.Equal(t, []time.Duration{0, time.Second, time.Second, 1200 * time.Millisecond}, target.at)
	assert.Equal(t, 4200*time.Millisecond, target.clk.Now().Sub(target.start))

	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, 3, results[3].Index)
}

func TestReplay_StopsOnCancelledContext(t *testing.T) {
	s := &Script{Steps: []Step{
		{At: 0, Attach: &accessory.Info{ID: "1"}},
		{At: time.Second, Detach: ptr("1")},
	}}
	require.NoError(t, s.Validate())

	target := newTimedTarget()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.Replay(ctx, target, FakeTime(target.clk))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"attach:1"}, target.events)
}

func TestReplay_StopsOnStoppedSimulator(t *testing.T) {
	sim := NewSimulator(&recordingSink{}, 4, nil)
	sim.Stop()

	s := &Script{Steps: []Step{{Attach: &accessory.Info{ID: "1"}}}}
	results, err := s.Replay(context.Background(), sim, nil)
	assert.ErrorIs(t, err, ErrSimulatorStopped)
	assert.Empty(t, results)
}

func TestBuiltinScriptsParse(t *testing.T) {
	names := tactivo.BuiltinScriptNames()
	require.Equal(t, []string{"aborted", "authenticate", "replace"}, names)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			data, err := tactivo.BuiltinScript(name)
			require.NoError(t, err)
			s, err := ParseScript(data)
			require.NoError(t, err)
			assert.Equal(t, name, s.Name)
			assert.NotEmpty(t, s.Description)
		})
	}

	_, err := tactivo.BuiltinScript("nope")
	assert.ErrorContains(t, err, "available: aborted, authenticate, replace")
}

func ptr(s string) *string { return &s }
