package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/tactivo"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/clock"
	"github.com/srg/tactivo/internal/lifecycle"
	"github.com/srg/tactivo/internal/notify"
	"github.com/srg/tactivo/internal/rawsource"
	"github.com/srg/tactivo/pkg/config"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay [script.yaml]",
	Short: "Replay a raw accessory event timeline",
	Long: `Replays a timeline of raw attach/detach events through the lifecycle
manager and prints every clean notification, then the final accessory status.

By default time is simulated, so a replay finishes immediately. Use
--realtime to wait out the offsets on the wall clock.

Examples:
  # Replay a bundled script
  tactivo replay --builtin authenticate

  # Replay a script file as JSON lines with a 1.5s grace window
  tactivo replay ./handshake.yaml --format json --grace 1.5s`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

var (
	replayBuiltin  string
	replayFormat   string
	replayGrace    time.Duration
	replayRealtime bool
	replayVerbose  bool
	replayNoColor  bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayBuiltin, "builtin", "b", "", "Name of a bundled script (see 'tactivo scripts')")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "", "Output format: table or json (default from config)")
	replayCmd.Flags().DurationVar(&replayGrace, "grace", 0, "Grace window for spurious detaches (default from config)")
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Wait for step offsets on the wall clock")
	replayCmd.Flags().BoolVar(&replayVerbose, "verbose", false, "Enable debug logging")
	replayCmd.Flags().BoolVar(&replayNoColor, "no-color", false, "Disable colored output")
}

// loadReplayScript resolves the script from the argument or --builtin.
func loadReplayScript(args []string) (*rawsource.Script, error) {
	switch {
	case len(args) == 1 && replayBuiltin != "":
		return nil, fmt.Errorf("pass either a script file or --builtin, not both")
	case len(args) == 1:
		return rawsource.LoadScript(args[0])
	case replayBuiltin != "":
		data, err := tactivo.BuiltinScript(replayBuiltin)
		if err != nil {
			return nil, err
		}
		return rawsource.ParseScript(data)
	default:
		return nil, ErrNoScript
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if replayFormat != "" {
		cfg.OutputFormat = replayFormat
	}
	if cfg.OutputFormat != config.FormatTable && cfg.OutputFormat != config.FormatJSON {
		return fmt.Errorf("%w %q: use table or json", ErrInvalidFormat, cfg.OutputFormat)
	}
	if replayGrace < 0 {
		return fmt.Errorf("grace window must be positive, got %s", replayGrace)
	}
	if replayGrace > 0 {
		cfg.GraceWindow = replayGrace
	}

	script, err := loadReplayScript(args)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return replay(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), script, cfg, logger)
}

// replay wires simulator, manager and queue, runs the script and prints the
// notifications and the final status to out. Real-time replays show a
// countdown on errOut.
func replay(ctx context.Context, out, errOut io.Writer, script *rawsource.Script, cfg *config.Config, logger *logrus.Logger) error {
	var (
		clk     clock.Clock
		advance rawsource.Waiter
	)
	if replayRealtime {
		clk = clock.Real()
		advance = rawsource.RealTime
	} else {
		fake := clock.NewFake(time.Now())
		clk = fake
		advance = rawsource.FakeTime(fake)
	}

	queue, err := notify.NewQueue(cfg.QueueOptions(), logger)
	if err != nil {
		return err
	}

	printer := newEventPrinter(out, cfg.OutputFormat, clk.Now(), !replayNoColor)
	if _, err := queue.Subscribe(printer.Print); err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	lifecycleOpts := cfg.LifecycleOptions()
	lifecycleOpts.Clock = clk
	manager := lifecycle.NewManager(queue, lifecycleOpts, logger)
	defer manager.Close()

	sim := rawsource.NewSimulator(manager, 0, logger)
	if err := manager.Sync(sim.ConnectedAccessories()); err != nil {
		return err
	}
	sim.Start(ctx)
	defer sim.Stop()

	logger.WithFields(logrus.Fields{
		"script":       script.Name,
		"steps":        len(script.Steps),
		"grace_window": manager.GraceWindow(),
		"realtime":     replayRealtime,
	}).Info("Replaying script")

	// Raw events must reach the manager before time moves on.
	wait := func(ctx context.Context, d time.Duration) error {
		if err := sim.Flush(ctx); err != nil {
			return err
		}
		return advance(ctx, d)
	}

	progress := NewProgressPrinter(errOut, "Replaying "+script.Name, script.Duration())
	if replayRealtime {
		progress.Start(ctx)
	}
	results, err := script.Replay(ctx, sim, wait)
	progress.Stop()
	if err != nil {
		return err
	}
	for _, r := range results {
		entry := logger.WithField("step", r.Index+1)
		if r.Err != nil {
			entry.WithError(r.Err).Debug(r.Step.String())
		} else {
			entry.Debug(r.Step.String())
		}
	}

	if err := sim.Flush(ctx); err != nil {
		return err
	}
	// Stop drains the queue, so every notification is printed before the status.
	if err := queue.Stop(); err != nil {
		return err
	}

	m := queue.Metrics()
	logger.WithFields(logrus.Fields{
		"published":        m.Published,
		"delivered":        m.Delivered,
		"dropped":          m.Dropped,
		"subscriber_drops": m.SubscriberDrops,
	}).Info("Replay finished")

	return printer.PrintStatus(manager)
}

// eventPrinter renders notifications as table rows or JSON lines.
type eventPrinter struct {
	out    io.Writer
	format string
	start  time.Time

	connected    *color.Color
	disconnected *color.Color
	err          error
}

func newEventPrinter(out io.Writer, format string, start time.Time, colors bool) *eventPrinter {
	p := &eventPrinter{
		out:          out,
		format:       format,
		start:        start,
		connected:    color.New(color.FgGreen, color.Bold),
		disconnected: color.New(color.FgRed),
	}
	if colors {
		p.connected.EnableColor()
		p.disconnected.EnableColor()
	} else {
		p.connected.DisableColor()
		p.disconnected.DisableColor()
	}
	return p
}

// Print is the queue subscriber.
func (p *eventPrinter) Print(ev accessory.Event) {
	if p.format == config.FormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			p.err = err
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}

	kind := fmt.Sprintf("%-12s", ev.Kind)
	if ev.Kind == accessory.EventConnected {
		kind = p.connected.Sprint(kind)
	} else {
		kind = p.disconnected.Sprint(kind)
	}
	offset := "+" + ev.Time.Sub(p.start).Round(time.Millisecond).String()
	fmt.Fprintf(p.out, "%-8s %s %s\n", offset, kind, describeAccessory(ev.Accessory))
}

type statusJSON struct {
	Connected         bool   `json:"connected"`
	SmartCardReader   bool   `json:"smart_card_reader"`
	FingerprintSensor bool   `json:"fingerprint_sensor"`
	ModelNumber       string `json:"model_number,omitempty"`
	HardwareRevision  string `json:"hardware_revision,omitempty"`
}

// PrintStatus renders the manager's final query results.
func (p *eventPrinter) PrintStatus(m *lifecycle.Manager) error {
	if p.err != nil {
		return fmt.Errorf("failed to render notification: %w", p.err)
	}

	model, _ := m.ModelNumber()
	rev, _ := m.HardwareRevision()
	st := statusJSON{
		Connected:         m.IsConnected(),
		SmartCardReader:   m.HasSmartCardReader(),
		FingerprintSensor: m.HasFingerprintSensor(),
		ModelNumber:       model,
		HardwareRevision:  rev,
	}

	if p.format == config.FormatJSON {
		data, err := json.Marshal(map[string]statusJSON{"status": st})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	}

	_, err := fmt.Fprintf(p.out, "\nStatus:\n"+
		"  connected:          %s\n"+
		"  smart card reader:  %s\n"+
		"  fingerprint sensor: %s\n"+
		"  model number:       %s\n"+
		"  hardware revision:  %s\n",
		yesNo(st.Connected), yesNo(st.SmartCardReader), yesNo(st.FingerprintSensor), orDash(model), orDash(rev))
	return err
}

func describeAccessory(d accessory.Descriptor) string {
	parts := []string{"id=" + d.ID()}
	if d.ModelNumber() != "" {
		parts = append(parts, "model="+d.ModelNumber())
	}
	if d.HardwareRevision() != "" {
		parts = append(parts, "rev="+d.HardwareRevision())
	}

	var caps []string
	if d.HasSmartCardReader() {
		caps = append(caps, "smartcard")
	}
	if d.HasFingerprintSensor() {
		caps = append(caps, "fingerprint")
	}
	if len(caps) == 0 {
		caps = append(caps, "none")
	}
	parts = append(parts, "caps="+strings.Join(caps, ","))
	return strings.Join(parts, " ")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
