// Package beaconscan runs the beacon scan coordinator: it drives periodic
// BLE capture passes, translates raw records into beacon signals and serves
// the latest consolidated snapshot to the position engine.
package beaconscan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ble-locator.klederson.com/internal/actor"
	"ble-locator.klederson.com/internal/bluetooth"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

type State int

const (
	Beginning State = iota
	Scanning
	Translating
	Death
)

func (s State) String() string {
	switch s {
	case Beginning:
		return "Beginning"
	case Scanning:
		return "Scanning"
	case Translating:
		return "Translating"
	case Death:
		return "Death"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is anything the coordinator mailbox accepts.
type Event interface {
	String() string
}

// Timeout starts a capture pass.
type Timeout struct{}

// CaptureElapsed ends the running capture pass.
type CaptureElapsed struct{}

// TranslationDone publishes the translated pass.
type TranslationDone struct{}

// RequestSnapshot asks for a copy of the consolidated snapshot. Deliver is
// called on the coordinator goroutine.
type RequestSnapshot struct {
	Deliver func([]model.BeaconSignal)
}

// Stop terminates the coordinator.
type Stop struct{}

func (Timeout) String() string         { return "Timeout" }
func (CaptureElapsed) String() string  { return "CaptureElapsed" }
func (TranslationDone) String() string { return "TranslationDone" }
func (RequestSnapshot) String() string { return "RequestSnapshot" }
func (Stop) String() string            { return "Stop" }

// Options tunes the coordinator. Zero values use the config defaults.
type Options struct {
	VendorUUID      uint16
	ScanPeriod      time.Duration
	CaptureWindow   time.Duration
	MailboxCapacity int
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.VendorUUID == 0 {
		o.VendorUUID = config.VendorUUID
	}
	if o.ScanPeriod == 0 {
		o.ScanPeriod = config.ScanPeriod
	}
	if o.CaptureWindow == 0 {
		o.CaptureWindow = config.CaptureWindow
	}
	if o.MailboxCapacity == 0 {
		o.MailboxCapacity = config.MailboxCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator is the beacon scan coordinator actor.
type Coordinator struct {
	m      *actor.Machine[State, Event]
	source bluetooth.Source
	buf    *bluetooth.RecordBuffer
	opts   Options
	logger *slog.Logger

	watchdog *actor.Watchdog[Event]
	capture  *actor.Watchdog[Event]

	// loop goroutine only
	capturing bool
	pending   []model.BeaconSignal
	snapshot  []model.BeaconSignal
}

// New creates a coordinator in Beginning over source.
func New(source bluetooth.Source, opts Options) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		source: source,
		buf:    bluetooth.NewRecordBuffer(),
		opts:   opts,
		logger: opts.Logger.With("component", "beaconscan"),
	}
	c.m = actor.New[State, Event]("beaconscan", Beginning, Death, opts.MailboxCapacity, c.dispatch, c.logger)
	c.watchdog = actor.NewWatchdog[Event]("scan", Timeout{}, c.m.TrySend, c.logger)
	c.capture = actor.NewWatchdog[Event]("capture", CaptureElapsed{}, c.m.TrySend, c.logger)
	return c
}

// Start enables the BLE source, starts the loop and triggers the first
// capture pass. An enable failure is returned and the actor is not started.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.source.Enable(); err != nil {
		return err
	}
	c.m.Start()
	return c.m.Send(ctx, Timeout{})
}

// RequestSnapshot asks for the current snapshot; deliver receives a copy.
func (c *Coordinator) RequestSnapshot(ctx context.Context, deliver func([]model.BeaconSignal)) error {
	return c.m.Send(ctx, RequestSnapshot{Deliver: deliver})
}

// Stop asks the coordinator to terminate.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.m.Send(ctx, Stop{})
}

// Done is closed once the coordinator reached Death.
func (c *Coordinator) Done() <-chan struct{} { return c.m.Done() }

// State returns the current state.
func (c *Coordinator) State() State { return c.m.State() }

func to(next State, action func(Event)) (actor.Transition[State, Event], bool) {
	return actor.Transition[State, Event]{Action: action, Next: next}, true
}

func (c *Coordinator) dispatch(s State, ev Event) (actor.Transition[State, Event], bool) {
	switch ev.(type) {
	case Timeout:
		if s == Beginning || s == Scanning {
			return to(Scanning, c.startPass)
		}
	case CaptureElapsed:
		if s == Scanning {
			return to(Translating, c.endPass)
		}
	case TranslationDone:
		if s == Translating {
			return to(Scanning, c.publish)
		}
	case RequestSnapshot:
		if s == Scanning || s == Translating {
			return to(s, c.deliver)
		}
	case Stop:
		if s != Death {
			return to(Death, c.shutdown)
		}
	}
	return actor.Transition[State, Event]{}, false
}

func (c *Coordinator) startPass(Event) {
	c.watchdog.Arm(c.opts.ScanPeriod)
	if c.capturing {
		c.logger.Debug("capture pass still running, skipping")
		return
	}
	c.buf.Reset()
	if err := c.source.Start(c.onRecord); err != nil {
		c.logger.Warn("capture pass failed to start", "error", err)
		return
	}
	c.capturing = true
	c.capture.Arm(c.opts.CaptureWindow)
}

// onRecord runs on the source goroutine.
func (c *Coordinator) onRecord(r bluetooth.Record) {
	if r.MatchesVendor(c.opts.VendorUUID) {
		c.buf.Append(r)
	}
}

func (c *Coordinator) endPass(Event) {
	c.stopSource()
	records := c.buf.Snapshot()
	c.pending = Translate(records, c.logger)
	c.logger.Debug("capture pass translated", "records", len(records), "beacons", len(c.pending))
	c.m.Raise(TranslationDone{})
}

func (c *Coordinator) publish(Event) {
	c.snapshot = c.pending
	c.pending = nil
}

func (c *Coordinator) deliver(ev Event) {
	req := ev.(RequestSnapshot)
	if req.Deliver == nil {
		return
	}
	req.Deliver(append([]model.BeaconSignal(nil), c.snapshot...))
}

func (c *Coordinator) shutdown(Event) {
	c.watchdog.Cancel()
	c.capture.Cancel()
	c.stopSource()
}

func (c *Coordinator) stopSource() {
	if !c.capturing {
		return
	}
	c.capturing = false
	if err := c.source.Stop(); err != nil {
		c.logger.Warn("capture pass failed to stop", "error", err)
	}
}

// Translate parses raw records into beacon signals. Malformed records are
// skipped. Records with the same name are merged, the latest sample wins;
// the order of first appearance is kept.
func Translate(records []bluetooth.Record, logger *slog.Logger) []model.BeaconSignal {
	out := make([]model.BeaconSignal, 0, len(records))
	index := make(map[string]int, len(records))
	for _, r := range records {
		sig, err := bluetooth.ParseRecord(r)
		if err != nil {
			if logger != nil {
				logger.Debug("skipping malformed record", "error", err, "len", len(r))
			}
			continue
		}
		if i, ok := index[sig.ID]; ok {
			out[i] = sig
			continue
		}
		index[sig.ID] = len(out)
		out = append(out, sig)
	}
	return out
}
