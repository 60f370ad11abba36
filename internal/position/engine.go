// Package position runs the position engine: each cycle it pulls the
// latest beacon snapshot, trilaterates, samples the system load and hands a
// dated telemetry record to the session. It also computes the attenuation
// coefficients during calibration.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ble-locator.klederson.com/internal/actor"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

type State int

const (
	Beginning State = iota
	WaitingBeacons
	ComputePosition
	ComputeLoad
	ComputeCalibrationPosition
	ComputeCalibrationAverage
	Death
)

var stateNames = [...]string{
	Beginning:                  "Beginning",
	WaitingBeacons:             "WaitingBeacons",
	ComputePosition:            "ComputePosition",
	ComputeLoad:                "ComputeLoad",
	ComputeCalibrationPosition: "ComputeCalibrationPosition",
	ComputeCalibrationAverage:  "ComputeCalibrationAverage",
	Death:                      "Death",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is anything the engine mailbox accepts.
type Event interface {
	String() string
}

type Timeout struct{}

// BeaconsReady carries the snapshot answered by the scan coordinator.
type BeaconsReady struct {
	Signals []model.BeaconSignal
}

// LoadReady carries a load sample taken off the engine goroutine.
type LoadReady struct {
	Load model.Load
}

// AskUpdateCoefficient samples every known beacon from a calibration position.
type AskUpdateCoefficient struct {
	Position model.CalibrationPosition
}

// AskAverage finalizes the calibration.
type AskAverage struct{}

type Stop struct{}

func (Timeout) String() string              { return "Timeout" }
func (BeaconsReady) String() string         { return "BeaconsReady" }
func (LoadReady) String() string            { return "LoadReady" }
func (AskUpdateCoefficient) String() string { return "AskUpdateCoefficient" }
func (AskAverage) String() string           { return "AskAverage" }
func (Stop) String() string                 { return "Stop" }

// SnapshotSource serves the latest beacon snapshot; deliver may run on
// another goroutine.
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context, deliver func([]model.BeaconSignal)) error
}

// LoadSource samples processor and memory usage. It may block.
type LoadSource interface {
	Sample() model.Load
}

// Solver is the math the engine relies on.
type Solver interface {
	CurrentPosition(beacons []model.BeaconData) (model.Position, error)
	AttenuationCoefficient(power float64, beacon, calib model.Position) (float64, error)
	AverageCoefficient(samples []model.BeaconCoefficients) (float64, error)
}

// Reporter receives the engine's results. The session orchestrator
// implements it.
type Reporter interface {
	ReportTelemetry(ctx context.Context, t model.Telemetry) error
	CoefficientsUpdated(ctx context.Context) error
	CalibrationFinished(ctx context.Context, data []model.CalibrationData) error
}

// CalibrationStore persists finalized calibrations.
type CalibrationStore interface {
	Save(ctx context.Context, data []model.CalibrationData) error
	Load(ctx context.Context) ([]model.CalibrationData, error)
}

// Options tunes the engine. Zero values use the config defaults.
type Options struct {
	Period             time.Duration
	DefaultCoefficient float64
	MailboxCapacity    int
	Store              CalibrationStore // optional
	Logger             *slog.Logger
	Now                func() time.Time
}

func (o *Options) defaults() {
	if o.Period == 0 {
		o.Period = config.PositionPeriod
	}
	if o.DefaultCoefficient == 0 {
		o.DefaultCoefficient = config.DefaultCoefficient
	}
	if o.MailboxCapacity == 0 {
		o.MailboxCapacity = config.MailboxCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine is the position engine actor.
type Engine struct {
	m        *actor.Machine[State, Event]
	snaps    SnapshotSource
	load     LoadSource
	solver   Solver
	reporter Reporter
	opts     Options
	logger   *slog.Logger
	watchdog *actor.Watchdog[Event]
	ctx      context.Context

	// loop goroutine only
	beacons     []model.BeaconData
	position    model.Position
	hasPosition bool
	samples     []model.BeaconCoefficients
	coeffs      map[string]float32 // latest calibrated average per beacon
}

// New creates an engine in Beginning. The last persisted calibration, if
// any, is loaded from opts.Store.
func New(snaps SnapshotSource, load LoadSource, solver Solver, reporter Reporter, opts Options) *Engine {
	opts.defaults()
	e := &Engine{
		snaps:    snaps,
		load:     load,
		solver:   solver,
		reporter: reporter,
		opts:     opts,
		logger:   opts.Logger.With("component", "position"),
		ctx:      context.Background(),
		coeffs:   map[string]float32{},
	}
	e.m = actor.New[State, Event]("position", Beginning, Death, opts.MailboxCapacity, e.dispatch, e.logger)
	e.watchdog = actor.NewWatchdog[Event]("position", Timeout{}, e.m.TrySend, e.logger)

	if opts.Store != nil {
		data, err := opts.Store.Load(e.ctx)
		switch {
		case err != nil:
			e.logger.Warn("could not load stored calibration", "error", err)
		case len(data) > 0:
			e.adopt(data)
			e.logger.Info("stored calibration loaded", "beacons", len(data))
		}
	}
	return e
}

// Start runs the loop and triggers the first cycle. ctx bounds every send
// the engine makes to other actors.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx
	e.m.Start()
	return e.m.Send(ctx, Timeout{})
}

// AskUpdateCoefficient asks for one calibration sample at pos.
func (e *Engine) AskUpdateCoefficient(ctx context.Context, pos model.CalibrationPosition) error {
	return e.m.Send(ctx, AskUpdateCoefficient{Position: pos})
}

// AskAverage asks the engine to finalize the calibration.
func (e *Engine) AskAverage(ctx context.Context) error {
	return e.m.Send(ctx, AskAverage{})
}

// Stop asks the engine to terminate.
func (e *Engine) Stop(ctx context.Context) error {
	return e.m.Send(ctx, Stop{})
}

func (e *Engine) Done() <-chan struct{} { return e.m.Done() }

func (e *Engine) State() State { return e.m.State() }

func to(next State, action func(Event)) (actor.Transition[State, Event], bool) {
	return actor.Transition[State, Event]{Action: action, Next: next}, true
}

func (e *Engine) dispatch(s State, ev Event) (actor.Transition[State, Event], bool) {
	switch ev := ev.(type) {
	case Timeout:
		switch s {
		case Beginning, WaitingBeacons, ComputeLoad, ComputeCalibrationPosition, ComputeCalibrationAverage:
			return to(WaitingBeacons, e.requestSnapshot)
		}
	case BeaconsReady:
		if s == WaitingBeacons {
			if len(ev.Signals) >= 3 {
				return to(ComputePosition, e.computePosition)
			}
			return to(ComputeLoad, e.computeLoad)
		}
	case LoadReady:
		if s == ComputePosition || s == ComputeLoad {
			return to(WaitingBeacons, e.forwardTelemetry)
		}
	case AskUpdateCoefficient:
		// the session waits for every sample, so none may be dropped
		if s != Death {
			return to(ComputeCalibrationPosition, e.updateCoefficients)
		}
	case AskAverage:
		switch s {
		case WaitingBeacons, ComputePosition, ComputeLoad, ComputeCalibrationPosition:
			return to(ComputeCalibrationAverage, e.averageCoefficients)
		}
	case Stop:
		if s != Death {
			return to(Death, func(Event) { e.watchdog.Cancel() })
		}
	}
	return actor.Transition[State, Event]{}, false
}

func (e *Engine) requestSnapshot(Event) {
	// re-armed here so a lost reply only costs one period
	e.watchdog.Arm(e.opts.Period)
	err := e.snaps.RequestSnapshot(e.ctx, func(s []model.BeaconSignal) {
		if err := e.m.Send(e.ctx, BeaconsReady{Signals: s}); err != nil {
			e.logger.Debug("beacons reply dropped", "error", err)
		}
	})
	if err != nil {
		e.logger.Warn("snapshot request failed", "error", err)
	}
}

func (e *Engine) computePosition(ev Event) {
	e.beacons = e.beaconData(ev.(BeaconsReady).Signals)
	pos, err := e.solver.CurrentPosition(e.beacons)
	if err != nil {
		e.logger.Warn("position not computed", "beacons", len(e.beacons), "error", err)
		e.hasPosition = false
	} else {
		e.position, e.hasPosition = pos, true
	}
	e.requestLoad()
}

func (e *Engine) computeLoad(ev Event) {
	e.beacons = e.beaconData(ev.(BeaconsReady).Signals)
	e.hasPosition = false
	e.requestLoad()
}

// beaconData joins each signal with its latest calibrated coefficient.
func (e *Engine) beaconData(signals []model.BeaconSignal) []model.BeaconData {
	out := make([]model.BeaconData, len(signals))
	for i, s := range signals {
		coeff, ok := e.coeffs[s.ID]
		if !ok {
			coeff = float32(e.opts.DefaultCoefficient)
		}
		out[i] = model.BeaconData{
			ID:          s.ID,
			Position:    s.Position,
			Power:       float32(s.RSSI),
			Coefficient: coeff,
		}
	}
	return out
}

func (e *Engine) requestLoad() {
	go func() {
		l := e.load.Sample()
		if err := e.m.Send(e.ctx, LoadReady{Load: l}); err != nil {
			e.logger.Debug("load reply dropped", "error", err)
		}
	}()
}

func (e *Engine) forwardTelemetry(ev Event) {
	t := model.Telemetry{
		Beacons:     e.beacons,
		Position:    e.position,
		HasPosition: e.hasPosition,
		Load:        ev.(LoadReady).Load,
		Timestamp:   e.opts.Now(),
	}
	if err := e.reporter.ReportTelemetry(e.ctx, t.Clone()); err != nil {
		e.logger.Warn("telemetry not forwarded", "error", err)
	}
	e.watchdog.Arm(e.opts.Period)
}

// updateCoefficients samples from the beacons of the last cycle. Samples
// accumulate until AskAverage; sampling a position again replaces its
// earlier samples.
func (e *Engine) updateCoefficients(ev Event) {
	calib := ev.(AskUpdateCoefficient).Position
	taken := 0
	for _, b := range e.beacons {
		coeff, err := e.solver.AttenuationCoefficient(float64(b.Power), b.Position, calib.Position)
		if err != nil {
			e.logger.Warn("coefficient skipped", "beacon", b.ID, "position", calib.ID, "error", err)
			continue
		}
		e.putSample(model.BeaconCoefficients{BeaconID: b.ID, PositionID: calib.ID, Coefficient: float32(coeff)})
		taken++
	}
	e.logger.Info("calibration position sampled", "position", calib.ID, "beacons", taken)
	if err := e.reporter.CoefficientsUpdated(e.ctx); err != nil {
		e.logger.Warn("coefficient update not reported", "error", err)
	}
	e.watchdog.Arm(e.opts.Period)
}

// putSample replaces an earlier sample of the same beacon at the same position.
func (e *Engine) putSample(s model.BeaconCoefficients) {
	for i, old := range e.samples {
		if old.BeaconID == s.BeaconID && old.PositionID == s.PositionID {
			e.samples[i] = s
			return
		}
	}
	e.samples = append(e.samples, s)
}

func (e *Engine) averageCoefficients(Event) {
	var order []string
	groups := map[string][]model.BeaconCoefficients{}
	for _, s := range e.samples {
		if _, ok := groups[s.BeaconID]; !ok {
			order = append(order, s.BeaconID)
		}
		groups[s.BeaconID] = append(groups[s.BeaconID], s)
	}

	data := make([]model.CalibrationData, 0, len(order))
	for _, id := range order {
		avg, err := e.solver.AverageCoefficient(groups[id])
		if err != nil {
			e.logger.Warn("average skipped", "beacon", id, "error", err)
			continue
		}
		data = append(data, model.CalibrationData{BeaconID: id, Samples: groups[id], Average: float32(avg)})
	}
	e.samples = nil
	e.adopt(data)
	e.logger.Info("calibration finalized", "beacons", len(data))

	if e.opts.Store != nil {
		if err := e.opts.Store.Save(e.ctx, data); err != nil {
			e.logger.Error("calibration not persisted", "error", err)
		}
	}
	if err := e.reporter.CalibrationFinished(e.ctx, model.CloneCalibration(data)); err != nil {
		e.logger.Warn("calibration result not reported", "error", err)
	}
	e.watchdog.Arm(e.opts.Period)
}

// adopt makes data the latest calibration. Unusable averages are skipped
// so those beacons keep the default coefficient.
func (e *Engine) adopt(data []model.CalibrationData) {
	e.coeffs = make(map[string]float32, len(data))
	for _, d := range data {
		avg := float64(d.Average)
		if math.IsNaN(avg) || math.IsInf(avg, 0) || avg <= 0 {
			e.logger.Warn("calibration average ignored", "beacon", d.BeaconID, "average", d.Average)
			continue
		}
		e.coeffs[d.BeaconID] = d.Average
	}
}
