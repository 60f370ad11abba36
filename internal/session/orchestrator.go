// Package session runs the session orchestrator: it owns the conversation
// with the remote peer, turns engine telemetry into dated frames and walks
// the operator through the calibration positions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ble-locator.klederson.com/internal/actor"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/protocol"
)

type State int

const (
	WaitingForConnection State = iota
	Idle
	WaitingForBePlaced
	WaitingForAttenuationFromPosition
	WaitingForAverageCoefficient
	Death
)

var stateNames = [...]string{
	WaitingForConnection:              "WaitingForConnection",
	Idle:                              "Idle",
	WaitingForBePlaced:                "WaitingForBePlaced",
	WaitingForAttenuationFromPosition: "WaitingForAttenuationFromPosition",
	WaitingForAverageCoefficient:      "WaitingForAverageCoefficient",
	Death:                             "Death",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is anything the orchestrator mailbox accepts.
type Event interface {
	String() string
}

type (
	ConnectionEstablished struct{}
	ConnectionDown        struct{}

	// AskCalibrationPositions starts a calibration session.
	AskCalibrationPositions struct{}

	// ValidatePosition reports the operator stands on calibration position ID.
	ValidatePosition struct{ ID uint8 }

	// SignalEndUpdateAttenuation reports the engine sampled the position.
	SignalEndUpdateAttenuation struct{}

	// SignalEndAverageCalcul carries the finalized calibration.
	SignalEndAverageCalcul struct{ Data []model.CalibrationData }

	// DateAndSendData carries one engine cycle to date and send.
	DateAndSendData struct{ Telemetry model.Telemetry }

	Stop struct{}
)

func (ConnectionEstablished) String() string      { return "ConnectionEstablished" }
func (ConnectionDown) String() string             { return "ConnectionDown" }
func (AskCalibrationPositions) String() string    { return "AskCalibrationPositions" }
func (e ValidatePosition) String() string         { return fmt.Sprintf("ValidatePosition(%d)", e.ID) }
func (SignalEndUpdateAttenuation) String() string { return "SignalEndUpdateAttenuation" }
func (SignalEndAverageCalcul) String() string     { return "SignalEndAverageCalcul" }
func (DateAndSendData) String() string            { return "DateAndSendData" }
func (Stop) String() string                       { return "Stop" }

// Transport carries frames to the peer.
type Transport interface {
	SendFrame(frame []byte) error
	Close() error
}

// Calibrator is the position engine side of calibration.
type Calibrator interface {
	AskUpdateCoefficient(ctx context.Context, pos model.CalibrationPosition) error
	AskAverage(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures the orchestrator.
type Options struct {
	CalibrationPositions  []model.CalibrationPosition
	ExperimentalPositions []model.ExperimentalPosition
	ExperimentalTrajects  []model.ExperimentalTraject
	MailboxCapacity       int
	Logger                *slog.Logger
	Now                   func() time.Time
}

// Orchestrator is the session orchestrator actor.
type Orchestrator struct {
	m          *actor.Machine[State, Event]
	transport  Transport
	calibrator Calibrator
	opts       Options
	logger     *slog.Logger
	ctx        context.Context

	// loop goroutine only
	counter int
	current model.CalibrationPosition
}

// New creates an orchestrator waiting for a connection. Bind must be called
// before Start.
func New(transport Transport, opts Options) *Orchestrator {
	if opts.MailboxCapacity == 0 {
		opts.MailboxCapacity = config.MailboxCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With("component", "session"),
		ctx:       context.Background(),
	}
	o.m = actor.New[State, Event]("session", WaitingForConnection, Death, opts.MailboxCapacity, o.dispatch, o.logger)
	return o
}

// Bind attaches the position engine. The engine and the orchestrator refer
// to each other, so one side is wired after construction.
func (o *Orchestrator) Bind(c Calibrator) { o.calibrator = c }

// Start runs the loop. ctx bounds the sends made to the engine.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx = ctx
	o.m.Start()
}

func (o *Orchestrator) Stop(ctx context.Context) error { return o.m.Send(ctx, Stop{}) }

func (o *Orchestrator) Done() <-chan struct{} { return o.m.Done() }

func (o *Orchestrator) State() State { return o.m.State() }

// Counter returns how many calibration positions were completed in the
// running session. Only meaningful from the loop goroutine or tests.
func (o *Orchestrator) Counter() int { return o.counter }

// Transport-side notifications.

func (o *Orchestrator) ConnectionEstablished(ctx context.Context) error {
	return o.m.Send(ctx, ConnectionEstablished{})
}

func (o *Orchestrator) ConnectionDown(ctx context.Context) error {
	return o.m.Send(ctx, ConnectionDown{})
}

func (o *Orchestrator) AskCalibrationPositions(ctx context.Context) error {
	return o.m.Send(ctx, AskCalibrationPositions{})
}

func (o *Orchestrator) ValidatePosition(ctx context.Context, id uint8) error {
	return o.m.Send(ctx, ValidatePosition{ID: id})
}

// Engine-side notifications.

func (o *Orchestrator) ReportTelemetry(ctx context.Context, t model.Telemetry) error {
	return o.m.Send(ctx, DateAndSendData{Telemetry: t})
}

func (o *Orchestrator) CoefficientsUpdated(ctx context.Context) error {
	return o.m.Send(ctx, SignalEndUpdateAttenuation{})
}

func (o *Orchestrator) CalibrationFinished(ctx context.Context, data []model.CalibrationData) error {
	return o.m.Send(ctx, SignalEndAverageCalcul{Data: data})
}

func to(next State, action func(Event)) (actor.Transition[State, Event], bool) {
	return actor.Transition[State, Event]{Action: action, Next: next}, true
}

func (o *Orchestrator) dispatch(s State, ev Event) (actor.Transition[State, Event], bool) {
	switch ev := ev.(type) {
	case ConnectionEstablished:
		if s == WaitingForConnection {
			return to(Idle, o.sendExperimental)
		}
	case ConnectionDown:
		if s != WaitingForConnection && s != Death {
			return to(WaitingForConnection, nil)
		}
	case DateAndSendData:
		if s == Idle {
			return to(Idle, o.sendTelemetry)
		}
	case AskCalibrationPositions:
		if s == Idle {
			return to(WaitingForBePlaced, o.startCalibration)
		}
	case ValidatePosition:
		if s == WaitingForBePlaced {
			if _, ok := o.lookup(ev.ID); ok {
				return to(WaitingForAttenuationFromPosition, o.samplePosition)
			}
			o.logger.Warn("unknown calibration position", "id", ev.ID)
		}
	case SignalEndUpdateAttenuation:
		if s == WaitingForAttenuationFromPosition {
			if o.counter+1 < len(o.opts.CalibrationPositions) {
				return to(WaitingForBePlaced, o.positionDone)
			}
			return to(WaitingForAverageCoefficient, o.lastPositionDone)
		}
	case SignalEndAverageCalcul:
		if s == WaitingForAverageCoefficient {
			return to(Idle, o.sendCalibration)
		}
	case Stop:
		if s != Death {
			return to(Death, o.shutdown)
		}
	}
	return actor.Transition[State, Event]{}, false
}

func (o *Orchestrator) lookup(id uint8) (model.CalibrationPosition, bool) {
	for _, p := range o.opts.CalibrationPositions {
		if p.ID == id {
			return p, true
		}
	}
	return model.CalibrationPosition{}, false
}

func (o *Orchestrator) sendExperimental(Event) {
	o.send(protocol.ExperimentalPositions{Positions: o.opts.ExperimentalPositions})
	o.send(protocol.ExperimentalTrajects{Trajects: o.opts.ExperimentalTrajects})
}

func (o *Orchestrator) sendTelemetry(ev Event) {
	t := ev.(DateAndSendData).Telemetry
	stamp := t.Timestamp
	if stamp.IsZero() {
		stamp = o.opts.Now()
	}
	date := uint32(stamp.Unix())
	o.send(protocol.BeaconsData{Date: date, Beacons: t.Beacons})
	if t.HasPosition {
		o.send(protocol.CurrentPosition{Date: date, Position: t.Position})
	}
	o.send(protocol.LoadReport{Date: date, Load: t.Load})
}

func (o *Orchestrator) startCalibration(Event) {
	o.counter = 0
	o.logger.Info("calibration started", "positions", len(o.opts.CalibrationPositions))
	o.send(protocol.CalibrationPositions{Positions: o.opts.CalibrationPositions})
}

func (o *Orchestrator) samplePosition(ev Event) {
	o.current, _ = o.lookup(ev.(ValidatePosition).ID)
	if err := o.calibrator.AskUpdateCoefficient(o.ctx, o.current); err != nil {
		o.logger.Warn("could not ask for coefficients", "position", o.current.ID, "error", err)
	}
}

func (o *Orchestrator) positionDone(Event) {
	o.counter++
	o.send(protocol.CalibrationPositionSignal{ID: o.current.ID})
}

func (o *Orchestrator) lastPositionDone(ev Event) {
	o.positionDone(ev)
	if err := o.calibrator.AskAverage(o.ctx); err != nil {
		o.logger.Warn("could not ask for averages", "error", err)
	}
}

func (o *Orchestrator) sendCalibration(ev Event) {
	data := ev.(SignalEndAverageCalcul).Data
	o.send(protocol.CalibrationDataReport{Data: data})
	o.send(protocol.CalibrationEnd{})
	o.logger.Info("calibration finished", "beacons", len(data))
}

func (o *Orchestrator) shutdown(Event) {
	if o.calibrator != nil {
		if err := o.calibrator.Stop(o.ctx); err != nil {
			o.logger.Debug("engine stop", "error", err)
		}
	}
	if err := o.transport.Close(); err != nil {
		o.logger.Debug("transport close", "error", err)
	}
}

// send encodes and writes one frame. Failures are logged only: a broken
// link is reported by the transport as ConnectionDown.
func (o *Orchestrator) send(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		o.logger.Error("frame not encoded", "command", msg.Command(), "error", err)
		return
	}
	if err := o.transport.SendFrame(frame); err != nil {
		o.logger.Warn("frame not sent", "command", msg.Command(), "error", err)
	}
}
