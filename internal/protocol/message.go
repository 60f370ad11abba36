package protocol

import "ble-locator.klederson.com/internal/model"

// Message is a decoded frame.
type Message interface {
	Command() Command
	// counts feeds ComputeFrameSize for this message.
	counts() []int
	encode(w *writer)
}

// CalibrationPositionsRequest asks the node for its calibration positions.
type CalibrationPositionsRequest struct{}

// CalibrationStart opens a calibration session.
type CalibrationStart struct{}

// CalibrationEnd closes a calibration session.
type CalibrationEnd struct{}

// CalibrationPositionSignal carries a calibration position id. The peer
// sends it to validate that the operator stands on the position; the node
// echoes it once the position has been sampled.
type CalibrationPositionSignal struct {
	ID uint8
}

// CalibrationPositions lists the configured calibration positions.
type CalibrationPositions struct {
	Positions []model.CalibrationPosition
}

// ExperimentalPositions lists reference positions.
type ExperimentalPositions struct {
	Positions []model.ExperimentalPosition
}

// ExperimentalTrajects lists reference paths.
type ExperimentalTrajects struct {
	Trajects []model.ExperimentalTraject
}

// BeaconsData reports every beacon seen in one cycle.
type BeaconsData struct {
	Date    uint32
	Beacons []model.BeaconData
}

// CurrentPosition reports the trilaterated node position.
type CurrentPosition struct {
	Date     uint32
	Position model.Position
}

// LoadReport reports memory and processor usage.
type LoadReport struct {
	Date uint32
	Load model.Load
}

// CalibrationDataReport carries the finalized calibration.
type CalibrationDataReport struct {
	Data []model.CalibrationData
}

func (CalibrationPositionsRequest) Command() Command { return AskCalibrationPositions }
func (CalibrationStart) Command() Command            { return SignalCalibrationStart }
func (CalibrationEnd) Command() Command              { return SignalCalibrationEnd }
func (CalibrationPositionSignal) Command() Command   { return SignalCalibrationPosition }
func (CalibrationPositions) Command() Command        { return RepCalibrationPositions }
func (ExperimentalPositions) Command() Command       { return SendExperimentalPositions }
func (ExperimentalTrajects) Command() Command        { return SendExperimentalTrajects }
func (BeaconsData) Command() Command                 { return SendAllBeaconsData }
func (CurrentPosition) Command() Command             { return SendCurrentPosition }
func (LoadReport) Command() Command                  { return SendMemoryProcessorLoad }
func (CalibrationDataReport) Command() Command       { return SendCalibrationData }

func (CalibrationPositionsRequest) counts() []int { return nil }
func (CalibrationStart) counts() []int            { return nil }
func (CalibrationEnd) counts() []int              { return nil }
func (CalibrationPositionSignal) counts() []int   { return nil }
func (m CalibrationPositions) counts() []int      { return []int{len(m.Positions)} }
func (m ExperimentalPositions) counts() []int     { return []int{len(m.Positions)} }
func (m BeaconsData) counts() []int               { return []int{len(m.Beacons)} }
func (CurrentPosition) counts() []int             { return nil }
func (LoadReport) counts() []int                  { return nil }

func (m ExperimentalTrajects) counts() []int {
	c := make([]int, len(m.Trajects))
	for i, t := range m.Trajects {
		c[i] = len(t.Positions)
	}
	return c
}

func (m CalibrationDataReport) counts() []int {
	c := make([]int, len(m.Data))
	for i, d := range m.Data {
		c[i] = len(d.Samples)
	}
	return c
}

func (CalibrationPositionsRequest) encode(*writer) {}
func (CalibrationStart) encode(*writer)            {}
func (CalibrationEnd) encode(*writer)              {}

func (m CalibrationPositionSignal) encode(w *writer) { w.u8(m.ID) }

func (m CalibrationPositions) encode(w *writer) {
	w.count(len(m.Positions))
	for _, p := range m.Positions {
		w.u8(p.ID)
		w.position(p.Position)
	}
}

func (m ExperimentalPositions) encode(w *writer) {
	w.count(len(m.Positions))
	for _, p := range m.Positions {
		w.u8(p.ID)
		w.position(p.Position)
	}
}

func (m ExperimentalTrajects) encode(w *writer) {
	w.count(len(m.Trajects))
	for _, t := range m.Trajects {
		w.u8(t.ID)
		w.count(len(t.Positions))
		for _, p := range t.Positions {
			w.position(p)
		}
	}
}

func (m BeaconsData) encode(w *writer) {
	w.count(len(m.Beacons))
	w.u32(m.Date)
	for _, b := range m.Beacons {
		w.beaconID(b.ID)
		w.position(b.Position)
		w.f32(b.Power)
		w.f32(b.Coefficient)
	}
}

func (m CurrentPosition) encode(w *writer) {
	w.u32(m.Date)
	w.position(m.Position)
}

func (m LoadReport) encode(w *writer) {
	w.u32(m.Date)
	w.f32(m.Load.Memory)
	w.f32(m.Load.Processor)
}

func (m CalibrationDataReport) encode(w *writer) {
	w.count(len(m.Data))
	for _, d := range m.Data {
		w.beaconID(d.BeaconID)
		w.f32(d.Average)
		w.count(len(d.Samples))
		for _, s := range d.Samples {
			w.u8(s.PositionID)
			w.f32(s.Coefficient)
		}
	}
}

// decoders are the exact inverse of the encode methods above.
var decoders = map[Command]func(r *reader) Message{
	AskCalibrationPositions: func(*reader) Message { return CalibrationPositionsRequest{} },
	SignalCalibrationStart:  func(*reader) Message { return CalibrationStart{} },
	SignalCalibrationEnd:    func(*reader) Message { return CalibrationEnd{} },
	SignalCalibrationPosition: func(r *reader) Message {
		return CalibrationPositionSignal{ID: r.u8()}
	},
	RepCalibrationPositions: func(r *reader) Message {
		n := int(r.u8())
		m := CalibrationPositions{Positions: make([]model.CalibrationPosition, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			m.Positions = append(m.Positions, model.CalibrationPosition{ID: r.u8(), Position: r.position()})
		}
		return m
	},
	SendExperimentalPositions: func(r *reader) Message {
		n := int(r.u8())
		m := ExperimentalPositions{Positions: make([]model.ExperimentalPosition, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			m.Positions = append(m.Positions, model.ExperimentalPosition{ID: r.u8(), Position: r.position()})
		}
		return m
	},
	SendExperimentalTrajects: func(r *reader) Message {
		n := int(r.u8())
		m := ExperimentalTrajects{Trajects: make([]model.ExperimentalTraject, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			t := model.ExperimentalTraject{ID: r.u8()}
			k := int(r.u8())
			t.Positions = make([]model.Position, 0, k)
			for j := 0; j < k && r.err == nil; j++ {
				t.Positions = append(t.Positions, r.position())
			}
			m.Trajects = append(m.Trajects, t)
		}
		return m
	},
	SendAllBeaconsData: func(r *reader) Message {
		n := int(r.u8())
		m := BeaconsData{Date: r.u32(), Beacons: make([]model.BeaconData, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			m.Beacons = append(m.Beacons, model.BeaconData{
				ID:          r.beaconID(),
				Position:    r.position(),
				Power:       r.f32(),
				Coefficient: r.f32(),
			})
		}
		return m
	},
	SendCurrentPosition: func(r *reader) Message {
		return CurrentPosition{Date: r.u32(), Position: r.position()}
	},
	SendMemoryProcessorLoad: func(r *reader) Message {
		m := LoadReport{Date: r.u32()}
		m.Load.Memory = r.f32()
		m.Load.Processor = r.f32()
		return m
	},
	SendCalibrationData: func(r *reader) Message {
		n := int(r.u8())
		m := CalibrationDataReport{Data: make([]model.CalibrationData, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			d := model.CalibrationData{BeaconID: r.beaconID(), Average: r.f32()}
			k := int(r.u8())
			d.Samples = make([]model.BeaconCoefficients, 0, k)
			for j := 0; j < k && r.err == nil; j++ {
				d.Samples = append(d.Samples, model.BeaconCoefficients{
					BeaconID:    d.BeaconID,
					PositionID:  r.u8(),
					Coefficient: r.f32(),
				})
			}
			m.Data = append(m.Data, d)
		}
		return m
	},
}
