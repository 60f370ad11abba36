// Package model holds the data exchanged between the locator actors and the
// remote peer. Coordinates are signed centimeters.
package model

import (
	"fmt"
	"time"
)

// LoadUnavailable marks a load metric the sampler could not read.
const LoadUnavailable float32 = -1

// Position is a 2D coordinate in centimeters.
type Position struct {
	X int32
	Y int32
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// BeaconSignal is one beacon as seen during a single scan cycle.
type BeaconSignal struct {
	ID       string // 2 printable characters
	UUID     [2]byte
	RSSI     int8
	Position Position
}

// BeaconData is a beacon joined with its current attenuation coefficient.
type BeaconData struct {
	ID          string
	Position    Position
	Power       float32 // last observed RSSI, dBm
	Coefficient float32
}

// CalibrationPosition is a spot the operator visits during calibration.
type CalibrationPosition struct {
	ID       uint8
	Position Position
}

// BeaconCoefficients is one attenuation sample for a beacon taken at a
// calibration position.
type BeaconCoefficients struct {
	BeaconID    string
	PositionID  uint8
	Coefficient float32
}

// CalibrationData is the finalized calibration of one beacon.
type CalibrationData struct {
	BeaconID string
	Samples  []BeaconCoefficients
	Average  float32
}

// Load is the processor and memory usage in percent.
type Load struct {
	Memory    float32
	Processor float32
}

// ExperimentalPosition is a reference spot shown to the remote peer.
type ExperimentalPosition struct {
	ID       uint8
	Position Position
}

// ExperimentalTraject is a reference path shown to the remote peer.
type ExperimentalTraject struct {
	ID        uint8
	Positions []Position
}

// Telemetry is one dated position cycle produced by the position engine.
type Telemetry struct {
	Beacons     []BeaconData
	Position    Position
	HasPosition bool
	Load        Load
	Timestamp   time.Time
}

// Clone returns a deep copy so the telemetry can cross actor boundaries.
func (t Telemetry) Clone() Telemetry {
	cp := t
	cp.Beacons = append([]BeaconData(nil), t.Beacons...)
	return cp
}

// CloneCalibration deep copies a calibration set.
func CloneCalibration(data []CalibrationData) []CalibrationData {
	if data == nil {
		return nil
	}
	out := make([]CalibrationData, len(data))
	for i, d := range data {
		out[i] = CalibrationData{
			BeaconID: d.BeaconID,
			Samples:  append([]BeaconCoefficients(nil), d.Samples...),
			Average:  d.Average,
		}
	}
	return out
}
