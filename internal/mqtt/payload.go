package mqtt

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"ble-locator.klederson.com/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

type beaconPayload struct {
	ID          string  `json:"id"`
	Position    point   `json:"position"`
	Power       float32 `json:"power"`
	Coefficient float32 `json:"coefficient"`
}

type loadPayload struct {
	Memory    float32 `json:"memory"`
	Processor float32 `json:"processor"`
}

type telemetryPayload struct {
	Node      string          `json:"node"`
	Timestamp int64           `json:"timestamp"`
	Position  *point          `json:"position,omitempty"`
	Beacons   []beaconPayload `json:"beacons"`
	Load      loadPayload     `json:"load"`
}

type samplePayload struct {
	PositionID  uint8   `json:"position_id"`
	Coefficient float32 `json:"coefficient"`
}

type calibrationEntry struct {
	Beacon  string          `json:"beacon"`
	Average float32         `json:"average"`
	Samples []samplePayload `json:"samples"`
}

type calibrationPayload struct {
	Node      string             `json:"node"`
	Timestamp int64              `json:"timestamp"`
	Beacons   []calibrationEntry `json:"beacons"`
}

func encodeTelemetry(node string, t model.Telemetry) ([]byte, error) {
	p := telemetryPayload{
		Node:      node,
		Timestamp: t.Timestamp.Unix(),
		Beacons:   make([]beaconPayload, len(t.Beacons)),
		Load:      loadPayload{Memory: t.Load.Memory, Processor: t.Load.Processor},
	}
	if t.HasPosition {
		p.Position = &point{X: t.Position.X, Y: t.Position.Y}
	}
	for i, b := range t.Beacons {
		p.Beacons[i] = beaconPayload{
			ID:          b.ID,
			Position:    point{X: b.Position.X, Y: b.Position.Y},
			Power:       b.Power,
			Coefficient: b.Coefficient,
		}
	}
	return json.Marshal(p)
}

func encodeCalibration(node string, data []model.CalibrationData, at time.Time) ([]byte, error) {
	p := calibrationPayload{
		Node:      node,
		Timestamp: at.Unix(),
		Beacons:   make([]calibrationEntry, len(data)),
	}
	for i, d := range data {
		e := calibrationEntry{
			Beacon:  d.BeaconID,
			Average: d.Average,
			Samples: make([]samplePayload, len(d.Samples)),
		}
		for j, s := range d.Samples {
			e.Samples[j] = samplePayload{PositionID: s.PositionID, Coefficient: s.Coefficient}
		}
		p.Beacons[i] = e
	}
	return json.Marshal(p)
}
