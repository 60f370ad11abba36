package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ble-locator.klederson.com/internal/model"
)

// File is the node configuration loaded from YAML. Zero fields fall back to
// the constants in this package.
type File struct {
	NodeID       string             `yaml:"node_id"`
	Log          LogConfig          `yaml:"log"`
	Bluetooth    BluetoothConfig    `yaml:"bluetooth"`
	Engine       EngineConfig       `yaml:"engine"`
	Transport    TransportConfig    `yaml:"transport"`
	Load         LoadConfig         `yaml:"load"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	Experimental ExperimentalConfig `yaml:"experimental"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// BluetoothConfig drives the beacon scan coordinator.
type BluetoothConfig struct {
	Demo          bool          `yaml:"demo"`
	VendorUUID    uint16        `yaml:"vendor_uuid"`
	ScanPeriod    time.Duration `yaml:"scan_period"`
	CaptureWindow time.Duration `yaml:"capture_window"`
}

// EngineConfig drives the position engine and the math.
type EngineConfig struct {
	Period             time.Duration `yaml:"period"`
	ReferencePower     float64       `yaml:"reference_power"`
	DefaultCoefficient float64       `yaml:"default_coefficient"`
	MailboxCapacity    int           `yaml:"mailbox_capacity"`
}

// TransportConfig drives the peer link.
type TransportConfig struct {
	Listen       string        `yaml:"listen"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	InboundRate  float64       `yaml:"inbound_rate"` // frames per second, excess is dropped
	InboundBurst int           `yaml:"inbound_burst"`
}

// LoadConfig drives the system load sampler.
type LoadConfig struct {
	ProcPath         string `yaml:"proc_path"`
	Retries          int    `yaml:"retries"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// CalibrationConfig lists the positions visited during calibration.
type CalibrationConfig struct {
	Positions []PositionEntry `yaml:"positions"`
	Store     string          `yaml:"store"` // SQLite path, empty disables persistence
}

// ExperimentalConfig holds the reference data pushed to the peer.
type ExperimentalConfig struct {
	Positions []PositionEntry `yaml:"positions"`
	Trajects  []TrajectEntry  `yaml:"trajects"`
}

// MQTTConfig enables the telemetry mirror when Broker is set.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// PositionEntry is an identified point in centimeters.
type PositionEntry struct {
	ID uint8 `yaml:"id"`
	X  int32 `yaml:"x"`
	Y  int32 `yaml:"y"`
}

// PointEntry is an anonymous point in centimeters.
type PointEntry struct {
	X int32 `yaml:"x"`
	Y int32 `yaml:"y"`
}

// TrajectEntry is an identified path.
type TrajectEntry struct {
	ID     uint8        `yaml:"id"`
	Points []PointEntry `yaml:"points"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	f := &File{
		Calibration: CalibrationConfig{
			Positions: []PositionEntry{
				{ID: 0, X: 0, Y: 0},
				{ID: 1, X: 300, Y: 0},
				{ID: 2, X: 300, Y: 300},
				{ID: 3, X: 0, Y: 300},
			},
		},
		Experimental: ExperimentalConfig{
			Positions: []PositionEntry{
				{ID: 0, X: 150, Y: 150},
			},
			Trajects: []TrajectEntry{
				{ID: 0, Points: []PointEntry{{X: 50, Y: 50}, {X: 250, Y: 50}, {X: 250, Y: 250}}},
			},
		},
	}
	f.applyDefaults()
	return f
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "text"
	}
	if f.Bluetooth.VendorUUID == 0 {
		f.Bluetooth.VendorUUID = VendorUUID
	}
	if f.Bluetooth.ScanPeriod == 0 {
		f.Bluetooth.ScanPeriod = ScanPeriod
	}
	if f.Bluetooth.CaptureWindow == 0 {
		f.Bluetooth.CaptureWindow = CaptureWindow
	}
	if f.Engine.Period == 0 {
		f.Engine.Period = PositionPeriod
	}
	if f.Engine.ReferencePower == 0 {
		f.Engine.ReferencePower = ReferencePowerAt1m
	}
	if f.Engine.DefaultCoefficient == 0 {
		f.Engine.DefaultCoefficient = DefaultCoefficient
	}
	if f.Engine.MailboxCapacity == 0 {
		f.Engine.MailboxCapacity = MailboxCapacity
	}
	if f.Transport.Listen == "" {
		f.Transport.Listen = ListenAddr
	}
	if f.Transport.RetryDelay == 0 {
		f.Transport.RetryDelay = RetryDelay
	}
	if f.Transport.InboundRate == 0 {
		f.Transport.InboundRate = InboundFrameRate
	}
	if f.Transport.InboundBurst == 0 {
		f.Transport.InboundBurst = InboundFrameBurst
	}
	if f.Load.ProcPath == "" {
		f.Load.ProcPath = ProcPath
	}
	if f.Load.Retries == 0 {
		f.Load.Retries = LoadRetries
	}
	if f.Load.FailureThreshold == 0 {
		f.Load.FailureThreshold = FailureThreshold
	}
	if f.MQTT.Topic == "" {
		f.MQTT.Topic = MQTTTopic
	}
}

// Validate rejects configurations the actors cannot run with.
func (f *File) Validate() error {
	if f.Bluetooth.CaptureWindow >= f.Bluetooth.ScanPeriod {
		return errors.New("bluetooth.capture_window must be shorter than bluetooth.scan_period")
	}
	if f.Engine.Period <= 0 {
		return errors.New("engine.period must be positive")
	}
	if f.Engine.DefaultCoefficient <= 0 {
		return errors.New("engine.default_coefficient must be positive")
	}
	if f.Transport.InboundRate < 0 || f.Transport.InboundBurst < 1 {
		return errors.New("transport.inbound_rate and transport.inbound_burst must be positive")
	}
	if len(f.Calibration.Positions) == 0 {
		return errors.New("calibration.positions must not be empty")
	}
	if len(f.Calibration.Positions) > 255 {
		return errors.New("calibration.positions: at most 255 entries")
	}
	if err := uniqueIDs("calibration.positions", f.Calibration.Positions); err != nil {
		return err
	}
	if err := uniqueIDs("experimental.positions", f.Experimental.Positions); err != nil {
		return err
	}
	for _, tr := range f.Experimental.Trajects {
		if len(tr.Points) > 255 {
			return fmt.Errorf("experimental.trajects[%d]: at most 255 points", tr.ID)
		}
	}
	return nil
}

func uniqueIDs(field string, entries []PositionEntry) error {
	seen := make(map[uint8]bool, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			return fmt.Errorf("%s: duplicate id %d", field, e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

// CalibrationPositions converts the configured calibration set.
func (f *File) CalibrationPositions() []model.CalibrationPosition {
	out := make([]model.CalibrationPosition, len(f.Calibration.Positions))
	for i, p := range f.Calibration.Positions {
		out[i] = model.CalibrationPosition{ID: p.ID, Position: model.Position{X: p.X, Y: p.Y}}
	}
	return out
}

// ExperimentalPositions converts the configured reference positions.
func (f *File) ExperimentalPositions() []model.ExperimentalPosition {
	out := make([]model.ExperimentalPosition, len(f.Experimental.Positions))
	for i, p := range f.Experimental.Positions {
		out[i] = model.ExperimentalPosition{ID: p.ID, Position: model.Position{X: p.X, Y: p.Y}}
	}
	return out
}

// ExperimentalTrajects converts the configured reference paths.
func (f *File) ExperimentalTrajects() []model.ExperimentalTraject {
	out := make([]model.ExperimentalTraject, len(f.Experimental.Trajects))
	for i, tr := range f.Experimental.Trajects {
		pts := make([]model.Position, len(tr.Points))
		for j, p := range tr.Points {
			pts[j] = model.Position{X: p.X, Y: p.Y}
		}
		out[i] = model.ExperimentalTraject{ID: tr.ID, Positions: pts}
	}
	return out
}
