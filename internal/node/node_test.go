package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-locator.klederson.com/internal/bluetooth"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/protocol"
	"ble-locator.klederson.com/internal/transport"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.File {
	t.Helper()
	cfg := config.Default()
	cfg.Bluetooth.Demo = true
	cfg.Bluetooth.ScanPeriod = 600 * time.Millisecond
	cfg.Bluetooth.CaptureWindow = 450 * time.Millisecond
	cfg.Engine.Period = 300 * time.Millisecond
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Transport.RetryDelay = 50 * time.Millisecond
	cfg.Calibration.Store = filepath.Join(t.TempDir(), "calibration.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

// inbox reads every message from c until it fails.
func inbox(c *transport.Conn) <-chan protocol.Message {
	out := make(chan protocol.Message, 64)
	go func() {
		defer close(out)
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			out <- msg
		}
	}()
	return out
}

func waitFor[T protocol.Message](t *testing.T, in <-chan protocol.Message, match func(T) bool) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-in:
			require.True(t, ok, "connection closed")
			if m, ok := msg.(T); ok && match(m) {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

func TestNodeDemoSession(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := New(ctx, cfg, nil, quiet())
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		if a := n.Addr(); a != nil {
			addr = a.String()
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	c, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()
	in := inbox(c)

	exp := waitFor(t, in, func(protocol.ExperimentalPositions) bool { return true })
	assert.Equal(t, cfg.ExperimentalPositions(), exp.Positions)
	waitFor(t, in, func(protocol.ExperimentalTrajects) bool { return true })

	beacons := waitFor(t, in, func(m protocol.BeaconsData) bool { return len(m.Beacons) >= 3 })
	for _, b := range beacons.Beacons {
		assert.Len(t, b.ID, 2)
		assert.Equal(t, float32(cfg.Engine.DefaultCoefficient), b.Coefficient)
	}
	waitFor(t, in, func(protocol.CurrentPosition) bool { return true })
	waitFor(t, in, func(protocol.LoadReport) bool { return true })

	require.NoError(t, c.Send(protocol.CalibrationPositionsRequest{}))
	got := waitFor(t, in, func(protocol.CalibrationPositions) bool { return true })
	assert.Equal(t, cfg.CalibrationPositions(), got.Positions)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
}

type deadSource struct{}

func (deadSource) Enable() error                      { return errors.New("no adapter") }
func (deadSource) Start(func(bluetooth.Record)) error { return nil }
func (deadSource) Stop() error                        { return nil }

func TestNodeFailsWithoutAdapter(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(context.Background(), cfg, deadSource{}, quiet())
	require.NoError(t, err)
	err = n.Run(context.Background())
	assert.ErrorContains(t, err, "no adapter")
}

type fakeMirror struct {
	mu          sync.Mutex
	telemetry   int
	calibration int
	fail        bool
}

func (m *fakeMirror) PublishTelemetry(model.Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry++
	if m.fail {
		return errors.New("queue full")
	}
	return nil
}

func (m *fakeMirror) PublishCalibration([]model.CalibrationData, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration++
	if m.fail {
		return errors.New("queue full")
	}
	return nil
}

type countingReporter struct {
	telemetry, updated, finished int
}

func (r *countingReporter) ReportTelemetry(context.Context, model.Telemetry) error {
	r.telemetry++
	return nil
}

func (r *countingReporter) CoefficientsUpdated(context.Context) error {
	r.updated++
	return nil
}

func (r *countingReporter) CalibrationFinished(context.Context, []model.CalibrationData) error {
	r.finished++
	return nil
}

func TestMirrorReporter(t *testing.T) {
	for _, fail := range []bool{false, true} {
		inner := &countingReporter{}
		mir := &fakeMirror{fail: fail}
		r := &mirrorReporter{Reporter: inner, mirror: mir, logger: quiet()}
		ctx := context.Background()

		require.NoError(t, r.ReportTelemetry(ctx, model.Telemetry{}))
		require.NoError(t, r.CoefficientsUpdated(ctx))
		require.NoError(t, r.CalibrationFinished(ctx, nil))

		assert.Equal(t, 1, inner.telemetry)
		assert.Equal(t, 1, inner.updated)
		assert.Equal(t, 1, inner.finished)
		assert.Equal(t, 1, mir.telemetry)
		assert.Equal(t, 1, mir.calibration)
	}
}
