package beaconscan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-locator.klederson.com/internal/actor"
	"ble-locator.klederson.com/internal/bluetooth"
	"ble-locator.klederson.com/internal/model"
)

type fakeSource struct {
	mu        sync.Mutex
	enableErr error
	handler   func(bluetooth.Record)
	starts    int
	stops     int
	onStart   []bluetooth.Record // emitted synchronously by Start
}

func (f *fakeSource) Enable() error { return f.enableErr }

func (f *fakeSource) Start(h func(bluetooth.Record)) error {
	f.mu.Lock()
	f.handler = h
	f.starts++
	recs := f.onStart
	f.mu.Unlock()
	for _, r := range recs {
		h(r)
	}
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) emit(r bluetooth.Record) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(r)
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func record(name string, x, y int32, rssi int16, vendor uint16) bluetooth.Record {
	cid, data := bluetooth.EncodeAdvertisement(name, model.Position{X: x, Y: y}, vendor)
	return bluetooth.BuildRecord(cid, data, rssi)
}

// idle options keep the timers from firing while a test steps by hand.
func idle() Options {
	return Options{VendorUUID: 0xBEAC, ScanPeriod: time.Hour, CaptureWindow: 30 * time.Minute}
}

func TestCapturePassLifecycle(t *testing.T) {
	src := &fakeSource{}
	c := New(src, idle())
	defer c.shutdown(nil)

	require.True(t, c.m.Step(Timeout{}))
	assert.Equal(t, Scanning, c.State())
	assert.True(t, c.watchdog.Armed())
	assert.True(t, c.capture.Armed())

	src.emit(record("A1", 0, 0, -70, 0xBEAC))
	src.emit(record("ZZ", 5, 5, -40, 0x1234)) // other vendor
	src.emit(record("B2", 400, 0, -65, 0xBEAC))
	src.emit(record("A1", 0, 0, -61, 0xBEAC)) // later sample wins
	src.emit(bluetooth.Record{0xBE, 0xAC})    // too short to carry a UUID

	require.True(t, c.m.Step(CaptureElapsed{}))
	assert.Equal(t, Translating, c.State())
	starts, stops := src.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// while translating, the previous snapshot is served
	var got []model.BeaconSignal
	deliver := func(s []model.BeaconSignal) { got = s }
	require.True(t, c.m.Step(RequestSnapshot{Deliver: deliver}))
	assert.Empty(t, got)
	assert.Equal(t, Translating, c.State())

	c.m.StepRaised()
	assert.Equal(t, Scanning, c.State())

	require.True(t, c.m.Step(RequestSnapshot{Deliver: deliver}))
	require.Len(t, got, 2)
	assert.Equal(t, "A1", got[0].ID)
	assert.Equal(t, int8(-61), got[0].RSSI)
	assert.Equal(t, "B2", got[1].ID)
	assert.Equal(t, model.Position{X: 400, Y: 0}, got[1].Position)

	// the delivered slice is a copy
	got[0].ID = "XX"
	var again []model.BeaconSignal
	c.m.Step(RequestSnapshot{Deliver: func(s []model.BeaconSignal) { again = s }})
	assert.Equal(t, "A1", again[0].ID)
}

func TestTimeoutWhileCapturingSkipsPass(t *testing.T) {
	src := &fakeSource{}
	c := New(src, idle())
	defer c.shutdown(nil)

	c.m.Step(Timeout{})
	c.m.Step(Timeout{})
	starts, _ := src.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, Scanning, c.State())
}

func TestUndefinedEventsAreNoOps(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		ev    Event
		want  State
	}{
		{"capture elapsed before any pass", nil, CaptureElapsed{}, Beginning},
		{"translation done while scanning", []Event{Timeout{}}, TranslationDone{}, Scanning},
		{"snapshot before the first pass", nil, RequestSnapshot{}, Beginning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			c := New(src, idle())
			defer c.shutdown(nil)
			for _, ev := range tt.setup {
				c.m.Step(ev)
			}
			before, beforeStops := src.counts()

			assert.False(t, c.m.Step(tt.ev))
			assert.Equal(t, tt.want, c.State())
			after, afterStops := src.counts()
			assert.Equal(t, before, after)
			assert.Equal(t, beforeStops, afterStops)
		})
	}
}

func TestStopCancelsTimersAndSource(t *testing.T) {
	src := &fakeSource{}
	c := New(src, idle())

	c.m.Step(Timeout{})
	require.True(t, c.m.Step(Stop{}))
	assert.Equal(t, Death, c.State())
	assert.False(t, c.watchdog.Armed())
	assert.False(t, c.capture.Armed())
	_, stops := src.counts()
	assert.Equal(t, 1, stops)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.False(t, c.m.Step(Timeout{}))
}

func TestStartFailsWhenSourceCannotEnable(t *testing.T) {
	src := &fakeSource{enableErr: errors.New("no adapter")}
	c := New(src, idle())
	err := c.Start(context.Background())
	assert.EqualError(t, err, "no adapter")
	assert.Equal(t, Beginning, c.State())
}

func TestRunningCoordinatorPublishesSnapshots(t *testing.T) {
	src := &fakeSource{onStart: []bluetooth.Record{
		record("A1", 0, 0, -60, 0xBEAC),
		record("B2", 300, 0, -62, 0xBEAC),
		record("C3", 0, 300, -64, 0xBEAC),
	}}
	c := New(src, Options{VendorUUID: 0xBEAC, ScanPeriod: 60 * time.Millisecond, CaptureWindow: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	assert.Eventually(t, func() bool {
		ch := make(chan []model.BeaconSignal, 1)
		if err := c.RequestSnapshot(ctx, func(s []model.BeaconSignal) { ch <- s }); err != nil {
			return false
		}
		select {
		case s := <-ch:
			return len(s) == 3
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 30*time.Millisecond)

	require.NoError(t, c.Stop(ctx))
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.ErrorIs(t, c.Stop(ctx), actor.ErrStopped)
}

func TestTranslateSkipsMalformed(t *testing.T) {
	recs := []bluetooth.Record{
		record("A1", 10, 20, -50, 0xBEAC),
		make(bluetooth.Record, 10),
		record("A1", 10, 20, -55, 0xBEAC),
	}
	out := Translate(recs, nil)
	require.Len(t, out, 1)
	assert.Equal(t, int8(-55), out[0].RSSI)
	assert.NotNil(t, Translate(nil, nil))
}
