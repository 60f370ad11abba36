package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  []protocol.Message
	sendErr error
	closed  int
}

func (f *fakeTransport) SendFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.frames...)
}

func (f *fakeTransport) commands() []protocol.Command {
	var out []protocol.Command
	for _, m := range f.sent() {
		out = append(out, m.Command())
	}
	return out
}

type fakeCalibrator struct {
	mu      sync.Mutex
	updates []model.CalibrationPosition
	average int
	stops   int
}

func (f *fakeCalibrator) AskUpdateCoefficient(_ context.Context, pos model.CalibrationPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, pos)
	return nil
}

func (f *fakeCalibrator) AskAverage(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.average++
	return nil
}

func (f *fakeCalibrator) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCalibrator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates) + f.average + f.stops
}

var testNow = time.Unix(1700000000, 0)

func calibrationSet(n int) []model.CalibrationPosition {
	out := make([]model.CalibrationPosition, n)
	for i := range out {
		out[i] = model.CalibrationPosition{ID: uint8(10 + i), Position: model.Position{X: int32(100 * i), Y: 50}}
	}
	return out
}

func newOrchestrator(positions int) (*Orchestrator, *fakeTransport, *fakeCalibrator) {
	tr := &fakeTransport{}
	cal := &fakeCalibrator{}
	o := New(tr, Options{
		CalibrationPositions:  calibrationSet(positions),
		ExperimentalPositions: []model.ExperimentalPosition{{ID: 1, Position: model.Position{X: 5, Y: 6}}},
		ExperimentalTrajects:  []model.ExperimentalTraject{{ID: 2, Positions: []model.Position{{X: 1, Y: 1}}}},
		Now:                   func() time.Time { return testNow },
	})
	o.Bind(cal)
	return o, tr, cal
}

func idle(t *testing.T, o *Orchestrator, tr *fakeTransport) {
	t.Helper()
	require.True(t, o.m.Step(ConnectionEstablished{}))
	require.Equal(t, Idle, o.State())
	tr.mu.Lock()
	tr.frames = nil
	tr.mu.Unlock()
}

func telemetry(withPosition bool) model.Telemetry {
	return model.Telemetry{
		Beacons:     []model.BeaconData{{ID: "A1", Power: -60, Coefficient: 2}},
		Position:    model.Position{X: 120, Y: -40},
		HasPosition: withPosition,
		Load:        model.Load{Memory: 33, Processor: 7},
	}
}

func TestConnectionSendsExperimentalData(t *testing.T) {
	o, tr, _ := newOrchestrator(2)

	require.True(t, o.m.Step(ConnectionEstablished{}))
	assert.Equal(t, Idle, o.State())

	sent := tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.ExperimentalPositions{Positions: o.opts.ExperimentalPositions}, sent[0])
	assert.Equal(t, protocol.ExperimentalTrajects{Trajects: o.opts.ExperimentalTrajects}, sent[1])
}

func TestDateAndSendData(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)

	require.True(t, o.m.Step(DateAndSendData{Telemetry: telemetry(true)}))
	assert.Equal(t, Idle, o.State())

	date := uint32(testNow.Unix())
	assert.Equal(t, []protocol.Message{
		protocol.BeaconsData{Date: date, Beacons: telemetry(true).Beacons},
		protocol.CurrentPosition{Date: date, Position: model.Position{X: 120, Y: -40}},
		protocol.LoadReport{Date: date, Load: model.Load{Memory: 33, Processor: 7}},
	}, tr.sent())
}

func TestDateAndSendDataKeepsCycleTimestamp(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)

	tel := telemetry(true)
	tel.Timestamp = testNow.Add(-3 * time.Second)
	o.m.Step(DateAndSendData{Telemetry: tel})

	want := uint32(tel.Timestamp.Unix())
	sent := tr.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, want, sent[0].(protocol.BeaconsData).Date)
	assert.Equal(t, want, sent[1].(protocol.CurrentPosition).Date)
	assert.Equal(t, want, sent[2].(protocol.LoadReport).Date)
}

func TestDateAndSendDataWithoutPosition(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)

	o.m.Step(DateAndSendData{Telemetry: telemetry(false)})
	assert.Equal(t, []protocol.Command{protocol.SendAllBeaconsData, protocol.SendMemoryProcessorLoad}, tr.commands())
}

func TestDisconnectedSessionSendsNothing(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)

	require.True(t, o.m.Step(ConnectionDown{}))
	assert.Equal(t, WaitingForConnection, o.State())

	assert.False(t, o.m.Step(DateAndSendData{Telemetry: telemetry(true)}))
	assert.Equal(t, WaitingForConnection, o.State())
	assert.Empty(t, tr.sent())
}

func TestCalibrationWalk(t *testing.T) {
	for _, total := range []int{1, 2, 5} {
		o, tr, cal := newOrchestrator(total)
		idle(t, o, tr)

		require.True(t, o.m.Step(AskCalibrationPositions{}))
		assert.Equal(t, WaitingForBePlaced, o.State())
		assert.Zero(t, o.Counter())
		assert.Equal(t, protocol.CalibrationPositions{Positions: calibrationSet(total)}, tr.sent()[0])

		for i, p := range calibrationSet(total) {
			require.True(t, o.m.Step(ValidatePosition{ID: p.ID}))
			assert.Equal(t, WaitingForAttenuationFromPosition, o.State())
			require.True(t, o.m.Step(SignalEndUpdateAttenuation{}))
			assert.Equal(t, i+1, o.Counter())

			if i+1 < total {
				assert.Equal(t, WaitingForBePlaced, o.State())
				assert.Zero(t, cal.average, "average asked before the last position")
			}
		}
		assert.Equal(t, WaitingForAverageCoefficient, o.State())
		assert.Equal(t, total, o.Counter())
		assert.Equal(t, 1, cal.average)
		assert.Equal(t, calibrationSet(total), cal.updates)

		var signalled []uint8
		for _, m := range tr.sent() {
			if s, ok := m.(protocol.CalibrationPositionSignal); ok {
				signalled = append(signalled, s.ID)
			}
		}
		require.Len(t, signalled, total)
		for i, p := range calibrationSet(total) {
			assert.Equal(t, p.ID, signalled[i])
		}

		data := []model.CalibrationData{{BeaconID: "A1", Average: 2.5, Samples: []model.BeaconCoefficients{{BeaconID: "A1", PositionID: 10, Coefficient: 2.5}}}}
		require.True(t, o.m.Step(SignalEndAverageCalcul{Data: data}))
		assert.Equal(t, Idle, o.State())
		sent := tr.sent()
		assert.Equal(t, protocol.CalibrationDataReport{Data: data}, sent[len(sent)-2])
		assert.Equal(t, protocol.CalibrationEnd{}, sent[len(sent)-1])
	}
}

func TestUnknownCalibrationPositionIsDropped(t *testing.T) {
	o, tr, cal := newOrchestrator(3)
	idle(t, o, tr)
	o.m.Step(AskCalibrationPositions{})

	assert.False(t, o.m.Step(ValidatePosition{ID: 99}))
	assert.Equal(t, WaitingForBePlaced, o.State())
	assert.Zero(t, cal.calls())
}

func TestUndefinedPairsAreNoOps(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		ev    Event
		want  State
	}{
		{"telemetry before connection", nil, DateAndSendData{}, WaitingForConnection},
		{"calibration before connection", nil, AskCalibrationPositions{}, WaitingForConnection},
		{"down while already down", nil, ConnectionDown{}, WaitingForConnection},
		{"second connection", []Event{ConnectionEstablished{}}, ConnectionEstablished{}, Idle},
		{"validate while idle", []Event{ConnectionEstablished{}}, ValidatePosition{ID: 10}, Idle},
		{"end of update while idle", []Event{ConnectionEstablished{}}, SignalEndUpdateAttenuation{}, Idle},
		{"average while idle", []Event{ConnectionEstablished{}}, SignalEndAverageCalcul{}, Idle},
		{"telemetry during calibration", []Event{ConnectionEstablished{}, AskCalibrationPositions{}}, DateAndSendData{}, WaitingForBePlaced},
		{"end of update before validation", []Event{ConnectionEstablished{}, AskCalibrationPositions{}}, SignalEndUpdateAttenuation{}, WaitingForBePlaced},
		{"validate twice", []Event{ConnectionEstablished{}, AskCalibrationPositions{}, ValidatePosition{ID: 10}}, ValidatePosition{ID: 11}, WaitingForAttenuationFromPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, tr, cal := newOrchestrator(3)
			for _, ev := range tt.setup {
				o.m.Step(ev)
			}
			framesBefore, calsBefore := len(tr.sent()), cal.calls()

			assert.False(t, o.m.Step(tt.ev))
			assert.Equal(t, tt.want, o.State())
			assert.Len(t, tr.sent(), framesBefore)
			assert.Equal(t, calsBefore, cal.calls())
		})
	}
}

func TestConnectionDownAbortsCalibration(t *testing.T) {
	o, tr, _ := newOrchestrator(3)
	idle(t, o, tr)
	o.m.Step(AskCalibrationPositions{})
	o.m.Step(ValidatePosition{ID: 10})

	require.True(t, o.m.Step(ConnectionDown{}))
	assert.Equal(t, WaitingForConnection, o.State())
}

func TestSendFailureKeepsState(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)
	tr.sendErr = errors.New("not connected")

	require.True(t, o.m.Step(DateAndSendData{Telemetry: telemetry(true)}))
	assert.Equal(t, Idle, o.State())
	require.True(t, o.m.Step(AskCalibrationPositions{}))
	assert.Equal(t, WaitingForBePlaced, o.State())
}

func TestEncodeFailureIsLogged(t *testing.T) {
	o, tr, _ := newOrchestrator(2)
	idle(t, o, tr)

	bad := telemetry(false)
	bad.Beacons = []model.BeaconData{{ID: "TOOLONG"}}
	o.m.Step(DateAndSendData{Telemetry: bad})
	assert.Equal(t, []protocol.Command{protocol.SendMemoryProcessorLoad}, tr.commands())
}

func TestStopStopsEngineAndTransport(t *testing.T) {
	o, tr, cal := newOrchestrator(2)
	idle(t, o, tr)

	require.True(t, o.m.Step(Stop{}))
	assert.Equal(t, Death, o.State())
	assert.Equal(t, 1, cal.stops)
	assert.Equal(t, 1, tr.closed)
}

func TestRunningOrchestrator(t *testing.T) {
	o, tr, cal := newOrchestrator(1)
	ctx := context.Background()
	o.Start(ctx)

	require.NoError(t, o.ConnectionEstablished(ctx))
	require.NoError(t, o.ReportTelemetry(ctx, telemetry(true)))
	require.NoError(t, o.AskCalibrationPositions(ctx))
	require.NoError(t, o.ValidatePosition(ctx, 10))
	require.NoError(t, o.CoefficientsUpdated(ctx))
	require.NoError(t, o.CalibrationFinished(ctx, nil))

	assert.Eventually(t, func() bool {
		cmds := tr.commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == protocol.SignalCalibrationEnd
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []protocol.Command{
		protocol.SendExperimentalPositions,
		protocol.SendExperimentalTrajects,
		protocol.SendAllBeaconsData,
		protocol.SendCurrentPosition,
		protocol.SendMemoryProcessorLoad,
		protocol.RepCalibrationPositions,
		protocol.SignalCalibrationPosition,
		protocol.SendCalibrationData,
		protocol.SignalCalibrationEnd,
	}, tr.commands())

	require.NoError(t, o.ConnectionDown(ctx))
	require.NoError(t, o.Stop(ctx))
	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, 1, cal.stops)
}
