package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-locator.klederson.com/internal/model"
)

func pos(x, y int32) model.Position { return model.Position{X: x, Y: y} }

func sampleMessages() []Message {
	return []Message{
		CalibrationPositionsRequest{},
		CalibrationStart{},
		CalibrationEnd{},
		CalibrationPositionSignal{ID: 42},
		CalibrationPositions{Positions: []model.CalibrationPosition{
			{ID: 0, Position: pos(0, 0)},
			{ID: 1, Position: pos(-150, 300)},
		}},
		CalibrationPositions{Positions: []model.CalibrationPosition{}},
		ExperimentalPositions{Positions: []model.ExperimentalPosition{
			{ID: 9, Position: pos(1200, -7)},
		}},
		ExperimentalTrajects{Trajects: []model.ExperimentalTraject{
			{ID: 1, Positions: []model.Position{pos(0, 0), pos(10, 20), pos(-30, 40)}},
			{ID: 2, Positions: []model.Position{}},
			{ID: 3, Positions: []model.Position{pos(5, 5)}},
		}},
		BeaconsData{Date: 1700000000, Beacons: []model.BeaconData{
			{ID: "A1", Position: pos(0, 0), Power: -61.5, Coefficient: 2.25},
			{ID: "B2", Position: pos(400, 0), Power: -72, Coefficient: 1.875},
		}},
		BeaconsData{Date: 7, Beacons: []model.BeaconData{}},
		CurrentPosition{Date: 1700000001, Position: pos(-12, 345)},
		LoadReport{Date: 1700000002, Load: model.Load{Memory: 41.5, Processor: 12.25}},
		LoadReport{Date: 3, Load: model.Load{Memory: model.LoadUnavailable, Processor: model.LoadUnavailable}},
		CalibrationDataReport{Data: []model.CalibrationData{
			{BeaconID: "A1", Average: 2.5, Samples: []model.BeaconCoefficients{
				{BeaconID: "A1", PositionID: 0, Coefficient: 2},
				{BeaconID: "A1", PositionID: 1, Coefficient: 3},
			}},
			{BeaconID: "C3", Average: 1.5, Samples: []model.BeaconCoefficients{}},
		}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, msg := range sampleMessages() {
		t.Run(msg.Command().String(), func(t *testing.T) {
			frame, err := Encode(msg)
			require.NoError(t, err)

			size, err := ComputeFrameSize(msg.Command(), msg.counts()...)
			require.NoError(t, err)
			assert.Len(t, frame, size)

			h, err := DecodeHeader(frame)
			require.NoError(t, err)
			assert.Equal(t, msg.Command(), h.Command)
			assert.Equal(t, size-HeaderSize, int(h.Length))

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestComputeFrameSize(t *testing.T) {
	tests := []struct {
		cmd    Command
		counts []int
		want   int
	}{
		{AskCalibrationPositions, nil, 3},
		{SignalCalibrationStart, nil, 3},
		{SignalCalibrationEnd, nil, 3},
		{SignalCalibrationPosition, nil, 4},
		{RepCalibrationPositions, []int{3}, 3 + 1 + 27},
		{SendExperimentalPositions, []int{0}, 4},
		{SendExperimentalTrajects, []int{2, 0}, 3 + 1 + (2 + 16) + 2},
		{SendAllBeaconsData, []int{2}, 3 + 1 + 4 + 2*19},
		{SendCurrentPosition, nil, 3 + 12},
		{SendMemoryProcessorLoad, nil, 3 + 12},
		{SendCalibrationData, []int{2, 1}, 3 + 1 + (8 + 10) + (8 + 5)},
	}
	for _, tt := range tests {
		got, err := ComputeFrameSize(tt.cmd, tt.counts...)
		require.NoError(t, err, tt.cmd.String())
		assert.Equal(t, tt.want, got, tt.cmd.String())
	}
}

func TestComputeFrameSizeErrors(t *testing.T) {
	_, err := ComputeFrameSize(Command(0x7F))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = ComputeFrameSize(RepCalibrationPositions, 256)
	assert.ErrorIs(t, err, ErrTooManyElements)

	_, err = ComputeFrameSize(SendAllBeaconsData, 1, 2)
	assert.ErrorIs(t, err, ErrBadElementCounts)
}

func TestRepCalibrationPositionsFixture(t *testing.T) {
	msg := CalibrationPositions{Positions: []model.CalibrationPosition{
		{ID: 0, Position: pos(0, 0)},
		{ID: 255, Position: pos(-1, -1)},                   // 0xFFFFFFFF
		{ID: 170, Position: pos(-1431655766, -1431655766)}, // 0xAAAAAAAA
	}}
	want := []byte{
		0x08, 0x00, 0x1C, 0x03,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	}

	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.Len(t, frame, 31)
	assert.Equal(t, want, frame)
}

func TestDecodeUnknownCommand(t *testing.T) {
	_, err := Decode([]byte{0x7F, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short header", []byte{0x04, 0x00}, ErrTruncated},
		{"length mismatch", []byte{0x09, 0x00, 0x02, 0x01}, ErrLengthMismatch},
		{"payload too short", []byte{0x04, 0x00, 0x02, 0x00, 0x00}, ErrTruncated},
		{"trailing bytes", []byte{0x07, 0x00, 0x01, 0x00}, ErrTrailingBytes},
		{"count larger than payload", []byte{0x08, 0x00, 0x01, 0x05}, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRejectsBadBeaconID(t *testing.T) {
	for _, id := range []string{"ABC", "A", "A\x00", "\x00B"} {
		_, err := Encode(BeaconsData{Beacons: []model.BeaconData{{ID: id}}})
		assert.ErrorIs(t, err, ErrInvalidBeaconID, "%q", id)
	}
}

func TestDecodeRejectsBadBeaconID(t *testing.T) {
	frame, err := Encode(BeaconsData{Date: 1, Beacons: []model.BeaconData{{ID: "A1", Power: -60, Coefficient: 2}}})
	require.NoError(t, err)
	idx := bytes.Index(frame, []byte("A1\x00"))
	require.Positive(t, idx)

	bad := append([]byte(nil), frame...)
	bad[idx+2] = 'X' // terminator
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrInvalidBeaconID)

	bad = append([]byte(nil), frame...)
	bad[idx+1] = 0
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrInvalidBeaconID)
}

func TestEncodeRejectsTooManyElements(t *testing.T) {
	_, err := Encode(CalibrationPositions{Positions: make([]model.CalibrationPosition, 256)})
	assert.ErrorIs(t, err, ErrTooManyElements)
}

func TestWriterNeverOverflows(t *testing.T) {
	w := &writer{buf: make([]byte, 5)}
	w.u32(1)
	w.u32(2)
	w.u8(3)
	assert.ErrorIs(t, w.err, ErrShortBuffer)
	assert.Equal(t, 4, w.off)
}

func TestReadFrame(t *testing.T) {
	var stream bytes.Buffer
	for _, msg := range sampleMessages()[:6] {
		frame, err := Encode(msg)
		require.NoError(t, err)
		stream.Write(frame)
	}

	for _, want := range sampleMessages()[:6] {
		frame, err := ReadFrame(&stream)
		require.NoError(t, err)
		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x04, 0x00, 0x0C, 0x01, 0x02}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
