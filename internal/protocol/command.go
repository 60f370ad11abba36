// Package protocol encodes and decodes the framed binary messages exchanged
// between the node and the remote peer.
//
// Frame layout:
//
//	[command:1][payloadLength:2 big-endian][payload]
//
// Positions are two big-endian int32, beacon ids are 2 characters plus a NUL,
// powers and coefficients are big-endian IEEE-754 float32 and dates are
// big-endian uint32 Unix seconds.
package protocol

import (
	"errors"
	"fmt"
)

// Command identifies the payload layout of a frame.
type Command uint8

const (
	SendExperimentalPositions Command = 0x01
	SendExperimentalTrajects  Command = 0x02
	SendAllBeaconsData        Command = 0x03
	SendCurrentPosition       Command = 0x04
	SendMemoryProcessorLoad   Command = 0x05
	SignalCalibrationStart    Command = 0x06
	AskCalibrationPositions   Command = 0x07
	RepCalibrationPositions   Command = 0x08
	SignalCalibrationPosition Command = 0x09
	SendCalibrationData       Command = 0x0A
	SignalCalibrationEnd      Command = 0x0B
)

// HeaderSize is the size of the command byte plus the payload length.
const HeaderSize = 3

// MaxElements is the largest count a 1-byte count prefix can carry.
const MaxElements = 255

// Field sizes
const (
	sizeCount    = 1
	sizeID       = 1
	sizeBeaconID = 3
	sizePosition = 8
	sizeFloat    = 4
	sizeDate     = 4
)

var (
	ErrUnknownCommand   = errors.New("protocol: unknown command")
	ErrShortBuffer      = errors.New("protocol: write past end of frame")
	ErrTruncated        = errors.New("protocol: frame truncated")
	ErrTrailingBytes    = errors.New("protocol: trailing bytes after payload")
	ErrLengthMismatch   = errors.New("protocol: payload length does not match header")
	ErrInvalidBeaconID  = errors.New("protocol: beacon id must be 2 non-NUL bytes followed by NUL")
	ErrTooManyElements  = errors.New("protocol: more than 255 elements")
	ErrBadElementCounts = errors.New("protocol: wrong number of element counts")
)

var commandNames = map[Command]string{
	SendExperimentalPositions: "SEND_EXPERIMENTAL_POSITIONS",
	SendExperimentalTrajects:  "SEND_EXPERIMENTAL_TRAJECTS",
	SendAllBeaconsData:        "SEND_ALL_BEACONS_DATA",
	SendCurrentPosition:       "SEND_CURRENT_POSITION",
	SendMemoryProcessorLoad:   "SEND_MEMORY_PROCESSOR_LOAD",
	SignalCalibrationStart:    "SIGNAL_CALIBRATION_START",
	AskCalibrationPositions:   "ASK_CALIBRATION_POSITIONS",
	RepCalibrationPositions:   "REP_CALIBRATION_POSITIONS",
	SignalCalibrationPosition: "SIGNAL_CALIBRATION_POSITION",
	SendCalibrationData:       "SEND_CALIBRATION_DATA",
	SignalCalibrationEnd:      "SIGNAL_CALIBRATION_END",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND(0x%02X)", uint8(c))
}

// Known reports whether c is a command this codec understands.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// ComputeFrameSize returns the exact size of a frame, header included.
//
// Flat commands take a single element count (omitted or ignored for
// commands without repeated items). SEND_EXPERIMENTAL_TRAJECTS and
// SEND_CALIBRATION_DATA take one count per outer element: the number of
// positions of each traject, the number of coefficients of each beacon.
func ComputeFrameSize(cmd Command, counts ...int) (int, error) {
	payload, err := payloadSize(cmd, counts)
	if err != nil {
		return 0, err
	}
	return HeaderSize + payload, nil
}

func payloadSize(cmd Command, counts []int) (int, error) {
	flat := func() (int, error) {
		switch len(counts) {
		case 0:
			return 0, nil
		case 1:
			if counts[0] < 0 || counts[0] > MaxElements {
				return 0, ErrTooManyElements
			}
			return counts[0], nil
		default:
			return 0, ErrBadElementCounts
		}
	}
	nested := func(per func(n int) int) (int, error) {
		if len(counts) > MaxElements {
			return 0, ErrTooManyElements
		}
		size := sizeCount
		for _, n := range counts {
			if n < 0 || n > MaxElements {
				return 0, ErrTooManyElements
			}
			size += per(n)
		}
		return size, nil
	}

	switch cmd {
	case AskCalibrationPositions, SignalCalibrationStart, SignalCalibrationEnd:
		return 0, nil
	case SignalCalibrationPosition:
		return sizeID, nil
	case RepCalibrationPositions, SendExperimentalPositions:
		n, err := flat()
		return sizeCount + n*(sizeID+sizePosition), err
	case SendAllBeaconsData:
		n, err := flat()
		return sizeCount + sizeDate + n*(sizeBeaconID+sizePosition+2*sizeFloat), err
	case SendCurrentPosition:
		return sizeDate + sizePosition, nil
	case SendMemoryProcessorLoad:
		return sizeDate + 2*sizeFloat, nil
	case SendExperimentalTrajects:
		return nested(func(n int) int { return sizeID + sizeCount + n*sizePosition })
	case SendCalibrationData:
		return nested(func(n int) int { return sizeBeaconID + sizeFloat + sizeCount + n*(sizeID+sizeFloat) })
	default:
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, uint8(cmd))
	}
}
