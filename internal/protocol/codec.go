package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the fixed 3-byte frame prefix.
type Header struct {
	Command Command
	Length  uint16 // payload bytes following the header
}

// FrameSize returns the encoded size of msg.
func FrameSize(msg Message) (int, error) {
	return ComputeFrameSize(msg.Command(), msg.counts()...)
}

// Encode serializes msg into a frame of exactly FrameSize bytes.
func Encode(msg Message) ([]byte, error) {
	size, err := FrameSize(msg)
	if err != nil {
		return nil, err
	}
	if size-HeaderSize > 0xFFFF {
		return nil, fmt.Errorf("%s: payload of %d bytes exceeds 65535", msg.Command(), size-HeaderSize)
	}
	w := &writer{buf: make([]byte, size)}
	w.u8(uint8(msg.Command()))
	w.u16(uint16(size - HeaderSize))
	msg.encode(w)
	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Command(), w.err)
	}
	if w.off != size {
		return nil, fmt.Errorf("encode %s: wrote %d of %d bytes", msg.Command(), w.off, size)
	}
	return w.buf, nil
}

// DecodeHeader parses the 3-byte frame prefix.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{Command: Command(b[0]), Length: binary.BigEndian.Uint16(b[1:3])}, nil
}

// DecodePayload decodes the payload of a frame whose header is already known.
func DecodePayload(cmd Command, payload []byte) (Message, error) {
	dec, ok := decoders[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, uint8(cmd))
	}
	r := &reader{buf: payload}
	msg := dec(r)
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cmd, err)
	}
	return msg, nil
}

// Decode parses a complete frame.
func Decode(frame []byte) (Message, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(frame)-HeaderSize {
		return nil, fmt.Errorf("decode %s: %w", h.Command, ErrLengthMismatch)
	}
	return DecodePayload(h.Command, frame[HeaderSize:])
}

// ReadFrame reads one frame: the header first, then exactly the announced
// payload length. The returned slice holds the whole frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	h, _ := DecodeHeader(head)
	frame := make([]byte, HeaderSize+int(h.Length))
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
