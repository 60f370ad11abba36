package protocol

import (
	"encoding/binary"
	"math"

	"ble-locator.klederson.com/internal/model"
)

// writer fills a preallocated frame. The first failure sticks: later writes
// are ignored and err reports it.
type writer struct {
	buf []byte
	off int
	err error
}

func (w *writer) reserve(n int) []byte {
	if w.err != nil {
		return nil
	}
	if len(w.buf)-w.off < n {
		w.err = ErrShortBuffer
		return nil
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

func (w *writer) u8(v uint8) {
	if b := w.reserve(1); b != nil {
		b[0] = v
	}
}

func (w *writer) u16(v uint16) {
	if b := w.reserve(2); b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

func (w *writer) u32(v uint32) {
	if b := w.reserve(4); b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) position(p model.Position) {
	w.u32(uint32(p.X))
	w.u32(uint32(p.Y))
}

func (w *writer) count(n int) {
	if w.err == nil && n > MaxElements {
		w.err = ErrTooManyElements
		return
	}
	w.u8(uint8(n))
}

func (w *writer) beaconID(id string) {
	if w.err == nil && (len(id) != 2 || id[0] == 0 || id[1] == 0) {
		w.err = ErrInvalidBeaconID
		return
	}
	if b := w.reserve(sizeBeaconID); b != nil {
		b[0], b[1], b[2] = id[0], id[1], 0
	}
}

// reader walks a received payload; like writer, errors stick.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) position() model.Position {
	x := int32(r.u32())
	y := int32(r.u32())
	return model.Position{X: x, Y: y}
}

func (r *reader) beaconID() string {
	b := r.take(sizeBeaconID)
	if b == nil {
		return ""
	}
	if b[0] == 0 || b[1] == 0 || b[2] != 0 {
		if r.err == nil {
			r.err = ErrInvalidBeaconID
		}
		return ""
	}
	return string(b[:2])
}

// done fails when bytes are left over.
func (r *reader) done() error {
	if r.err == nil && r.off != len(r.buf) {
		r.err = ErrTrailingBytes
	}
	return r.err
}
