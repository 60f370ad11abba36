package bluetooth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ble-locator.klederson.com/internal/model"
)

// Record is one raw advertisement as captured: the advertising data
// followed by a single RSSI byte.
//
// Beacon firmware layout inside the advertising data:
//
//	[5:7]   beacon name, 2 printable ASCII characters
//	[8:13]  X in cm, 5 ASCII digits (leading '-' allowed)
//	[14:19] Y in cm, 5 ASCII digits (leading '-' allowed)
//	[21:23] vendor UUID
//	last    RSSI (int8)
type Record []byte

const (
	nameOffset  = 5
	xOffset     = 8
	yOffset     = 14
	coordLen    = 5
	uuidOffset  = 21
	payloadSize = 23 // advertising bytes the firmware always emits

	// MinRecordLen is the shortest record that holds every fixed field.
	MinRecordLen = payloadSize + 1
)

var (
	ErrShortRecord = errors.New("record shorter than beacon layout")
	ErrBadName     = errors.New("beacon name is not printable")
	ErrBadCoord    = errors.New("beacon coordinate is not numeric")
)

// UUID returns the vendor UUID bytes, or false if the record is too short.
func (r Record) UUID() ([2]byte, bool) {
	var u [2]byte
	if len(r) < MinRecordLen {
		return u, false
	}
	copy(u[:], r[uuidOffset:uuidOffset+2])
	return u, true
}

// MatchesVendor reports whether the record carries the given vendor UUID.
func (r Record) MatchesVendor(uuid uint16) bool {
	u, ok := r.UUID()
	return ok && binary.BigEndian.Uint16(u[:]) == uuid
}

// RSSI returns the trailing signal strength byte.
func (r Record) RSSI() int8 {
	if len(r) == 0 {
		return 0
	}
	return int8(r[len(r)-1])
}

// ParseRecord converts a raw record into a BeaconSignal. The length is
// checked before any fixed offset is read.
func ParseRecord(r Record) (model.BeaconSignal, error) {
	if len(r) < MinRecordLen {
		return model.BeaconSignal{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(r))
	}
	name := r[nameOffset : nameOffset+2]
	for _, c := range name {
		if c < 0x20 || c > 0x7E {
			return model.BeaconSignal{}, fmt.Errorf("%w: %q", ErrBadName, name)
		}
	}
	x, err := parseCoord(r[xOffset : xOffset+coordLen])
	if err != nil {
		return model.BeaconSignal{}, err
	}
	y, err := parseCoord(r[yOffset : yOffset+coordLen])
	if err != nil {
		return model.BeaconSignal{}, err
	}
	sig := model.BeaconSignal{
		ID:       string(name),
		RSSI:     r.RSSI(),
		Position: model.Position{X: x, Y: y},
	}
	copy(sig.UUID[:], r[uuidOffset:uuidOffset+2])
	return sig, nil
}

func parseCoord(b []byte) (int32, error) {
	s := strings.TrimSpace(string(b))
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadCoord, b)
	}
	return int32(v), nil
}

// BuildRecord lays out a manufacturer-data advertisement the way the
// beacon firmware emits it: a flags AD structure, then the manufacturer AD
// whose company id bytes carry the beacon name. rssi is appended last.
func BuildRecord(companyID uint16, data []byte, rssi int16) Record {
	r := make(Record, 0, 7+len(data)+1)
	r = append(r, 0x02, 0x01, 0x06)        // flags: LE general discoverable, BR/EDR unsupported
	r = append(r, byte(3+len(data)), 0xFF) // manufacturer specific data
	r = binary.LittleEndian.AppendUint16(r, companyID)
	r = append(r, data...)
	return append(r, byte(int8(clampRSSI(rssi))))
}

// EncodeAdvertisement produces the manufacturer data a beacon named name,
// placed at pos, broadcasts. It is the inverse of ParseRecord once wrapped
// by BuildRecord.
func EncodeAdvertisement(name string, pos model.Position, uuid uint16) (companyID uint16, data []byte) {
	var id [2]byte
	copy(id[:], name)
	companyID = binary.LittleEndian.Uint16(id[:])

	data = make([]byte, payloadSize-7)
	data[0] = '|'
	copy(data[xOffset-7:], formatCoord(pos.X))
	data[yOffset-8] = '|'
	copy(data[yOffset-7:], formatCoord(pos.Y))
	data[uuidOffset-9], data[uuidOffset-8] = '|', '|'
	binary.BigEndian.PutUint16(data[uuidOffset-7:], uuid)
	return companyID, data
}

func formatCoord(v int32) string {
	if v < 0 {
		return fmt.Sprintf("-%04d", -v%10000)
	}
	return fmt.Sprintf("%05d", v%100000)
}

func clampRSSI(v int16) int16 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return v
}
