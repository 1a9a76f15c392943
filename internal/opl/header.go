package opl

import (
	"encoding/binary"
	"fmt"
)

// SessionHeader is the type 0x01 block body.
type SessionHeader struct {
	FmtMajor, FmtMinor byte
	HwMajor, HwMinor   byte
	TimestampUs        uint64
	UUIDHi, UUIDLo     uint64
	SessionName        string // ≤64 bytes
	DriverName         string // ≤32 bytes
	VehicleID          string // ≤32 bytes
	Weather            Weather
	AmbientTempDC      int16 // °C × 10
	ConfigCRC          uint32
}

func appendLenPrefixedString(buf []byte, s string, max int) ([]byte, error) {
	if len(s) > max {
		return nil, fmt.Errorf("opl: string %q exceeds max length %d", s, max)
	}
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf, nil
}

func readLenPrefixedString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("opl: truncated length-prefixed string")
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("opl: truncated length-prefixed string body")
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeSessionHeader produces a complete, CRC-terminated session header
// block.
func EncodeSessionHeader(h SessionHeader) ([]byte, error) {
	buf := make([]byte, 0, 64+len(h.SessionName)+len(h.DriverName)+len(h.VehicleID))
	buf = appendBlockHeader(buf, BlockSessionHeader)
	buf = append(buf, h.FmtMajor, h.FmtMinor, h.HwMajor, h.HwMinor)

	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], h.TimestampUs)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], h.UUIDHi)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], h.UUIDLo)
	buf = append(buf, tmp8[:]...)

	var err error
	if buf, err = appendLenPrefixedString(buf, h.SessionName, 64); err != nil {
		return nil, err
	}
	if buf, err = appendLenPrefixedString(buf, h.DriverName, 32); err != nil {
		return nil, err
	}
	if buf, err = appendLenPrefixedString(buf, h.VehicleID, 32); err != nil {
		return nil, err
	}
	buf = append(buf, byte(h.Weather))

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(h.AmbientTempDC))
	buf = append(buf, tmp2[:]...)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], h.ConfigCRC)
	buf = append(buf, tmp4[:]...)

	return appendCRC(buf), nil
}

// DecodeSessionHeader parses a complete, CRC-terminated session header
// block (as produced by EncodeSessionHeader).
func DecodeSessionHeader(raw []byte) (SessionHeader, error) {
	var h SessionHeader
	if len(raw) < 5 || string(raw[:4]) != Magic || BlockType(raw[4]) != BlockSessionHeader {
		return h, fmt.Errorf("opl: not a session header block")
	}
	body, ok := verifyAndStripCRC(raw)
	if !ok {
		return h, fmt.Errorf("opl: session header crc mismatch")
	}
	if len(body) < 4+8+8+8 {
		return h, fmt.Errorf("opl: session header truncated")
	}
	h.FmtMajor, h.FmtMinor, h.HwMajor, h.HwMinor = body[0], body[1], body[2], body[3]
	body = body[4:]
	h.TimestampUs = binary.LittleEndian.Uint64(body[0:8])
	h.UUIDHi = binary.LittleEndian.Uint64(body[8:16])
	h.UUIDLo = binary.LittleEndian.Uint64(body[16:24])
	body = body[24:]

	var err error
	if h.SessionName, body, err = readLenPrefixedString(body); err != nil {
		return h, err
	}
	if h.DriverName, body, err = readLenPrefixedString(body); err != nil {
		return h, err
	}
	if h.VehicleID, body, err = readLenPrefixedString(body); err != nil {
		return h, err
	}
	if len(body) < 1+2+4 {
		return h, fmt.Errorf("opl: session header truncated tail")
	}
	h.Weather = Weather(body[0])
	h.AmbientTempDC = int16(binary.LittleEndian.Uint16(body[1:3]))
	h.ConfigCRC = binary.LittleEndian.Uint32(body[3:7])
	return h, nil
}

// HardwareItem is one entry of the type 0x04 hardware-config block.
type HardwareItem struct {
	Kind       HwType
	Conn       ConnType
	Identifier string // ≤31 bytes
}

// EncodeHardwareConfig produces a complete hardware-config block. This
// block is only ever written when len(items) > 0 — callers must check
// that themselves before calling.
func EncodeHardwareConfig(items []HardwareItem) ([]byte, error) {
	buf := make([]byte, 0, 8+8*len(items))
	buf = appendBlockHeader(buf, BlockHardwareConfig)
	if len(items) > 255 {
		return nil, fmt.Errorf("opl: too many hardware items (%d > 255)", len(items))
	}
	buf = append(buf, byte(len(items)))
	for _, it := range items {
		buf = append(buf, byte(it.Kind), byte(it.Conn))
		var err error
		if buf, err = appendLenPrefixedString(buf, it.Identifier, 31); err != nil {
			return nil, err
		}
	}
	return appendCRC(buf), nil
}

// DecodeHardwareConfig parses a complete hardware-config block.
func DecodeHardwareConfig(raw []byte) ([]HardwareItem, error) {
	if len(raw) < 5 || string(raw[:4]) != Magic || BlockType(raw[4]) != BlockHardwareConfig {
		return nil, fmt.Errorf("opl: not a hardware config block")
	}
	body, ok := verifyAndStripCRC(raw)
	if !ok {
		return nil, fmt.Errorf("opl: hardware config crc mismatch")
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("opl: hardware config truncated")
	}
	n := int(body[0])
	body = body[1:]
	items := make([]HardwareItem, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < 2 {
			return nil, fmt.Errorf("opl: hardware config item %d truncated", i)
		}
		it := HardwareItem{Kind: HwType(body[0]), Conn: ConnType(body[1])}
		body = body[2:]
		var err error
		if it.Identifier, body, err = readLenPrefixedString(body); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// EncodeSessionEnd produces a complete session-end (type 0x03) block.
func EncodeSessionEnd(sessionID [16]byte) []byte {
	buf := make([]byte, 0, 5+16+4)
	buf = appendBlockHeader(buf, BlockSessionEnd)
	buf = append(buf, sessionID[:]...)
	return appendCRC(buf)
}

// DecodeSessionEnd parses a complete session-end block.
func DecodeSessionEnd(raw []byte) (sessionID [16]byte, err error) {
	if len(raw) < 5 || string(raw[:4]) != Magic || BlockType(raw[4]) != BlockSessionEnd {
		return sessionID, fmt.Errorf("opl: not a session end block")
	}
	body, ok := verifyAndStripCRC(raw)
	if !ok {
		return sessionID, fmt.Errorf("opl: session end crc mismatch")
	}
	if len(body) != 16 {
		return sessionID, fmt.Errorf("opl: session end body wrong length %d", len(body))
	}
	copy(sessionID[:], body)
	return sessionID, nil
}
