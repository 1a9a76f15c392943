// Package opl implements the OPL binary container format: block framing,
// CRC32 integrity, the four block encoders/decoders, the flush policy,
// and the writer state machine.
package opl

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic is the 4-byte marker that opens every block.
const Magic = "OPNY"

// BlockType discriminates the four block kinds a file may contain.
type BlockType uint8

const (
	BlockSessionHeader  BlockType = 0x01
	BlockData           BlockType = 0x02
	BlockSessionEnd     BlockType = 0x03
	BlockHardwareConfig BlockType = 0x04
)

// FlushFlag bits. Bits are non-exclusive.
type FlushFlag uint8

const (
	FlushTime  FlushFlag = 0x01
	FlushSize  FlushFlag = 0x02
	FlushEvent FlushFlag = 0x04
)

// MaxPayload is the maximum data block payload in bytes.
const MaxPayload = 4096

// SizeFlushFraction is the fraction of MaxPayload that triggers a SIZE
// flush (data_size >= 0.9 * MaxPayload).
const SizeFlushFraction = 0.9

// HwType enumerates the hardware-config block's per-item kind byte.
type HwType uint8

const (
	HwAccelerometer HwType = iota
	HwGps
	HwRtc
	HwSdCard
	HwDisplay
	HwImu
	HwMagnetometer
	HwRadio
)

// ConnType enumerates the hardware-config block's connection kind byte.
type ConnType uint8

const (
	ConnI2C ConnType = iota
	ConnSPI
	ConnUART
	ConnOnboard
)

// Weather enumerates the session header's weather byte.
type Weather uint8

const (
	WeatherUnknown Weather = iota
	WeatherClear
	WeatherRain
	WeatherSnow
	WeatherCloudy
	WeatherFog
)

// ParseWeather maps a config string to its Weather enum value.
// Unrecognized or empty strings map to WeatherUnknown.
func ParseWeather(s string) Weather {
	switch s {
	case "clear":
		return WeatherClear
	case "rain":
		return WeatherRain
	case "snow":
		return WeatherSnow
	case "cloudy":
		return WeatherCloudy
	case "fog":
		return WeatherFog
	default:
		return WeatherUnknown
	}
}

// SampleType discriminates the wire encoding of a single sample record
// within a data block's payload. Only Accel, GpsFix and GpsSatSnapshot
// are persisted — Gyro and Mag samples exist in the in-memory Sample
// tagged union (see internal/sample) for telemetry/orientation use but
// defines no wire encoding for them.
type SampleType uint8

const (
	SampleAccel          SampleType = 0x01
	SampleGpsFix         SampleType = 0x02
	SampleGpsSatSnapshot SampleType = 0x03
)

// appendBlockHeader writes magic + block type, the common prefix of
// every block.
func appendBlockHeader(buf []byte, bt BlockType) []byte {
	buf = append(buf, Magic...)
	buf = append(buf, byte(bt))
	return buf
}

// appendCRC appends the trailing crc32 over everything written so far,
// using the IEEE 802.3 polynomial 0xEDB88320 (hash/crc32.IEEE matches
// reflected-in/reflected-out, init 0xFFFFFFFF, final
// XOR 0xFFFFFFFF definition exactly).
func appendCRC(buf []byte) []byte {
	sum := crc32.ChecksumIEEE(buf)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], sum)
	return append(buf, tmp[:]...)
}

// verifyAndStripCRC checks the trailing 4-byte CRC of buf (which must
// already include magic+type) and returns the body with magic/type/crc
// removed, i.e. the decodable payload.
func verifyAndStripCRC(buf []byte) (body []byte, ok bool) {
	if len(buf) < 4+1+4 {
		return nil, false
	}
	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	got := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if want != got {
		return nil, false
	}
	return buf[4+1 : len(buf)-4], true
}
