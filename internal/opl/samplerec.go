package opl

import (
	"encoding/binary"
	"fmt"
	"math"

	"openponylogger/internal/sample"
	"openponylogger/x/mathx"
)

// maxOffsetMs is the saturation point for offset_ms: deltas >= 65.536s
// saturate to 0xFFFF.
const maxOffsetMs = 0xFFFF

// EncodeSampleRecord encodes a single sample as
// {sample_type:u8, offset_ms:u16, payload_len:u8, body}.
// blockStartUs is the owning block's ts_start_us.
//
// Gyro and Mag samples have no wire encoding (see SampleType's doc
// comment) and are rejected with an error.
func EncodeSampleRecord(s sample.Sample, blockStartUs uint64) ([]byte, error) {
	var st SampleType
	var body []byte

	switch s.Kind {
	case sample.KindAccel:
		st = SampleAccel
		body = make([]byte, 12)
		putF32(body[0:4], s.Vec.X)
		putF32(body[4:8], s.Vec.Y)
		putF32(body[8:12], s.Vec.Z)
	case sample.KindGpsFix:
		st = SampleGpsFix
		body = make([]byte, 32)
		putF64(body[0:8], s.Fix.Lat)
		putF64(body[8:16], s.Fix.Lon)
		putF32(body[16:20], s.Fix.AltM)
		putF32(body[20:24], s.Fix.SpeedMS)
		putF32(body[24:28], s.Fix.HeadingD)
		putF32(body[28:32], s.Fix.HDOP)
	case sample.KindGpsSatSnapshot:
		st = SampleGpsSatSnapshot
		if len(s.SatSnap.Sats) > 50 { // 1 + 5*50 = 251 <= 255
			return nil, fmt.Errorf("opl: gps sat snapshot too large (%d sats)", len(s.SatSnap.Sats))
		}
		body = make([]byte, 1+5*len(s.SatSnap.Sats))
		body[0] = byte(len(s.SatSnap.Sats))
		off := 1
		for _, sat := range s.SatSnap.Sats {
			body[off] = sat.PRN
			body[off+1] = byte(sat.ElevD)
			binary.LittleEndian.PutUint16(body[off+2:off+4], sat.AzD)
			body[off+4] = byte(sat.SNR)
			off += 5
		}
	default:
		return nil, fmt.Errorf("opl: sample kind %d has no wire encoding", s.Kind)
	}

	if len(body) > 255 {
		return nil, fmt.Errorf("opl: sample body too large (%d bytes)", len(body))
	}

	offsetMs := uint64(0)
	if s.TSUs > blockStartUs {
		offsetMs = (s.TSUs - blockStartUs) / 1000
	}
	offsetMs = mathx.Clamp(offsetMs, 0, maxOffsetMs)

	rec := make([]byte, 0, 4+len(body))
	rec = append(rec, byte(st))
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(offsetMs))
	rec = append(rec, tmp2[:]...)
	rec = append(rec, byte(len(body)))
	rec = append(rec, body...)
	return rec, nil
}

// DecodeSampleRecord decodes a single sample record from the front of
// buf, returning the sample and the number of bytes consumed.
func DecodeSampleRecord(buf []byte, blockStartUs uint64) (s sample.Sample, n int, err error) {
	if len(buf) < 4 {
		return s, 0, fmt.Errorf("opl: truncated sample record")
	}
	st := SampleType(buf[0])
	offsetMs := binary.LittleEndian.Uint16(buf[1:3])
	payloadLen := int(buf[3])
	if len(buf) < 4+payloadLen {
		return s, 0, fmt.Errorf("opl: truncated sample body")
	}
	body := buf[4 : 4+payloadLen]
	s.TSUs = blockStartUs + uint64(offsetMs)*1000

	switch st {
	case SampleAccel:
		if payloadLen != 12 {
			return s, 0, fmt.Errorf("opl: accel payload_len %d != 12", payloadLen)
		}
		s.Kind = sample.KindAccel
		s.Vec.X = getF32(body[0:4])
		s.Vec.Y = getF32(body[4:8])
		s.Vec.Z = getF32(body[8:12])
	case SampleGpsFix:
		if payloadLen != 32 {
			return s, 0, fmt.Errorf("opl: gps fix payload_len %d != 32", payloadLen)
		}
		s.Kind = sample.KindGpsFix
		s.Fix.Lat = getF64(body[0:8])
		s.Fix.Lon = getF64(body[8:16])
		s.Fix.AltM = getF32(body[16:20])
		s.Fix.SpeedMS = getF32(body[20:24])
		s.Fix.HeadingD = getF32(body[24:28])
		s.Fix.HDOP = getF32(body[28:32])
	case SampleGpsSatSnapshot:
		if payloadLen < 1 {
			return s, 0, fmt.Errorf("opl: gps sat snapshot truncated")
		}
		s.Kind = sample.KindGpsSatSnapshot
		count := int(body[0])
		if payloadLen != 1+5*count {
			return s, 0, fmt.Errorf("opl: gps sat snapshot count/length mismatch")
		}
		sats := make([]sample.Sat, count)
		off := 1
		for i := 0; i < count; i++ {
			sats[i] = sample.Sat{
				PRN:   body[off],
				ElevD: int8(body[off+1]),
				AzD:   binary.LittleEndian.Uint16(body[off+2 : off+4]),
				SNR:   int8(body[off+4]),
			}
			off += 5
		}
		s.SatSnap.Sats = sats
	default:
		return s, 0, fmt.Errorf("opl: unknown sample_type 0x%02x", st)
	}
	return s, 4 + payloadLen, nil
}

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func putF64(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) }
func getF32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
func getF64(b []byte) float64    { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
