package opl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"openponylogger/internal/sample"
)

// ErrBlockFull is returned by Block.AddSample when the record would not
// fit in the block's remaining MaxPayload capacity, but would fit in a
// fresh block — the caller should flush the current block and retry in
// a new one.
var ErrBlockFull = errors.New("opl: block full")

// ErrSampleTooLarge is returned when a single sample's encoded record
// exceeds MaxPayload outright — no rollover can help.
var ErrSampleTooLarge = errors.New("opl: sample too large for any block")

// Block is the in-memory builder for one data block (type 0x02): a
// payload of at most MaxPayload bytes carrying a homogeneous stream of
// samples plus header.
type Block struct {
	SessionID  [16]byte
	Sequence   uint32
	TsStartUs  uint64
	TsEndUs    uint64
	Flags      FlushFlag
	maxPayload int

	payload     []byte
	sampleCount uint16
	lastTSUs    uint64
	hasSamples  bool
}

// NewBlock starts a fresh, empty block for the given session/sequence.
// maxPayload bounds data_size and defaults to MaxPayload if <= 0.
func NewBlock(sessionID [16]byte, sequence uint32, maxPayload int) *Block {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	return &Block{SessionID: sessionID, Sequence: sequence, maxPayload: maxPayload}
}

// DataSize returns the current payload size in bytes.
func (b *Block) DataSize() int { return len(b.payload) }

// SampleCount returns the number of samples encoded so far.
func (b *Block) SampleCount() uint16 { return b.sampleCount }

// AddSample encodes s and appends it to the block's payload. Within a
// block, sample timestamps must be non-decreasing — the acquisition
// task is the sole producer and always timestamps in wall/monotonic
// order, so this is enforced here as a precondition check rather than
// a sort.
func (b *Block) AddSample(s sample.Sample) error {
	if b.hasSamples && s.TSUs < b.lastTSUs {
		return fmt.Errorf("opl: sample timestamp %d precedes block's last %d", s.TSUs, b.lastTSUs)
	}
	if !b.hasSamples {
		b.TsStartUs = s.TSUs
	}

	rec, err := EncodeSampleRecord(s, b.TsStartUs)
	if err != nil {
		return err
	}
	if len(rec) > b.maxPayload {
		return ErrSampleTooLarge
	}
	if len(b.payload)+len(rec) > b.maxPayload {
		return ErrBlockFull
	}

	b.payload = append(b.payload, rec...)
	b.sampleCount++
	b.lastTSUs = s.TSUs
	b.TsEndUs = s.TSUs
	b.hasSamples = true
	return nil
}

// Encode produces the complete, CRC-terminated data block.
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, 5+16+4+8+8+1+2+2+len(b.payload))
	buf = appendBlockHeader(buf, BlockData)
	buf = append(buf, b.SessionID[:]...)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], b.Sequence)
	buf = append(buf, tmp4[:]...)

	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], b.TsStartUs)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], b.TsEndUs)
	buf = append(buf, tmp8[:]...)

	buf = append(buf, byte(b.Flags))

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], b.sampleCount)
	buf = append(buf, tmp2[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(b.payload)))
	buf = append(buf, tmp2[:]...)

	buf = append(buf, b.payload...)
	return appendCRC(buf)
}

// DecodedDataBlock is the parsed form of a type 0x02 block.
type DecodedDataBlock struct {
	SessionID   [16]byte
	Sequence    uint32
	TsStartUs   uint64
	TsEndUs     uint64
	Flags       FlushFlag
	SampleCount uint16
	Samples     []sample.Sample
}

// DecodeDataBlock parses a complete, CRC-terminated data block,
// validating that sample_count matches the number of payload_len
// prefixed records with no trailing bytes.
func DecodeDataBlock(raw []byte) (DecodedDataBlock, error) {
	var d DecodedDataBlock
	if len(raw) < 5 || string(raw[:4]) != Magic || BlockType(raw[4]) != BlockData {
		return d, fmt.Errorf("opl: not a data block")
	}
	body, ok := verifyAndStripCRC(raw)
	if !ok {
		return d, fmt.Errorf("opl: data block crc mismatch")
	}
	if len(body) < 16+4+8+8+1+2+2 {
		return d, fmt.Errorf("opl: data block header truncated")
	}
	copy(d.SessionID[:], body[0:16])
	d.Sequence = binary.LittleEndian.Uint32(body[16:20])
	d.TsStartUs = binary.LittleEndian.Uint64(body[20:28])
	d.TsEndUs = binary.LittleEndian.Uint64(body[28:36])
	d.Flags = FlushFlag(body[36])
	d.SampleCount = binary.LittleEndian.Uint16(body[37:39])
	dataSize := binary.LittleEndian.Uint16(body[39:41])
	payload := body[41:]
	if len(payload) != int(dataSize) {
		return d, fmt.Errorf("opl: data_size %d != actual payload %d", dataSize, len(payload))
	}

	d.Samples = make([]sample.Sample, 0, d.SampleCount)
	for len(payload) > 0 {
		s, n, err := DecodeSampleRecord(payload, d.TsStartUs)
		if err != nil {
			return d, err
		}
		d.Samples = append(d.Samples, s)
		payload = payload[n:]
	}
	if uint16(len(d.Samples)) != d.SampleCount {
		return d, fmt.Errorf("opl: sample_count %d != decoded count %d", d.SampleCount, len(d.Samples))
	}
	return d, nil
}
