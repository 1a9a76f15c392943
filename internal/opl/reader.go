package opl

import "fmt"

// RawBlock is one magic-delimited block sliced out of a file, not yet
// CRC-validated.
type RawBlock struct {
	Type BlockType
	Raw  []byte
}

// ScanBlocks walks data looking for consecutive OPNY blocks. It stops at
// the first byte range that doesn't parse as a complete block of known
// type and length, returning everything decoded so far plus the byte
// offset where parsing stopped — the readable prefix left behind by a
// crash mid-write.
func ScanBlocks(data []byte) (blocks []RawBlock, consumed int, err error) {
	pos := 0
	for pos < len(data) {
		remaining := data[pos:]
		if len(remaining) < 5 || string(remaining[:4]) != Magic {
			break
		}
		bt := BlockType(remaining[4])
		length, lerr := blockLength(bt, remaining)
		if lerr != nil || length > len(remaining) {
			break
		}
		blocks = append(blocks, RawBlock{Type: bt, Raw: remaining[:length]})
		pos += length
	}
	return blocks, pos, nil
}

// blockLength computes the total byte length of the block starting at
// buf (magic+type included), without requiring the CRC to already
// validate — callers check the CRC separately via the per-type Decode
// functions.
func blockLength(bt BlockType, buf []byte) (int, error) {
	switch bt {
	case BlockSessionHeader:
		pos := 5 + 4 + 8 + 8 + 8
		for i := 0; i < 3; i++ {
			if pos >= len(buf) {
				return 0, fmt.Errorf("opl: truncated session header")
			}
			n := int(buf[pos])
			pos += 1 + n
		}
		pos += 1 + 2 + 4 + 4 // weather + temp + config_crc + trailing crc32
		return pos, nil
	case BlockHardwareConfig:
		if len(buf) < 6 {
			return 0, fmt.Errorf("opl: truncated hardware config")
		}
		itemCount := int(buf[5])
		pos := 6
		for i := 0; i < itemCount; i++ {
			if pos+2 >= len(buf) {
				return 0, fmt.Errorf("opl: truncated hardware config item %d", i)
			}
			n := int(buf[pos+2])
			pos += 2 + 1 + n
		}
		pos += 4 // trailing crc32
		return pos, nil
	case BlockData:
		const fixed = 16 + 4 + 8 + 8 + 1 + 2 + 2
		if len(buf) < 5+fixed {
			return 0, fmt.Errorf("opl: truncated data block header")
		}
		dataSize := int(buf[5+fixed-2])<<0 | int(buf[5+fixed-1])<<8
		pos := 5 + fixed + dataSize + 4 // trailing crc32
		return pos, nil
	case BlockSessionEnd:
		return 5 + 16 + 4, nil
	default:
		return 0, fmt.Errorf("opl: unknown block type 0x%02x", bt)
	}
}
