// Package session implements sequential session numbering, file
// lifecycle, and fsync-equivalent durability for logged sessions.
package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"openponylogger/errcode"
)

// sessionFileRe matches "session_NNNNN.opl" / "session_NNNNN.csv".
var sessionFileRe = regexp.MustCompile(`^session_(\d{5})\.(opl|csv)$`)

// NextSessionNumber scans baseDir for existing session_NNNNN.{opl,csv}
// files and returns max(NNNNN)+1, wrapping 99999 back to 1 (overwrite
// of the wrapped-to file is permitted).
// Returns 1 if no session files exist.
func NextSessionNumber(baseDir string) (uint32, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("session: reading %s: %w", baseDir, err)
	}
	var nums []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := sessionFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		nums = append(nums, uint32(n))
	}
	if len(nums) == 0 {
		return 1, nil
	}
	slices.Sort(nums)
	max := nums[len(nums)-1]
	if max >= 99999 {
		return 1, nil
	}
	return max + 1, nil
}

// FileName returns the canonical "session_NNNNN.ext" name for n.
func FileName(n uint32, ext string) string {
	return fmt.Sprintf("session_%05d.%s", n, ext)
}

// NewSessionID generates a 128-bit, monotonic+entropy-derived identifier
// unique per boot via a UUIDv7 (time-ordered, so it is
// monotonic across calls within the same process) from google/uuid.
func NewSessionID() ([16]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, fmt.Errorf("session: generating session id: %w", err)
	}
	return id, nil
}

// SplitUUID returns the big-endian hi/lo uint64 halves of a 16-byte
// session id, as the OPL session header encodes them.
func SplitUUID(id [16]byte) (hi, lo uint64) {
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint64(id[8:16])
}

// FileCursor is an append-only handle to the current .opl file. It
// implements opl.Sink.
type FileCursor struct {
	f            *os.File
	offset       int64
	lastFlushErr error
}

// Open creates (truncating any existing file, and the
// overwrite-on-wrap rule) the session file for sessionNum under baseDir.
func Open(baseDir string, sessionNum uint32) (*FileCursor, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: %w", &errcode.E{C: errcode.StorageIo, Op: "mkdir", Err: err})
	}
	path := filepath.Join(baseDir, FileName(sessionNum, "opl"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: %w", &errcode.E{C: errcode.StorageIo, Op: "open", Err: err})
	}
	return &FileCursor{f: f}, nil
}

// WriteBlock appends data and fsyncs before returning, satisfying
// "file is fsync-equivalent after every block write."
func (c *FileCursor) WriteBlock(data []byte) error {
	n, err := c.f.Write(data)
	c.offset += int64(n)
	if err != nil {
		c.lastFlushErr = err
		return &errcode.E{C: errcode.StorageIo, Op: "write", Err: err}
	}
	if err := c.f.Sync(); err != nil {
		c.lastFlushErr = err
		return &errcode.E{C: errcode.StorageIo, Op: "fsync", Err: err}
	}
	return nil
}

// Offset returns the number of bytes written so far.
func (c *FileCursor) Offset() int64 { return c.offset }

// Close closes the underlying file handle best-effort; callers that
// need the write error should have already observed it via WriteBlock.
func (c *FileCursor) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}
