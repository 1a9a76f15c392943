package opl

import (
	"fmt"
	"sync"
	"time"

	"openponylogger/internal/sample"
)

// State is a node of the codec's state machine:
// Idle → Writing(header) → Writing(optional_hw) → Collecting →
// (Flushed → Collecting)* → EndWritten → Idle, with Faulted reachable
// from any state on I/O failure.
type State uint8

const (
	StateIdle State = iota
	StateWritingHeader
	StateWritingHW
	StateCollecting
	StateEndWritten
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWritingHeader:
		return "writing_header"
	case StateWritingHW:
		return "writing_hw"
	case StateCollecting:
		return "collecting"
	case StateEndWritten:
		return "end_written"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Sink is where a Writer appends completed, CRC-terminated blocks.
// internal/session implements this over an *os.File with fsync.
type Sink interface {
	// WriteBlock appends data to the open session file and makes it
	// durable (fsync-equivalent) before returning.
	WriteBlock(data []byte) error
}

// FlushPolicy holds the runtime-configurable flush thresholds.
type FlushPolicy struct {
	EventThresholdG float64       // default 3.0
	EventRateLimit  time.Duration // default 1s
	TimeLimit       time.Duration // fixed 300s
	MaxPayload      int           // <= 4096
}

// DefaultFlushPolicy returns the factory-default thresholds.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		EventThresholdG: 3.0,
		EventRateLimit:  1 * time.Second,
		TimeLimit:       300 * time.Second,
		MaxPayload:      MaxPayload,
	}
}

// Config bundles everything StartSession needs besides the session ID.
type Config struct {
	FmtMajor, FmtMinor byte
	HwMajor, HwMinor   byte
	Meta               SessionMetadata
	Hardware           []HardwareItem
	Flush              FlushPolicy
}

// SessionMetadata mirrors SessionMetadata entity.
type SessionMetadata struct {
	Name          string
	Driver        string
	Vehicle       string
	Weather       Weather
	AmbientTempDC int16 // clamps to int16 range
	ConfigCRC     uint32
}

// Writer drives the OPL codec's state machine for one open session: it
// builds the session header and optional hardware-config blocks, then
// accumulates samples into the current data block, deciding when to
// flush per FlushPolicy, and finally writes the session-end block.
type Writer struct {
	mu sync.Mutex

	sink  Sink
	state State
	cfg   Config

	sessionID [16]byte
	seq       uint32
	cur       *Block

	lastFlushWall time.Time
	lastEventWall time.Time
}

// NewWriter constructs a Writer bound to sink, initially Idle.
func NewWriter(sink Sink, cfg Config) *Writer {
	if cfg.Flush.MaxPayload <= 0 || cfg.Flush.MaxPayload > MaxPayload {
		cfg.Flush.MaxPayload = MaxPayload
	}
	if cfg.Flush.TimeLimit <= 0 {
		cfg.Flush.TimeLimit = 300 * time.Second
	}
	return &Writer{sink: sink, cfg: cfg, state: StateIdle}
}

// State returns the writer's current state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StartSession is the only legal entry to Writing(header). It writes the
// session header block, then the hardware-config block if any hardware
// items are present, and lands in Collecting.
func (w *Writer) StartSession(sessionID [16]byte, startTimeUs uint64, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdle {
		return fmt.Errorf("opl: start_session illegal from state %s", w.state)
	}
	w.state = StateWritingHeader
	w.sessionID = sessionID

	header := SessionHeader{
		FmtMajor: w.cfg.FmtMajor, FmtMinor: w.cfg.FmtMinor,
		HwMajor: w.cfg.HwMajor, HwMinor: w.cfg.HwMinor,
		TimestampUs:   startTimeUs,
		UUIDHi:        beUint64(sessionID[0:8]),
		UUIDLo:        beUint64(sessionID[8:16]),
		SessionName:   w.cfg.Meta.Name,
		DriverName:    w.cfg.Meta.Driver,
		VehicleID:     w.cfg.Meta.Vehicle,
		Weather:       w.cfg.Meta.Weather,
		AmbientTempDC: w.cfg.Meta.AmbientTempDC,
		ConfigCRC:     w.cfg.Meta.ConfigCRC,
	}
	data, err := EncodeSessionHeader(header)
	if err != nil {
		w.state = StateFaulted
		return err
	}
	if err := w.sink.WriteBlock(data); err != nil {
		w.state = StateFaulted
		return err
	}

	if len(w.cfg.Hardware) > 0 {
		w.state = StateWritingHW
		hwData, err := EncodeHardwareConfig(w.cfg.Hardware)
		if err != nil {
			w.state = StateFaulted
			return err
		}
		if err := w.sink.WriteBlock(hwData); err != nil {
			w.state = StateFaulted
			return err
		}
	}

	w.seq = 0
	w.cur = NewBlock(sessionID, 0, w.cfg.Flush.MaxPayload)
	w.lastFlushWall = now
	w.state = StateCollecting
	return nil
}

// PushSample adds s to the current block, rolling over (SIZE flush) if
// it doesn't fit, and flushing outright if any flush condition is now
// satisfied. now is used for TIME/EVENT condition evaluation.
func (w *Writer) PushSample(s sample.Sample, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateCollecting {
		return fmt.Errorf("opl: push_sample illegal from state %s", w.state)
	}

	if err := w.cur.AddSample(s); err != nil {
		switch err {
		case ErrBlockFull:
			if ferr := w.flushLocked(now, FlushSize); ferr != nil {
				return ferr
			}
			if err2 := w.cur.AddSample(s); err2 != nil {
				w.state = StateFaulted
				return fmt.Errorf("opl: %w after rollover", err2)
			}
		case ErrSampleTooLarge:
			// the oversized sample is rejected; the current block is
			// untouched and the session keeps collecting.
			return err
		default:
			return err
		}
	}

	if s.Kind == sample.KindAccel {
		mag := s.Magnitude()
		if mag >= w.cfg.Flush.EventThresholdG &&
			(w.lastEventWall.IsZero() || now.Sub(w.lastEventWall) >= w.cfg.Flush.EventRateLimit) {
			w.lastEventWall = now
			w.cur.Flags |= FlushEvent
		}
	}

	var flags FlushFlag
	if now.Sub(w.lastFlushWall) >= w.cfg.Flush.TimeLimit {
		flags |= FlushTime
	}
	if float64(w.cur.DataSize()) >= SizeFlushFraction*float64(w.cfg.Flush.MaxPayload) {
		flags |= FlushSize
	}
	flags |= w.cur.Flags // carries any pending EVENT flag set above

	if flags != 0 {
		return w.flushLocked(now, flags)
	}
	return nil
}

// flushLocked writes the current block with the given flags and starts
// a fresh one. Caller must hold w.mu.
func (w *Writer) flushLocked(now time.Time, flags FlushFlag) error {
	w.cur.Flags = flags
	data := w.cur.Encode()
	if err := w.sink.WriteBlock(data); err != nil {
		w.state = StateFaulted
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	w.seq++
	w.lastFlushWall = now
	w.cur = NewBlock(w.sessionID, w.seq, w.cfg.Flush.MaxPayload)
	return nil
}

// StopSession flushes any pending samples, flagged with whatever
// conditions already accumulated (SHUTDOWN itself is not a flush_flags
// bit), writes the session-end block, and lands in
// EndWritten. Valid from Collecting or Faulted (best-effort close).
func (w *Writer) StopSession(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateCollecting && w.state != StateFaulted {
		return fmt.Errorf("opl: stop_session illegal from state %s", w.state)
	}
	wasFaulted := w.state == StateFaulted

	if w.cur != nil && w.cur.SampleCount() > 0 {
		if err := w.flushLocked(now, w.cur.Flags); err != nil && !wasFaulted {
			return err
		}
	}

	end := EncodeSessionEnd(w.sessionID)
	if err := w.sink.WriteBlock(end); err != nil {
		w.state = StateFaulted
		if !wasFaulted {
			return err
		}
		return nil // best-effort close from an already-Faulted session
	}
	w.state = StateEndWritten
	return nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
