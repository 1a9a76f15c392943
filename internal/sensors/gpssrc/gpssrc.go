// Package gpssrc implements the GpsSource capability trait over a NMEA
// stream. It supports both named hardware variants —
// PA1010D over I2C and ATGM336H over UART — by parsing NMEA sentences
// off of any io.Reader; the transport itself is opened by the
// constructor the caller selects.
package gpssrc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"openponylogger/internal/sample"
	"openponylogger/x/mathx"
)

// Source is a NMEA-driven GpsSource. Safe for concurrent Poll/Satellites
// calls from the acquisition task while the read loop runs in its own
// goroutine.
type Source struct {
	closer io.Closer

	mu        sync.Mutex
	fix       sample.GpsFix
	hasFix    bool
	dirty     bool // set on update, cleared by Poll (Option<GpsUpdate> semantics)
	sats      []sample.Sat
	satBuffer []sample.Sat

	lastDate       time.Time
	haveDate       bool
	fixQualityZero bool

	errCh chan error
}

// NewUART opens portName at baud for the ATGM336H-UART variant and
// starts the parse loop.
func NewUART(portName string, baud int) (*Source, error) {
	opts := serial.OpenOptions{
		PortName:        portName,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("gpssrc: open %s: %w", portName, err)
	}
	return newFromReader(port, port), nil
}

// NewI2C wraps an already-open io.Reader presenting the PA1010D's
// streamed NMEA sentences (the I2C variant); the byte
// stream framing is identical to the UART variant's, so both share the
// same sentence parser below.
func NewI2C(r io.Reader, closer io.Closer) *Source {
	return newFromReader(r, closer)
}

func newFromReader(r io.Reader, closer io.Closer) *Source {
	s := &Source{closer: closer, errCh: make(chan error, 1)}
	go s.readLoop(r)
	return s
}

// Close releases the underlying transport.
func (s *Source) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Errs surfaces transport-level read failures (port unplugged, etc.)
// for the scheduler to log; GPS absence falls back to a null trait
// rather than a fatal condition.
func (s *Source) Errs() <-chan error { return s.errCh }

func (s *Source) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case s.errCh <- err:
			default:
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			continue // malformed/partial sentence; UartLineGarbled-style discard
		}
		s.apply(sentence)
	}
}

func (s *Source) apply(sentence nmea.Sentence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		s.fix.Lat = m.Latitude
		s.fix.Lon = m.Longitude
		s.fix.SpeedMS = float32(m.Speed * 0.514444) // knots -> m/s
		s.fix.HeadingD = float32(m.Course)
		s.hasFix = string(m.Validity) == "A"
		s.dirty = true
		if y, mo, d, ok := parseDate(m.Date.String()); ok {
			s.lastDate = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
			s.haveDate = true
		}

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		s.fix.AltM = float32(m.Altitude)
		s.fix.HDOP = float32(m.HDOP)
		s.fixQualityZero = m.FixQuality == "0"
		s.dirty = true

	case nmea.TypeGSA:
		m := sentence.(nmea.GSA)
		s.fix.HDOP = float32(m.HDOP)

	case nmea.TypeGSV:
		m := sentence.(nmea.GSV)
		if m.MessageNumber == 1 {
			s.satBuffer = s.satBuffer[:0]
		}
		for _, sv := range m.Info {
			s.satBuffer = append(s.satBuffer, sample.Sat{
				PRN:   uint8(mathx.Clamp(sv.SVPRNNumber, 0, 255)),
				ElevD: int8(mathx.Clamp(sv.Elevation, -128, 127)),
				AzD:   uint16(mathx.Clamp(sv.Azimuth, 0, 65535)),
				SNR:   int8(mathx.Clamp(sv.SNR, -128, 127)),
			})
		}
		if m.MessageNumber == m.TotalMessages {
			s.sats = append([]sample.Sat(nil), s.satBuffer...)
		}
	}
}

// Poll returns the most recent fix and clears the dirty flag, matching
// "poll(now) → Option<GpsUpdate>". ok is false (no-fix
// "not yet updated") when RMC/GGA have not produced a new reading since
// the last Poll, or when the current fix's validity flag says "no fix" —
// scheduler only emits a GpsFix sample "when has_fix".
func (s *Source) Poll(now time.Time) (sample.GpsFix, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || !s.hasFix || s.fixQualityZero {
		s.dirty = false
		return sample.GpsFix{}, false, nil
	}
	s.dirty = false
	return s.fix, true, nil
}

// Satellites returns the most recently completed satellite-in-view
// snapshot.
func (s *Source) Satellites() []sample.Sat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sample.Sat(nil), s.sats...)
}

// Date returns the last NMEA-reported UTC calendar date, and whether
// RTC-sync validity check (year ≥ 2000, month 1-12, day
// 1-31) passed for it.
func (s *Source) Date() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveDate {
		return time.Time{}, false
	}
	y, mo, d := s.lastDate.Date()
	valid := y >= 2000 && mathx.Between(int(mo), 1, 12) && mathx.Between(d, 1, 31)
	return s.lastDate, valid
}

// parseDate parses go-nmea's Date.String output, "DD/MM/YY".
func parseDate(s string) (year, month, day int, ok bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	d, err1 := strconv.Atoi(parts[0])
	mo, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if y < 100 {
		y += 2000
	}
	return y, mo, d, true
}
