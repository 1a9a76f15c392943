package session

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"openponylogger/errcode"
	"openponylogger/internal/sample"
	"openponylogger/x/timex"
)

// CsvMeta carries the commented header lines a CSV session sheet opens
// with.
type CsvMeta struct {
	Driver string
	VIN    string
	Start  time.Time
}

// CsvLog writes the header-commented sheet selected by log_format=csv:
// `# Driver:`/`# VIN:`/`# Start:` lines followed by one
// `timestamp,gx,gy,gz,g_total,lat,lon,alt,speed,sats,hdop` row per
// accel sample. GPS samples don't emit rows of their own — they update
// the cached position columns the next accel row carries, so every row
// has the full column set without the reader having to join streams.
type CsvLog struct {
	f *os.File
	w *bufio.Writer

	fix    sample.GpsFix
	hasFix bool
	sats   int
}

// OpenCsv creates (truncating, same overwrite-on-wrap rule as Open) the
// CSV sheet for sessionNum and writes its comment header.
func OpenCsv(baseDir string, sessionNum uint32, meta CsvMeta) (*CsvLog, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: %w", &errcode.E{C: errcode.StorageIo, Op: "mkdir", Err: err})
	}
	path := filepath.Join(baseDir, FileName(sessionNum, "csv"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: %w", &errcode.E{C: errcode.StorageIo, Op: "open", Err: err})
	}
	l := &CsvLog{f: f, w: bufio.NewWriter(f)}
	fmt.Fprintf(l.w, "# Driver: %s\n", meta.Driver)
	fmt.Fprintf(l.w, "# VIN: %s\n", meta.VIN)
	fmt.Fprintf(l.w, "# Start: %s\n", meta.Start.UTC().Format(time.RFC3339))
	fmt.Fprintln(l.w, "timestamp,gx,gy,gz,g_total,lat,lon,alt,speed,sats,hdop")
	if err := l.w.Flush(); err != nil {
		f.Close()
		return nil, &errcode.E{C: errcode.StorageIo, Op: "write", Err: err}
	}
	return l, nil
}

// Append folds s into the sheet: accel samples emit a row, GPS samples
// update the cached position columns.
func (l *CsvLog) Append(s sample.Sample) error {
	switch s.Kind {
	case sample.KindGpsFix:
		l.fix = s.Fix
		l.hasFix = true
		return nil
	case sample.KindGpsSatSnapshot:
		l.sats = len(s.SatSnap.Sats)
		return nil
	case sample.KindAccel:
	default:
		return nil
	}

	ts := timex.UnixSeconds(time.UnixMicro(int64(s.TSUs)))
	gx, gy, gz := s.Vec.X, s.Vec.Y, s.Vec.Z
	gTotal := math.Sqrt(float64(gx)*float64(gx) + float64(gy)*float64(gy) + float64(gz)*float64(gz))

	var err error
	if l.hasFix {
		_, err = fmt.Fprintf(l.w, "%.3f,%.4f,%.4f,%.4f,%.4f,%.7f,%.7f,%.1f,%.2f,%d,%.2f\n",
			ts, gx, gy, gz, gTotal, l.fix.Lat, l.fix.Lon, l.fix.AltM, l.fix.SpeedMS, l.sats, l.fix.HDOP)
	} else {
		_, err = fmt.Fprintf(l.w, "%.3f,%.4f,%.4f,%.4f,%.4f,,,,,%d,\n",
			ts, gx, gy, gz, gTotal, l.sats)
	}
	if err != nil {
		return &errcode.E{C: errcode.StorageIo, Op: "write", Err: err}
	}
	return nil
}

// Close flushes buffered rows, syncs, and closes the sheet.
func (l *CsvLog) Close() error {
	flushErr := l.w.Flush()
	syncErr := l.f.Sync()
	closeErr := l.f.Close()
	if flushErr != nil {
		return &errcode.E{C: errcode.StorageIo, Op: "flush", Err: flushErr}
	}
	if syncErr != nil {
		return &errcode.E{C: errcode.StorageIo, Op: "fsync", Err: syncErr}
	}
	return closeErr
}
