package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openponylogger/internal/sample"
)

func TestCsvLogHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenCsv(dir, 7, CsvMeta{
		Driver: "John", VIN: "Ciara",
		Start: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	base := uint64(time.Date(2026, 8, 2, 10, 0, 1, 0, time.UTC).UnixMicro())
	// position arrives first, then two accel rows carry it.
	if err := l.Append(sample.Sample{Kind: sample.KindGpsFix, TSUs: base,
		Fix: sample.GpsFix{Lat: 51.5, Lon: -0.1, AltM: 30, SpeedMS: 12.5, HDOP: 1.1}}); err != nil {
		t.Fatalf("append fix: %v", err)
	}
	if err := l.Append(sample.Sample{Kind: sample.KindGpsSatSnapshot, TSUs: base,
		SatSnap: sample.GpsSatSnapshot{Sats: make([]sample.Sat, 8)}}); err != nil {
		t.Fatalf("append sats: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		if err := l.Append(sample.Sample{Kind: sample.KindAccel, TSUs: base + i*10000,
			Vec: sample.Vec3{X: 0, Y: 0, Z: 1}}); err != nil {
			t.Fatalf("append accel: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName(7, "csv")))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines, want 6 (3 comments + column header + 2 rows):\n%s", len(lines), data)
	}
	if lines[0] != "# Driver: John" || lines[1] != "# VIN: Ciara" {
		t.Fatalf("bad comment header: %q / %q", lines[0], lines[1])
	}
	if !strings.HasPrefix(lines[2], "# Start: 2026-08-02T10:00:00") {
		t.Fatalf("bad start line: %q", lines[2])
	}
	if lines[3] != "timestamp,gx,gy,gz,g_total,lat,lon,alt,speed,sats,hdop" {
		t.Fatalf("bad column header: %q", lines[3])
	}
	for _, row := range lines[4:] {
		cols := strings.Split(row, ",")
		if len(cols) != 11 {
			t.Fatalf("row has %d columns, want 11: %q", len(cols), row)
		}
		if cols[9] != "8" {
			t.Fatalf("sats column = %q, want 8", cols[9])
		}
	}
	if !strings.Contains(lines[4], "51.5") {
		t.Fatalf("accel row missing merged GPS latitude: %q", lines[4])
	}
}

func TestCsvLogRowsBeforeFixLeavePositionEmpty(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenCsv(dir, 1, CsvMeta{Start: time.Now()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Append(sample.Sample{Kind: sample.KindAccel, TSUs: 1_000_000,
		Vec: sample.Vec3{Z: 1}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, FileName(1, "csv")))
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	row := lines[len(lines)-1]
	cols := strings.Split(row, ",")
	if len(cols) != 11 {
		t.Fatalf("row has %d columns, want 11: %q", len(cols), row)
	}
	if cols[5] != "" || cols[6] != "" {
		t.Fatalf("lat/lon should be empty before the first fix: %q", row)
	}
}
