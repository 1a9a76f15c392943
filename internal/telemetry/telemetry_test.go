package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"openponylogger/internal/sample"
)

func TestMarshalLine_OmitsUnknownFields(t *testing.T) {
	var s Snapshot
	s.TimestampS = 1.5

	b, err := s.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m) != 1 {
		t.Fatalf("expected only timestamp field with no fix/accel/gyro known, got %v", m)
	}
	if _, ok := m["lat"]; ok {
		t.Fatal("lat should be omitted with HaveFix=false")
	}
}

func TestMarshalLine_IncludesPopulatedGroups(t *testing.T) {
	s := Snapshot{}.FromAccel(sample.Vec3{X: 1, Y: 2, Z: 3}, time.Unix(100, 0))
	s = s.FromGpsFix(sample.GpsFix{Lat: 1, Lon: 2, AltM: 10}, 6, time.Unix(100, 0))

	b, err := s.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"lat", "lon", "alt", "gx", "gy", "gz", "fix_type"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("expected field %q in %v", k, m)
		}
	}
	if m["fix_type"] != string(Fix3D) {
		t.Fatalf("expected 3D fix with nonzero altitude, got %v", m["fix_type"])
	}
}

func TestFromGpsFix_NoFixTypeWhenNoSatellites(t *testing.T) {
	s := Snapshot{}.FromGpsFix(sample.GpsFix{}, 0, time.Unix(0, 0))
	if s.FixType != FixNone {
		t.Fatalf("expected FixNone with zero satellites, got %v", s.FixType)
	}
}

func TestCell_StoreLoadRoundTrip(t *testing.T) {
	c := NewCell()
	if got := c.Load(); got.HaveAccel {
		t.Fatal("expected zero-value snapshot before first Store")
	}
	want := Snapshot{}.FromAccel(sample.Vec3{X: 9}, time.Unix(5, 0))
	c.Store(want)
	if got := c.Load(); got.Gx != 9 {
		t.Fatalf("expected stored Gx=9, got %v", got.Gx)
	}
}

func TestFromSatellites(t *testing.T) {
	s := Snapshot{}.FromSatellites([]sample.Sat{{PRN: 5, ElevD: 10, AzD: 90, SNR: 40}})
	if len(s.SatDetails) != 1 || s.SatDetails[0].PRN != 5 {
		t.Fatalf("unexpected satellite details: %+v", s.SatDetails)
	}
}
