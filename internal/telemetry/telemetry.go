// Package telemetry builds the single-line JSON telemetry record
// broadcast over the UART co-processor link, and holds the lock-free
// snapshot cell the display and telemetry tasks both read from: one
// writer (the acquisition task) per field, multiple lock-free readers.
package telemetry

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"openponylogger/internal/sample"
	"openponylogger/x/timex"
)

// FixType mirrors fix_type enumeration.
type FixType string

const (
	FixNone FixType = "No Fix"
	Fix2D   FixType = "2D"
	Fix3D   FixType = "3D"
)

// SatDetail is one entry of the optional satellite_details array.
type SatDetail struct {
	PRN       uint8  `json:"prn"`
	Elevation int8   `json:"elevation"`
	Azimuth   uint16 `json:"azimuth"`
	SNR       int8   `json:"snr"`
}

// Snapshot is the flat telemetry record. Apart from timestamp, which
// is always sent, fields are optional on the wire: MarshalLine omits
// the GPS, accel and gyro groups while their Have* flag is false, and
// satellite_details while it is empty.
type Snapshot struct {
	TimestampS float64 `json:"timestamp"`

	HaveFix    bool
	Lat, Lon   float64
	AltM       float32
	SpeedMS    float32
	TrackD     float32
	Satellites int
	FixType    FixType
	HDOP       float32

	HaveAccel  bool
	Gx, Gy, Gz float32

	HaveGyro   bool
	Rx, Ry, Rz float32

	SatDetails []SatDetail
}

// MarshalLine renders s as the canonical single-line, flat JSON object
// describes. Fields not currently known are omitted rather
// than sent as zero, since a zero lat/lon is a meaningfully different
// value from "no GPS fix yet".
func (s Snapshot) MarshalLine() ([]byte, error) {
	m := map[string]any{"timestamp": s.TimestampS}
	if s.HaveFix {
		m["lat"] = s.Lat
		m["lon"] = s.Lon
		m["alt"] = s.AltM
		m["speed"] = s.SpeedMS
		m["track"] = s.TrackD
		m["satellites"] = s.Satellites
		m["fix_type"] = string(s.FixType)
		m["hdop"] = s.HDOP
	}
	if s.HaveAccel {
		m["gx"], m["gy"], m["gz"] = s.Gx, s.Gy, s.Gz
	}
	if s.HaveGyro {
		m["rx"], m["ry"], m["rz"] = s.Rx, s.Ry, s.Rz
	}
	if len(s.SatDetails) > 0 {
		m["satellite_details"] = s.SatDetails
	}
	return json.Marshal(m)
}

// Cell is a single-writer/multi-reader snapshot cell. The acquisition
// task is the sole writer; the telemetry and display tasks read a
// consistent, if possibly slightly stale, copy without blocking the
// writer.
type Cell struct {
	v atomic.Value // holds Snapshot
}

// NewCell returns a Cell pre-populated with a zero Snapshot so Load
// never needs a nil check.
func NewCell() *Cell {
	c := &Cell{}
	c.v.Store(Snapshot{})
	return c
}

// Store publishes a new snapshot. Only the acquisition task calls this.
func (c *Cell) Store(s Snapshot) { c.v.Store(s) }

// Load returns the most recently stored snapshot.
func (c *Cell) Load() Snapshot { return c.v.Load().(Snapshot) }

// FromAccel merges an accel reading into a copy of the current snapshot
// and returns it; callers Store the result back.
func (s Snapshot) FromAccel(v sample.Vec3, now time.Time) Snapshot {
	s.TimestampS = timex.UnixSeconds(now)
	s.HaveAccel = true
	s.Gx, s.Gy, s.Gz = v.X, v.Y, v.Z
	return s
}

// FromGyro merges a gyro reading into a copy of the current snapshot.
func (s Snapshot) FromGyro(v sample.Vec3, now time.Time) Snapshot {
	s.TimestampS = timex.UnixSeconds(now)
	s.HaveGyro = true
	s.Rx, s.Ry, s.Rz = v.X, v.Y, v.Z
	return s
}

// FromGpsFix merges a GPS fix into a copy of the current snapshot,
// choosing fix_type the way the NMEA GSA sentence's FixType classifies
// it ( "No Fix"|"2D"|"3D"), approximated here from the satellite count
// (zero means "No Fix") and whether altitude is populated (non-zero
// means "3D"), since the wire fix carries no explicit 2D/3D flag of its
// own.
func (s Snapshot) FromGpsFix(fix sample.GpsFix, satCount int, now time.Time) Snapshot {
	s.TimestampS = timex.UnixSeconds(now)
	s.HaveFix = true
	s.Lat, s.Lon = fix.Lat, fix.Lon
	s.AltM = fix.AltM
	s.SpeedMS = fix.SpeedMS
	s.TrackD = fix.HeadingD
	s.HDOP = fix.HDOP
	s.Satellites = satCount
	switch {
	case satCount == 0:
		s.FixType = FixNone
	case fix.AltM != 0:
		s.FixType = Fix3D
	default:
		s.FixType = Fix2D
	}
	return s
}

// FromSatellites merges a satellite-in-view snapshot, emitted at the
// slower satellite_details cadence
// satellite_details_interval_s configures.
func (s Snapshot) FromSatellites(sats []sample.Sat) Snapshot {
	details := make([]SatDetail, len(sats))
	for i, sat := range sats {
		details[i] = SatDetail{PRN: sat.PRN, Elevation: sat.ElevD, Azimuth: sat.AzD, SNR: sat.SNR}
	}
	s.SatDetails = details
	return s
}
