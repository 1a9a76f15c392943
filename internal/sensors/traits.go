// Package sensors implements the narrow capability traits, their null
// implementations, and the autodetecting builder registry.
package sensors

import (
	"time"

	"openponylogger/internal/sample"
)

// Accel reads 3-axis acceleration in g.
type Accel interface {
	ReadG() (sample.Vec3, error)
}

// Gyro reads 3-axis angular rate in degrees/second.
type Gyro interface {
	ReadDps() (sample.Vec3, error)
}

// Mag reads 3-axis magnetic field in microtesla.
type Mag interface {
	ReadUt() (sample.Vec3, error)
}

// GpsSource polls for a position update and exposes the most recent
// satellite-in-view snapshot.
type GpsSource interface {
	// Poll returns a fix if one has been decoded since the last Poll
	// call.
	Poll(now time.Time) (fix sample.GpsFix, ok bool, err error)
	Satellites() []sample.Sat
}

// Rtc reads and sets wall-clock time on the real-time clock peripheral.
type Rtc interface {
	NowUTC() (time.Time, error)
	SetUTC(t time.Time) error
}

// Null implementations let the registry always return a usable trait
// for a disabled or absent peripheral, so calling code is never
// branchy on presence.

type nullAccel struct{}

func (nullAccel) ReadG() (sample.Vec3, error) { return sample.Vec3{}, nil }

type nullGyro struct{}

func (nullGyro) ReadDps() (sample.Vec3, error) { return sample.Vec3{}, nil }

type nullMag struct{}

func (nullMag) ReadUt() (sample.Vec3, error) { return sample.Vec3{}, nil }

type nullGps struct{}

func (nullGps) Poll(time.Time) (sample.GpsFix, bool, error) { return sample.GpsFix{}, false, nil }
func (nullGps) Satellites() []sample.Sat                    { return nil }

type nullRtc struct{}

func (nullRtc) NowUTC() (time.Time, error) { return time.Time{}, nil }
func (nullRtc) SetUTC(time.Time) error     { return nil }

// NullAccel, NullGyro, NullMag, NullGps, NullRtc are the shared null
// implementations the registry hands out for any disabled/absent slot.
var (
	NullAccel Accel     = nullAccel{}
	NullGyro  Gyro      = nullGyro{}
	NullMag   Mag       = nullMag{}
	NullGps   GpsSource = nullGps{}
	NullRtc   Rtc       = nullRtc{}
)
