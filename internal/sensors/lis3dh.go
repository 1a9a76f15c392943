package sensors

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/lis3dh"

	"openponylogger/internal/sample"
)

func init() { RegisterBuilder("lis3dh", lis3dhBuilder{}) }

// lis3dhBuilder constructs the LIS3DH-class 3-DOF accelerometer. The
// chip's register sequences are the tinygo.org/x/drivers black box;
// this builder only wires the driver's bus/address constructor into
// the Accel trait.
type lis3dhBuilder struct{}

func (lis3dhBuilder) BuildI2C(bus i2c.Bus, addr uint16, p Params) (any, error) {
	dev := lis3dh.New(i2cAdapter{bus})
	dev.Address = addr
	rng := lis3dh.RANGE_2G
	switch p.RangeG {
	case 4:
		rng = lis3dh.RANGE_4G
	case 8:
		rng = lis3dh.RANGE_8G
	case 16:
		rng = lis3dh.RANGE_16G
	}
	if err := dev.Configure(lis3dh.Configuration{AccelRange: rng}); err != nil {
		return nil, fmt.Errorf("sensors: lis3dh probe at 0x%02x: %w", addr, err)
	}
	if _, _, _, err := dev.ReadAcceleration(); err != nil {
		return nil, fmt.Errorf("sensors: lis3dh not responding at 0x%02x: %w", addr, err)
	}
	return &lis3dhAccel{dev: dev, rangeG: float32(rangeOf(p.RangeG))}, nil
}

func rangeOf(g int) int {
	if g <= 0 {
		return 2
	}
	return g
}

type lis3dhAccel struct {
	dev    lis3dh.Device
	rangeG float32
}

// ReadG returns 3-axis acceleration in g. The driver returns
// milli-g-scaled counts; we normalize to g here so the Accel trait's
// contract is unit-stable across sensor variants.
func (a *lis3dhAccel) ReadG() (sample.Vec3, error) {
	x, y, z, err := a.dev.ReadAcceleration()
	if err != nil {
		return sample.Vec3{}, err
	}
	const milliGPerUnit = 1.0 / 1000.0
	return sample.Vec3{
		X: float32(x) * milliGPerUnit,
		Y: float32(y) * milliGPerUnit,
		Z: float32(z) * milliGPerUnit,
	}, nil
}

// i2cAdapter satisfies tinygo.org/x/drivers.I2C over a periph.io i2c.Bus;
// both define Tx(addr uint16, w, r []byte) error, so this is a pure
// type-level bridge with no logic of its own.
type i2cAdapter struct{ bus i2c.Bus }

var _ drivers.I2C = i2cAdapter{}

func (a i2cAdapter) Tx(addr uint16, w, r []byte) error {
	return a.bus.Tx(addr, w, r)
}
