package sensors

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"tinygo.org/x/drivers/mpu6050"

	"openponylogger/internal/sample"
)

func init() { RegisterBuilder("mpu6050", mpu6050Builder{}) }

// mpu6050Builder constructs the LSM6DSOX/MPU6050-class 6-DOF IMU using
// the MPU6050 driver from tinygo.org/x/drivers; an LSM6DSOX board
// presents a close enough register map that the same accel/gyro
// conversion applies, so both variants share one builder.
type mpu6050Builder struct{}

func (mpu6050Builder) BuildI2C(bus i2c.Bus, addr uint16, p Params) (any, error) {
	dev := mpu6050.New(i2cAdapter{bus})
	dev.Address = addr
	if err := dev.Configure(mpu6050.Configuration{AccelRange: mpu6050.ACCEL_RANGE_4G}); err != nil {
		return nil, fmt.Errorf("sensors: mpu6050 probe at 0x%02x: %w", addr, err)
	}
	if _, _, _, err := dev.ReadAcceleration(); err != nil {
		return nil, fmt.Errorf("sensors: mpu6050 not responding at 0x%02x: %w", addr, err)
	}
	return &sixDOF{dev: dev}, nil
}

// sixDOF implements both Accel and Gyro over one physical 6-DOF chip.
type sixDOF struct {
	dev mpu6050.Device
}

func (s *sixDOF) ReadG() (sample.Vec3, error) {
	x, y, z, err := s.dev.ReadAcceleration()
	if err != nil {
		return sample.Vec3{}, err
	}
	const milliGPerUnit = 1.0 / 1000.0
	return sample.Vec3{X: float32(x) * milliGPerUnit, Y: float32(y) * milliGPerUnit, Z: float32(z) * milliGPerUnit}, nil
}

func (s *sixDOF) ReadDps() (sample.Vec3, error) {
	x, y, z, err := s.dev.ReadRotation()
	if err != nil {
		return sample.Vec3{}, err
	}
	const milliDpsPerUnit = 1.0 / 1000.0
	return sample.Vec3{X: float32(x) * milliDpsPerUnit, Y: float32(y) * milliDpsPerUnit, Z: float32(z) * milliDpsPerUnit}, nil
}
