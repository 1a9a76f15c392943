package sensors

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"tinygo.org/x/drivers/pcf8523"
)

func init() { RegisterBuilder("pcf8523", pcf8523Builder{}) }

// pcf8523Builder constructs the PCF8523 real-time clock.
type pcf8523Builder struct{}

func (pcf8523Builder) BuildI2C(bus i2c.Bus, addr uint16, p Params) (any, error) {
	dev := pcf8523.New(i2cAdapter{bus})
	if _, err := dev.ReadTime(); err != nil {
		return nil, fmt.Errorf("sensors: pcf8523 not responding at 0x%02x: %w", addr, err)
	}
	return &pcf8523Rtc{dev: dev}, nil
}

type pcf8523Rtc struct {
	dev pcf8523.Device
}

func (r *pcf8523Rtc) NowUTC() (time.Time, error) {
	t, err := r.dev.ReadTime()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (r *pcf8523Rtc) SetUTC(t time.Time) error {
	return r.dev.SetTime(t.UTC())
}
