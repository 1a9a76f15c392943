// Package sensors implements the narrow capability traits, their null
// implementations, and the autodetecting builder registry.
package sensors

import (
	"fmt"
	"sort"
	"sync"

	"periph.io/x/conn/v3/i2c"

	"openponylogger/internal/hal"
	"openponylogger/internal/opl"
)

// Slot names the peripheral sockets the registry autodetects: one each
// for accelerometer, IMU, GPS and RTC.
type Slot string

const (
	SlotAccel Slot = "accelerometer"
	SlotIMU   Slot = "imu"
	SlotGPS   Slot = "gps"
	SlotRTC   Slot = "rtc"
)

// Params is a per-peripheral configuration block: enabled
// flag, connection reference, address/uart, and device-specific
// parameters. Builders read the fields they need.
type Params struct {
	Enabled bool
	Type    string // configured variant, e.g. "lis3dh", "icm20948"; empty = autodetect only
	Bus     string // i2c/spi bus name as resolved by internal/hal
	Addr    uint16 // 7-bit I2C address, 0 if not applicable
	UART    string // uart device name for serial peripherals (GPS)
	Baud    int
	RangeG  int // accelerometer full-scale range, g
	RateHz  int // sample rate
}

// candidate is one entry of a slot's autodetect list: a buildable
// variant plus the address it is tried at.
type candidate struct {
	typ  string
	addr uint16
}

// autodetectCandidates is the small preordered candidate list per slot.
// Autodetect policy tries the configured type/address first; on
// failure it walks this list and picks the first responder.
var autodetectCandidates = map[Slot][]candidate{
	SlotAccel: {{"lis3dh", 0x18}, {"lis3dh", 0x19}},
	SlotIMU:   {{"mpu6050", 0x68}, {"mpu6050", 0x69}, {"icm20948", 0x69}, {"icm20948", 0x68}},
	SlotGPS:   {{"pa1010d", 0x10}},
	SlotRTC:   {{"pcf8523", 0x68}},
}

// Builder constructs one peripheral's driver from resolved bus handles
// and Params. Registered via init per slot/type.
type Builder interface {
	// BuildI2C constructs the device on an already-open I2C bus at addr.
	// Returning a non-nil error means the device did not respond/probe
	// at this address — the caller tries the next candidate.
	BuildI2C(bus i2c.Bus, addr uint16, p Params) (any, error)
}

var (
	muBuilders sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder installs b for the given driver type string. Panics
// on duplicate registration.
func RegisterBuilder(driverType string, b Builder) {
	muBuilders.Lock()
	defer muBuilders.Unlock()
	if driverType == "" {
		panic("sensors: empty driver type for builder")
	}
	if _, exists := builders[driverType]; exists {
		panic(fmt.Sprintf("sensors: builder already registered for type %q", driverType))
	}
	builders[driverType] = b
}

func findBuilder(driverType string) (Builder, bool) {
	muBuilders.RLock()
	defer muBuilders.RUnlock()
	b, ok := builders[driverType]
	return b, ok
}

// Registry holds each enabled peripheral behind its capability trait. A
// null implementation (see traits.go) is always installed as the
// starting value for every slot so downstream code is never branchy on
// presence.
type Registry struct {
	Accel Accel
	Gyro  Gyro
	Mag   Mag
	GPS   GpsSource
	RTC   Rtc

	// Items records the detection outcome, populating the
	// HardwareItem list used later in the hardware-config block.
	Items []opl.HardwareItem
}

// Config bundles the HwConfig peripheral blocks the registry consults.
type Config struct {
	Accelerometer Params
	IMU           Params // 6/9-DOF combined accel+gyro(+mag)
	GPS           Params
	RTC           Params
}

// New builds a Registry from cfg and h, probing for presence per
// autodetect policy: try the configured type at its
// configured address; on failure probe the slot's candidate list and
// pick the first responder.
func New(h *hal.HAL, cfg Config) *Registry {
	r := &Registry{
		Accel: NullAccel,
		Gyro:  NullGyro,
		Mag:   NullMag,
		GPS:   NullGps,
		RTC:   NullRtc,
	}

	if cfg.Accelerometer.Enabled {
		if dev, typ, addr, ok := probeSlot(h, SlotAccel, cfg.Accelerometer); ok {
			if a, ok := dev.(Accel); ok {
				r.Accel = a
			}
			// Identifier records what actually responded, which may
			// differ from the configured type/address when autodetect
			// fell through to a candidate.
			r.Items = append(r.Items, opl.HardwareItem{
				Kind: opl.HwAccelerometer, Conn: opl.ConnI2C,
				Identifier: fmt.Sprintf("%s@0x%02x", typ, addr),
			})
		}
	}

	if cfg.IMU.Enabled {
		if dev, typ, addr, ok := probeSlot(h, SlotIMU, cfg.IMU); ok {
			if a, ok := dev.(Accel); ok && r.Accel == NullAccel {
				r.Accel = a
			}
			if g, ok := dev.(Gyro); ok {
				r.Gyro = g
			}
			if m, ok := dev.(Mag); ok {
				r.Mag = m
			}
			r.Items = append(r.Items, opl.HardwareItem{
				Kind: opl.HwImu, Conn: opl.ConnI2C,
				Identifier: fmt.Sprintf("%s@0x%02x", typ, addr),
			})
		}
	}

	if cfg.RTC.Enabled {
		if dev, typ, addr, ok := probeSlot(h, SlotRTC, cfg.RTC); ok {
			if rtc, ok := dev.(Rtc); ok {
				r.RTC = rtc
			}
			r.Items = append(r.Items, opl.HardwareItem{
				Kind: opl.HwRtc, Conn: opl.ConnI2C,
				Identifier: fmt.Sprintf("%s@0x%02x", typ, addr),
			})
		}
	}

	// GPS registration does not go through probeSlot's I2C candidate
	// loop: both known variants (PA1010D over I2C, ATGM336H over UART)
	// are constructed directly by internal/sensors/gpssrc, which already
	// knows how to pick its own transport from cfg.GPS.
	if cfg.GPS.Enabled {
		conn := opl.ConnI2C
		if cfg.GPS.UART != "" {
			conn = opl.ConnUART
		}
		r.Items = append(r.Items, opl.HardwareItem{
			Kind: opl.HwGps, Conn: conn, Identifier: cfg.GPS.Type,
		})
	}

	sort.Slice(r.Items, func(i, j int) bool { return r.Items[i].Kind < r.Items[j].Kind })
	return r
}

// SetGPS installs an already-constructed GpsSource (built by
// internal/sensors/gpssrc, which owns the serial/NMEA transport detail
// out of this package's scope).
func (r *Registry) SetGPS(g GpsSource) {
	if g != nil {
		r.GPS = g
	}
}

// probeSlot tries cfg's configured type/address first, then walks the
// slot's candidate list, returning the first device that probes
// successfully along with the type string and address it responded at.
func probeSlot(h *hal.HAL, slot Slot, p Params) (dev any, typ string, addr uint16, ok bool) {
	bus, err := h.InitI2C(p.Bus)
	if err != nil {
		return nil, "", 0, false
	}

	if p.Type != "" {
		if b, found := findBuilder(p.Type); found {
			a := p.Addr
			if a == 0 {
				a = defaultAddr(slot, p.Type)
			}
			if d, err := b.BuildI2C(bus.Bus, a, p); err == nil {
				return d, p.Type, a, true
			}
		}
	}

	for _, c := range autodetectCandidates[slot] {
		b, found := findBuilder(c.typ)
		if !found {
			continue
		}
		if d, err := b.BuildI2C(bus.Bus, c.addr, p); err == nil {
			return d, c.typ, c.addr, true
		}
	}
	return nil, "", 0, false
}

func defaultAddr(slot Slot, typ string) uint16 {
	for _, c := range autodetectCandidates[slot] {
		if c.typ == typ {
			return c.addr
		}
	}
	return 0
}
