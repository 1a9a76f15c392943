// Package hal translates a declarative HwConfig into concrete bus and
// pin handles and probes for peripheral presence: declarative config
// in, a concrete handle or HwInitError out, built on periph.io's
// gpioreg/i2creg/spireg registries.
package hal

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	serial "github.com/jacobsa/go-serial/serial"
)

// HwInitErrorKind is the three-way failure taxonomy requires.
type HwInitErrorKind uint8

const (
	Missing HwInitErrorKind = iota + 1
	Conflict
	Fault
)

func (k HwInitErrorKind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Conflict:
		return "conflict"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// HwInitError reports a failed peripheral/bus/pin acquisition.
type HwInitError struct {
	Interface string
	Kind      HwInitErrorKind
	Cause     error
}

func (e *HwInitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hal: %s init %s: %v", e.Interface, e.Kind, e.Cause)
	}
	return fmt.Sprintf("hal: %s init %s", e.Interface, e.Kind)
}
func (e *HwInitError) Unwrap() error { return e.Cause }

// PinHandle is a resolved GPIO pin, named the way the config referred to
// it so error messages can echo the user's own spelling.
type PinHandle struct {
	Name string
	Pin  gpio.PinIO
}

// I2cBus and SpiBus wrap the periph.io bus handles HAL hands to sensor
// builders; sensors never talk to periph.io's registries directly.
type I2cBus struct {
	Name string
	Bus  i2c.Bus
}

type SpiBus struct {
	Name string
	Port spi.Port
}

// Uart wraps a resolved serial port handle, the uart analogue of I2cBus
// and SpiBus: sensors and the co-processor link never talk to
// jacobsa/go-serial directly, they go through HAL.
type Uart struct {
	Name string
	Port io.ReadWriteCloser
}

// UartConfig bundles the parameters InitUart needs to open a named
// serial device — the co-processor link runs at 115200 (or 9600 in
// debug mode); GPS UARTs run at
// whatever the ATGM336H-class module defaults to.
type UartConfig struct {
	Device   string
	BaudRate int
}

// boardAliases maps board-specific names to the GPIO pin name periph.io's
// gpioreg knows. Board's onboard LED alias is preferred over any numeric
// GPIO alias that happens to name the same physical pin.
var boardAliases = map[string]string{
	"LED":        "GPIO25", // Pico onboard LED
	"NEOPIXEL":   "GPIO23",
	"STEMMA_I2C": "", // virtual: resolved to the configured I2C bus, not a pin
}

// HAL owns every bus/pin handle acquired during init and releases the
// ones with their own lifetime along a single unwinding path on Close —
// no leak is tolerated on any exit path.
type HAL struct {
	mu sync.Mutex

	pins map[string]*PinHandle // by resolved canonical name
	i2c  map[string]*I2cBus    // by bus name
	spi  map[string]*SpiBus    // by bus name
	uart map[string]*Uart      // by device path

	claimedPins map[string]string // canonical pin name -> claimant interface, for conflict detection

	displayReleased bool
}

// New constructs an empty HAL. host.Init is invoked once, lazily, by the
// first resolve/init call so unit tests that never touch real hardware
// never pay for it.
func New() *HAL {
	return &HAL{
		pins:        map[string]*PinHandle{},
		i2c:         map[string]*I2cBus{},
		spi:         map[string]*SpiBus{},
		uart:        map[string]*Uart{},
		claimedPins: map[string]string{},
	}
}

var hostInitOnce sync.Once
var hostInitErr error

func ensureHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// ResolvePin resolves "GPnn" forms (as "GPIOnn") and board aliases into
// a concrete PinHandle. The virtual "STEMMA_I2C" name is not a pin and
// fails with HwInitError{Missing}. Idempotent: resolving the same
// canonical pin twice returns the cached handle.
func (h *HAL) ResolvePin(name string) (*PinHandle, error) {
	if err := ensureHost(); err != nil {
		return nil, &HwInitError{Interface: "pin:" + name, Kind: Fault, Cause: err}
	}
	canonical := name
	if alias, ok := boardAliases[name]; ok {
		if alias == "" {
			return nil, &HwInitError{Interface: "pin:" + name, Kind: Missing,
				Cause: fmt.Errorf("%q is a virtual bus name, not a pin", name)}
		}
		canonical = alias
	} else if strings.HasPrefix(name, "GP") && !strings.HasPrefix(name, "GPIO") {
		canonical = "GPIO" + name[2:]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.pins[canonical]; ok {
		return existing, nil
	}

	p := gpioreg.ByName(canonical)
	if p == nil {
		return nil, &HwInitError{Interface: "pin:" + name, Kind: Missing,
			Cause: fmt.Errorf("no such pin %q", canonical)}
	}
	handle := &PinHandle{Name: name, Pin: p}
	h.pins[canonical] = handle
	return handle, nil
}

// ClaimPin records that interfaceName is using the resolved pin behind
// name, failing with HwInitError{Conflict} if a different interface
// already claimed the same physical pin.
func (h *HAL) ClaimPin(name, interfaceName string) (*PinHandle, error) {
	handle, err := h.ResolvePin(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	canonical := handle.Pin.Name()
	if owner, ok := h.claimedPins[canonical]; ok && owner != interfaceName {
		return nil, &HwInitError{Interface: interfaceName, Kind: Conflict,
			Cause: fmt.Errorf("pin %q already claimed by %s", canonical, owner)}
	}
	h.claimedPins[canonical] = interfaceName
	return handle, nil
}

// InitI2C opens (or returns the cached handle for) the named I2C bus.
// Idempotent.
func (h *HAL) InitI2C(busName string) (*I2cBus, error) {
	if err := ensureHost(); err != nil {
		return nil, &HwInitError{Interface: "i2c:" + busName, Kind: Fault, Cause: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.i2c[busName]; ok {
		return existing, nil
	}
	b, err := i2creg.Open(busName)
	if err != nil {
		return nil, &HwInitError{Interface: "i2c:" + busName, Kind: Missing, Cause: err}
	}
	handle := &I2cBus{Name: busName, Bus: b}
	h.i2c[busName] = handle
	return handle, nil
}

// InitSPI opens (or returns the cached handle for) the named SPI bus.
// maxHz is the bus clock; builders call Port.Connect themselves with the
// chip-select and mode their specific driver requires.
func (h *HAL) InitSPI(busName string, maxHz physic.Frequency) (*SpiBus, error) {
	if err := ensureHost(); err != nil {
		return nil, &HwInitError{Interface: "spi:" + busName, Kind: Fault, Cause: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.spi[busName]; ok {
		return existing, nil
	}
	p, err := spireg.Open(busName)
	if err != nil {
		return nil, &HwInitError{Interface: "spi:" + busName, Kind: Missing, Cause: err}
	}
	if _, err := p.Connect(maxHz, spi.Mode0, 8); err != nil {
		return nil, &HwInitError{Interface: "spi:" + busName, Kind: Fault, Cause: err}
	}
	handle := &SpiBus{Name: busName, Port: p}
	h.spi[busName] = handle
	return handle, nil
}

// InitUart opens (or returns the cached handle for) the named serial
// device. Idempotent, matching InitI2C/InitSPI's cache-by-name shape:
// two calls naming the same device path share one handle, and no
// Conflict is reported for that case. The co-processor link and the
// GPS source open their own serial devices and do not go through here.
func (h *HAL) InitUart(cfg UartConfig) (*Uart, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.uart[cfg.Device]; ok {
		return existing, nil
	}
	if owner, ok := h.claimedPins["uart:"+cfg.Device]; ok {
		return nil, &HwInitError{Interface: "uart:" + cfg.Device, Kind: Conflict,
			Cause: fmt.Errorf("device %q already claimed by %s", cfg.Device, owner)}
	}

	opts := serial.OpenOptions{
		PortName:        cfg.Device,
		BaudRate:        uint(cfg.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, &HwInitError{Interface: "uart:" + cfg.Device, Kind: Missing, Cause: err}
	}
	handle := &Uart{Name: cfg.Device, Port: port}
	h.uart[cfg.Device] = handle
	h.claimedPins["uart:"+cfg.Device] = cfg.Device
	return handle, nil
}

// ReleaseDisplay marks the display-release step of boot as done. It is
// called before any display or I2C init, the ordering the physical setup
// needs (a stale display controller left mid-transaction wedges the
// shared I2C bus for every later client). HAL keeps no display bus state
// of its own, so the call only records that the step ran.
func (h *HAL) ReleaseDisplay() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.displayReleased = true
}

// Close releases every uart handle acquired via InitUart along the
// single unwinding path shutdown takes; no handle leaks on any exit
// path. I2C/SPI bus handles and GPIO pins are owned by
// periph.io's process-wide registries and have no per-handle close; the
// uart devices InitUart opens directly are this HAL's only handles with
// their own lifetime.
func (h *HAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, u := range h.uart {
		if err := u.Port.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hal: closing uart %s: %w", name, err)
		}
	}
	h.uart = map[string]*Uart{}
	return firstErr
}

// ProbeI2C enumerates responding 7-bit addresses on an open bus by
// issuing a one-byte read to each candidate address.
func ProbeI2C(bus i2c.Bus) []uint8 {
	var found []uint8
	for addr := uint16(0x03); addr <= 0x77; addr++ {
		if err := bus.Tx(addr, nil, []byte{0}); err == nil {
			found = append(found, uint8(addr))
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found
}
