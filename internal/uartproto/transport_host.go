//go:build !rp2040 && !rp2350

package uartproto

import (
	"context"
	"fmt"
	"io"

	serial "github.com/jacobsa/go-serial/serial"
)

// serialTransport is the host-build Transport, grounded on
// gpssrc.NewUART's jacobsa/go-serial usage.
type serialTransport struct{ cfg Config }

// NewSerialTransport opens the co-processor link over a POSIX serial
// port. Used when running the logger as a host-class binary (the
// storage task's real filesystem I/O requires a host OS); the RP2xxx
// on-target build uses NewTinygoTransport instead.
func NewSerialTransport(cfg Config) Transport { return serialTransport{cfg} }

func (t serialTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:        t.cfg.PortName,
		BaudRate:        uint(t.cfg.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("uartproto: open %s: %w", t.cfg.PortName, err)
	}
	return port, nil
}
