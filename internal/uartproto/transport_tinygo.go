//go:build rp2040 || rp2350

package uartproto

import (
	"context"
	"fmt"
	"io"

	uartx "github.com/jangala-dev/tinygo-uartx"
)

// tinygoTransport is the on-target Transport for an RP2040/RP2350
// build: jacobsa/go-serial needs a POSIX termios layer the TinyGo
// runtime doesn't provide, so the co-processor UART is opened directly
// through tinygo-uartx instead.
type tinygoTransport struct{ cfg Config }

// NewTinygoTransport opens the co-processor link on the board's
// hardware UART peripheral.
func NewTinygoTransport(cfg Config) Transport { return tinygoTransport{cfg} }

func (t tinygoTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	port, err := uartx.Open(uartx.Config{BaudRate: uint32(t.cfg.BaudRate)})
	if err != nil {
		return nil, fmt.Errorf("uartproto: tinygo uart open: %w", err)
	}
	return port, nil
}
