// Package display renders the debug OLED telemetry view: a single
// SSD1306 panel showing the logger's current GPS fix, satellite count,
// and accel/gyro readings, refreshed on its own scheduler task period
// by reading a telemetry.Cell snapshot each tick rather than being
// wired to the acquisition path directly.
package display

import (
	"fmt"
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"openponylogger/internal/telemetry"
)

// Panel drives one SSD1306 debug display.
type Panel struct {
	dev *ssd1306.Dev
}

// New opens an SSD1306 panel at addr on bus and shows the boot splash.
// Grounded on display.go's NewI2C + showLeftSplash sequence.
func New(bus i2c.Bus, addr uint16) (*Panel, error) {
	opts := ssd1306.DefaultOpts
	opts.Address = uint16(addr)
	dev, err := ssd1306.NewI2C(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("display: init ssd1306 at 0x%02x: %w", addr, err)
	}
	p := &Panel{dev: dev}
	if err := p.splash(); err != nil {
		return nil, err
	}
	return p, nil
}

func blankImage() *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	for i := range img.Pix {
		img.Pix[i] = 0
	}
	return img
}

func drawerFor(img *image1bit.VerticalLSB) *font.Drawer {
	return &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: image1bit.On},
		Face: basicfont.Face7x13,
	}
}

func (p *Panel) splash() error {
	img := blankImage()
	d := drawerFor(img)
	d.Dot = fixed.P(10, 26)
	d.DrawBytes([]byte("OpenPonyLogger"))
	d.Dot = fixed.P(15, 43)
	d.DrawBytes([]byte("Acquiring GPS"))
	return p.dev.Draw(p.dev.Bounds(), img, image.Point{})
}

// Render draws the current telemetry snapshot debug view:
// fix status and satellite count on the first two lines, accel/gyro on
// the remaining two — matching display.go's one-field-per-line layout.
func (p *Panel) Render(s telemetry.Snapshot) error {
	img := blankImage()
	d := drawerFor(img)

	d.Dot = fixed.P(0, 13)
	if s.HaveFix {
		latDir, lat := "N", s.Lat
		if lat < 0 {
			latDir, lat = "S", -lat
		}
		lonDir, lon := "E", s.Lon
		if lon < 0 {
			lonDir, lon = "W", -lon
		}
		d.DrawBytes([]byte(fmt.Sprintf("%.3f%s %.3f%s", lat, latDir, lon, lonDir)))
	} else {
		d.DrawBytes([]byte("GPS: no fix"))
	}

	d.Dot = fixed.P(0, 26)
	d.DrawBytes([]byte(fmt.Sprintf("sats:%2d %s", s.Satellites, s.FixType)))

	d.Dot = fixed.P(0, 39)
	if s.HaveAccel {
		d.DrawBytes([]byte(fmt.Sprintf("A:%5.2f %5.2f %5.2f", s.Gx, s.Gy, s.Gz)))
	} else {
		d.DrawBytes([]byte("A: ---"))
	}

	d.Dot = fixed.P(0, 52)
	if s.HaveGyro {
		d.DrawBytes([]byte(fmt.Sprintf("G:%5.0f %5.0f %5.0f", s.Rx, s.Ry, s.Rz)))
	} else {
		d.DrawBytes([]byte("G: ---"))
	}

	return p.dev.Draw(p.dev.Bounds(), img, image.Point{})
}
