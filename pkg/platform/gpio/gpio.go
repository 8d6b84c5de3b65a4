// Package gpio drives the radio module's mode-select and AUX busy pins on
// Linux single-board computers via periph.io.
package gpio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pins bundles the GPIO lines port.Port needs beyond the UART itself: mode,
// AUX, and an optional reset line.
type Pins struct {
	mode gpio.PinIO
	aux  gpio.PinIO
	rst  gpio.PinIO
}

// Open initializes the periph.io host and resolves modePin/auxPin/rstPin
// by name (e.g. "GPIO17"). rstPin may be empty when the module has no
// wired reset line.
func Open(modePin, auxPin, rstPin string) (*Pins, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: periph host init: %w", err)
	}
	mode := gpioreg.ByName(modePin)
	if mode == nil {
		return nil, fmt.Errorf("gpio: mode pin %q not found", modePin)
	}
	aux := gpioreg.ByName(auxPin)
	if aux == nil {
		return nil, fmt.Errorf("gpio: aux pin %q not found", auxPin)
	}
	if err := mode.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: configure mode pin: %w", err)
	}
	if err := aux.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpio: configure aux pin: %w", err)
	}
	p := &Pins{mode: mode, aux: aux}
	if rstPin != "" {
		rst := gpioreg.ByName(rstPin)
		if rst == nil {
			return nil, fmt.Errorf("gpio: reset pin %q not found", rstPin)
		}
		if err := rst.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("gpio: configure reset pin: %w", err)
		}
		p.rst = rst
	}
	return p, nil
}

// SetConfigMode implements port.ModeLine.
func (p *Pins) SetConfigMode(enabled bool) {
	if enabled {
		_ = p.mode.Out(gpio.High)
		return
	}
	_ = p.mode.Out(gpio.Low)
}

// Busy implements port.AuxLine.
func (p *Pins) Busy() bool {
	return p.aux.Read() == gpio.High
}

// Pulse implements port.ResetLine; a no-op when no reset pin was wired.
func (p *Pins) Pulse() {
	if p.rst == nil {
		return
	}
	_ = p.rst.Out(gpio.Low)
	_ = p.rst.Out(gpio.High)
}
