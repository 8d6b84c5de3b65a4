// Package serialport implements port.Transport over
// github.com/tarm/serial: 8N1, no read timeout, reopen-to-reconfigure.
package serialport

import (
	"fmt"
	"sync"

	"github.com/tarm/serial"
)

// Transport wraps a *serial.Port behind port.Transport.
type Transport struct {
	mu     sync.Mutex
	device string
	port   *serial.Port
}

// Open opens device at baud.
func Open(device string, baud int) (*Transport, error) {
	cfg := &serial.Config{
		Name:        device,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s @ %d: %w", device, baud, err)
	}
	return &Transport{device: device, port: p}, nil
}

func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Write(p)
}

// ReadAvailable performs a single non-blocking-ish read attempt: the
// underlying tarm/serial port is opened with ReadTimeout 0, so Read
// returns immediately with whatever is already in the kernel's line
// discipline buffer.
func (t *Transport) ReadAvailable(dst []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.port.Read(dst[:cap(dst)])
	if err != nil {
		return 0
	}
	return n
}

// Reconfigure closes and reopens the port at a new baud. tarm/serial has
// no in-place baud-change call; the host-side RX ring in pkg/port is
// untouched by the reopen.
func (t *Transport) Reconfigure(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("serialport: close for reconfigure: %w", err)
	}
	cfg := &serial.Config{
		Name:        t.device,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("serialport: reopen %s @ %d: %w", t.device, baud, err)
	}
	t.port = p
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
