// Package bugstport implements port.Transport over go.bug.st/serial.
// go.bug.st/serial exposes SetMode on an already-open port, so unlike
// platform/serialport this backend satisfies Reconfigure without a
// close/reopen cycle. That matters on platforms where closing the device
// node also resets RTS/DTR lines the radio's reset pin is wired through.
package bugstport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

type Transport struct {
	mu   sync.Mutex
	port serial.Port
}

func Open(device string, baud int) (*Transport, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("bugstport: open %s @ %d: %w", device, baud, err)
	}
	// Non-blocking reads: a short read timeout turns Read into a
	// poll, matching the non-blocking Port contract.
	_ = p.SetReadTimeout(10 * time.Millisecond)
	return &Transport{port: p}, nil
}

func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Write(p)
}

func (t *Transport) ReadAvailable(dst []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.port.Read(dst[:cap(dst)])
	if err != nil {
		return 0
	}
	return n
}

func (t *Transport) Reconfigure(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.SetMode(&serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
