// Package atcmd implements the blocking AT request/expected-substring/
// timeout engine. It is only ever called from Driver bring-up and
// explicit reconfiguration, never from the steady-state tick path.
package atcmd

import (
	"strings"
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
)

// Status is the outcome of Execute.
type Status int

const (
	OK Status = iota
	Timeout
	ErrorBusy
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Timeout:
		return "TIMEOUT"
	case ErrorBusy:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// scratchSize bounds the reused response accumulator.
const scratchSize = 128

// Port is the subset of pkg/port.Port the AT engine drives.
type Port interface {
	ClearRX()
	IsTxBusy() bool
	Write(data []byte) int
	Read(max int) []byte
}

// Engine executes AT commands over a Port, reusing one scratch buffer
// across calls.
type Engine struct {
	port    Port
	clock   osal.Clock
	log     osal.Logger
	scratch []byte
}

func New(port Port, clock osal.Clock, log osal.Logger) *Engine {
	if log == nil {
		log = osal.NopLogger{}
	}
	return &Engine{port: port, clock: clock, log: log, scratch: make([]byte, 0, scratchSize)}
}

// Execute sends cmd verbatim (including any trailing CRLF the caller
// supplied), then polls Port.Read one byte at a time until expected is
// found in the accumulated response, a trailing 20ms settle window
// elapses, or timeout passes.
func (e *Engine) Execute(cmd string, expected string, timeout time.Duration) Status {
	e.port.ClearRX()

	if e.port.IsTxBusy() {
		busyStart := e.clock.Millis()
		for e.port.IsTxBusy() {
			if osal.Since(e.clock, busyStart) >= 100 {
				return ErrorBusy
			}
			e.clock.Sleep(time.Millisecond)
		}
	}

	if n := e.port.Write([]byte(cmd)); n != len(cmd) {
		e.log.Warnf("atcmd: short write for %q (%d/%d)", cmd, n, len(cmd))
	}

	e.scratch = e.scratch[:0]
	start := e.clock.Millis()
	budget := uint32(timeout.Milliseconds())
	for {
		chunk := e.port.Read(1)
		if len(chunk) > 0 {
			e.appendScratch(chunk[0])
			if strings.Contains(string(e.scratch), expected) {
				e.clock.Sleep(20 * time.Millisecond)
				// Drain any trailing bytes the module sends after the
				// expected substring so they don't pollute the next call.
				_ = e.port.Read(scratchSize)
				return OK
			}
		} else {
			e.clock.Sleep(time.Millisecond)
		}
		if osal.Since(e.clock, start) >= budget {
			return Timeout
		}
	}
}

// appendScratch appends b. Once the bounded scratch buffer holds
// scratchSize-1 bytes, the oldest byte is dropped so the most recent
// bytes are kept.
func (e *Engine) appendScratch(b byte) {
	if len(e.scratch) >= scratchSize-1 {
		e.scratch = e.scratch[1:] // slide the window, keep the tail
	}
	e.scratch = append(e.scratch, b)
}
