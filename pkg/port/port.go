// Package port implements the non-blocking serial transport contract:
// arriving bytes are mirrored into a circular RX region; Port.Read drains
// only newly arrived bytes by comparing a write cursor to a read cursor,
// TX is single-shot and hands the buffer to the transport, and a separate AUX
// busy line is consulted before transmitting. Any byte-pipe transport can
// back it, a UART in deployment and an in-memory loopback in tests.
package port

import (
	"io"
	"sync"
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/ring"
)

// State is the Port's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateTxInFlight
)

// MaxTxLen is the device-specific single-shot transmit ceiling (~512B on
// the reference hardware).
const MaxTxLen = 512

// RxRingSize sizes the host-side mirror of the DMA circular RX region.
const RxRingSize = 1024

// Transport is the minimal byte-pipe a Port drives. Real deployments
// satisfy it with a UART backend (platform/serialport, platform/bugstport);
// tests satisfy it with an in-memory pipe.
type Transport interface {
	io.Writer
	// ReadAvailable drains whatever bytes have arrived without blocking,
	// writing up to cap(dst) bytes starting at dst[0] and returning the
	// count written.
	ReadAvailable(dst []byte) int
	// Reconfigure re-opens the transport at a new baud without losing
	// bytes already queued on the host side.
	Reconfigure(baud int) error
	Close() error
}

// AuxLine reports the radio's busy indicator (high = cannot transmit).
type AuxLine interface {
	Busy() bool
}

// ModeLine drives the radio's config/transparent select pin.
type ModeLine interface {
	SetConfigMode(enabled bool)
}

// ResetLine is optional; platforms without a wired reset pin provide a
// no-op implementation.
type ResetLine interface {
	Pulse()
}

type noopReset struct{}

func (noopReset) Pulse() {}

// Port is the non-blocking transport the rest of the Stack depends on.
type Port struct {
	mu sync.Mutex

	transport Transport
	aux       AuxLine
	mode      ModeLine
	reset     ResetLine
	clock     osal.Clock
	log       osal.Logger

	rx    *ring.Buffer
	state State

	txBusy bool
}

// Option customizes a Port at construction.
type Option func(*Port)

// WithReset installs a non-default reset line.
func WithReset(r ResetLine) Option {
	return func(p *Port) { p.reset = r }
}

// WithLogger installs a non-default logger.
func WithLogger(l osal.Logger) Option {
	return func(p *Port) { p.log = l }
}

// New builds a Port over transport/aux/mode using clock for timing.
func New(transport Transport, aux AuxLine, mode ModeLine, clock osal.Clock, opts ...Option) *Port {
	p := &Port{
		transport: transport,
		aux:       aux,
		mode:      mode,
		reset:     noopReset{},
		clock:     clock,
		log:       osal.NopLogger{},
		rx:        ring.New(RxRingSize),
		state:     StateUninitialized,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Drain pulls any freshly arrived transport bytes into the host-side RX
// ring. The gateway's main loop calls this once per tick.
func (p *Port) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pullLocked()
}

// pullLocked moves whatever the transport has ready into the RX ring.
// Callers must hold p.mu. On real UART backends this mirrors hardware
// DMA continuously filling a circular buffer since the last check; on a
// host transport it is a non-blocking read of the kernel's buffer.
func (p *Port) pullLocked() {
	scratch := make([]byte, 256)
	n := p.transport.ReadAvailable(scratch)
	if n == 0 {
		return
	}
	accepted := p.rx.Push(scratch[:n])
	if accepted < n {
		p.log.Warnf("port: rx ring overflow, dropped %d bytes", n-accepted)
	}
	if p.state == StateUninitialized {
		p.state = StateIdle
	}
}

// Read pulls any newly arrived transport bytes into the RX ring and then
// drains up to max bytes from it. It never blocks. The AT engine relies
// on this pull-on-read behavior to observe module responses while it is
// the only active caller (no concurrent Drain() from a main loop during
// Driver.Init).
func (p *Port) Read(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pullLocked()
	return p.rx.Pop(max)
}

// ClearRX fast-forwards the read cursor to the write cursor.
func (p *Port) ClearRX() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Clear()
}

// IsTxBusy reports whether a transmit is still in flight.
func (p *Port) IsTxBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txBusy
}

// GetAux consults the radio's busy line.
func (p *Port) GetAux() bool {
	return p.aux.Busy()
}

// Write starts a one-shot transmit of data (up to MaxTxLen bytes). It
// returns the number of bytes accepted: 0 if a transmit is already in
// flight or the buffer is too long, len(data) on success.
func (p *Port) Write(data []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txBusy || len(data) > MaxTxLen {
		return 0
	}
	p.txBusy = true
	p.state = StateTxInFlight
	n, err := p.transport.Write(data)
	// The real hardware's "TX complete" edge is an interrupt; the host
	// transports used here write synchronously, so the in-flight window
	// closes immediately after the underlying Write returns.
	p.txBusy = false
	p.state = StateIdle
	if err != nil {
		p.log.Errorf("port: write error: %v", err)
		return 0
	}
	return n
}

// SetMode asserts or deasserts the config-mode pin.
func (p *Port) SetMode(configMode bool) {
	p.mode.SetConfigMode(configMode)
}

// Reset pulses the reset line, if any is wired.
func (p *Port) Reset() {
	p.reset.Pulse()
}

// ReinitUART re-opens the transport at a new baud without discarding
// bytes already mirrored into the RX ring.
func (p *Port) ReinitUART(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport.Reconfigure(baud)
}

// WaitAuxEdge blocks (via the injected clock's Sleep) until the AUX line
// reaches the wanted level or the deadline elapses, polling every 5ms.
// Used by Driver during bring-up; never called from the steady-state
// path.
func (p *Port) WaitAuxEdge(wantBusy bool, timeout time.Duration) bool {
	start := p.clock.Millis()
	budget := uint32(timeout.Milliseconds())
	for {
		if p.GetAux() == wantBusy {
			return true
		}
		if osal.Since(p.clock, start) >= budget {
			return false
		}
		p.clock.Sleep(5 * time.Millisecond)
	}
}

// Entropy32 yields 32 bits of noise. Bare-metal ports sample a floating
// ADC channel; the host build delegates to the OS entropy pool.
func (p *Port) Entropy32() uint32 {
	return osal.Entropy32()
}

// Close releases the underlying transport.
func (p *Port) Close() error {
	return p.transport.Close()
}

// State reports the Port's current lifecycle state.
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
