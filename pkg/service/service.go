// Package service is the top-level façade: it owns the persisted config,
// drives Driver bring-up, forwards ticks to Manager, and exposes the
// two-phase config-edit and command-dispatch surface.
package service

import (
	"time"

	"github.com/librescoot/lora-gateway/pkg/config"
	"github.com/librescoot/lora-gateway/pkg/driver"
	"github.com/librescoot/lora-gateway/pkg/manager"
	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/protocol"
)

// EventKind enumerates everything Service can report to its caller,
// covering both Manager-originated events and Service's own.
type EventKind int

const (
	EventTxOK EventKind = iota
	EventTxFail
	EventRxOverflow
	EventDriverDown
	EventDriverUp
	EventConfigCommitted
)

func (k EventKind) String() string {
	switch k {
	case EventTxOK:
		return "TX_OK"
	case EventTxFail:
		return "TX_FAIL"
	case EventRxOverflow:
		return "RX_OVERFLOW"
	case EventDriverDown:
		return "DRIVER_DOWN"
	case EventDriverUp:
		return "DRIVER_UP"
	case EventConfigCommitted:
		return "CONFIG_COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// Event is handed to the caller-supplied OnEvent callback.
type Event struct {
	Kind EventKind
	Seq  uint16 // meaningful for EventTxOK/EventTxFail
}

// OnRx is invoked once per de-duplicated inbound payload.
type OnRx func(src uint16, payload []byte)

// OnEvent is invoked for every Service-level event, in the order they
// occur.
type OnEvent func(Event)

// Driver is the subset of pkg/driver.Driver that Service depends on.
type Driver interface {
	Init(driver.Params) bool
	AsyncSend(data []byte) bool
	Read(max int) []byte
	IsBusy() bool
}

// SendResult mirrors manager.SendResult at the Service boundary so
// callers never need to import pkg/manager.
type SendResult = manager.SendResult

const (
	SendOK        = manager.SendOK
	SendTooLarge  = manager.SendTooLarge
	SendQueueFull = manager.SendQueueFull
)

const defaultTargetBaud = 9600

// Service is the single owner of the persisted config, the Driver, and
// the Manager FSM. One instance per radio; there is no package-level
// mutable state.
type Service struct {
	loader config.Loader
	saver  config.Saver

	drv            Driver
	mgr            *manager.Manager
	clock          osal.Clock
	log            osal.Logger
	targetBaud     int
	stuckThreshold time.Duration

	onRx    OnRx
	onEvent OnEvent

	current config.Record

	driverUp    bool
	lastBringUp uint32

	monitor  monitorState
	editSess editSession
}

// driverRetryBackoff paces re-init attempts while the driver is down, per
// the bring-up contract ("on driver failure, posts an event and keeps
// retrying at a backoff cadence").
const driverRetryBackoff = 5 * time.Second

// Option customizes Service construction.
type Option func(*Service)

// WithTargetBaud overrides the operating baud Driver.Init reconfigures to
// (default 9600).
func WithTargetBaud(baud int) Option {
	return func(s *Service) { s.targetBaud = baud }
}

// WithLogger installs a non-default logger.
func WithLogger(l osal.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithStuckThreshold overrides how long Driver.IsBusy must hold before
// the monitor attempts a self-heal (default StuckThreshold, 10s).
func WithStuckThreshold(d time.Duration) Option {
	return func(s *Service) { s.stuckThreshold = d }
}

// New constructs a Service. Call Init before Tick.
func New(drv Driver, clock osal.Clock, opts ...Option) *Service {
	s := &Service{
		drv:            drv,
		clock:          clock,
		log:            osal.NopLogger{},
		targetBaud:     defaultTargetBaud,
		stuckThreshold: StuckThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init loads the persisted record (falling back to defaults on any
// validation failure), brings the Driver up with it, and wires Manager
// on top. It returns false if Driver bring-up fails; Service remains
// usable (Tick keeps retrying Driver.Init every driverRetryBackoff).
func (s *Service) Init(loader config.Loader, saver config.Saver, onRx OnRx, onEvent OnEvent) bool {
	s.loader = loader
	s.saver = saver
	s.onRx = onRx
	s.onEvent = onEvent

	s.current = s.loadOrDefault()

	s.mgr = manager.New(manager.Config{
		LocalAddr: s.current.Address,
		Codec:     protocol.NewCodec(),
		Port:      s.drv,
		Clock:     s.clock,
		Log:       s.log,
		Sink:      managerSink{s},
	})

	s.monitor.init()
	ok := s.bringUpDriver()
	s.driverUp = ok
	s.lastBringUp = s.clock.Millis()
	if ok {
		s.postEvent(EventDriverUp)
	} else {
		s.postEvent(EventDriverDown)
	}
	return ok
}

func (s *Service) loadOrDefault() config.Record {
	if s.loader == nil {
		return config.Default
	}
	buf, err := s.loader.Load()
	if err != nil {
		s.log.Warnf("service: load config: %v, using defaults", err)
		return s.rewriteDefault()
	}
	rec, err := config.Unmarshal(buf)
	if err != nil {
		s.log.Warnf("service: config record invalid: %v, using defaults", err)
		return s.rewriteDefault()
	}
	return rec
}

// rewriteDefault persists the built-in record so the next boot reads a
// valid page instead of falling back again.
func (s *Service) rewriteDefault() config.Record {
	if s.saver != nil {
		if err := s.saver.Save(config.Default.Marshal()); err != nil {
			s.log.Errorf("service: rewrite default config: %v", err)
		}
	}
	return config.Default
}

func (s *Service) bringUpDriver() bool {
	return s.drv.Init(s.recordToParams(s.current))
}

func (s *Service) recordToParams(r config.Record) driver.Params {
	return driver.Params{
		Address:     r.Address,
		Channel:     r.Channel,
		AirRate:     r.AirRate,
		Power:       r.Power,
		Transparent: r.Transparent,
		TargetBaud:  s.targetBaud,
	}
}

// Send enqueues a payload for dst through Manager.
func (s *Service) Send(dst uint16, payload []byte) (SendResult, uint16) {
	return s.mgr.Send(dst, payload)
}

// GetConfig returns the currently active (last committed) record.
func (s *Service) GetConfig() config.Record {
	return s.current
}

// Tick drives Manager, the stuck monitor, the idle edit-session
// timeout, and drains de-duplicated payloads to OnRx.
func (s *Service) Tick() {
	s.mgr.Tick()
	for {
		d, ok := s.mgr.PopRx()
		if !ok {
			break
		}
		if s.onRx != nil {
			s.onRx(d.Src, d.Payload)
		}
	}
	s.retryDriverIfDown()
	s.runMonitor()
	s.editSess.checkIdleTimeout(s.clock)
}

// retryDriverIfDown re-attempts bring-up while the driver is down, paced
// by driverRetryBackoff so a dead module does not spin the AT handshake
// on every tick.
func (s *Service) retryDriverIfDown() {
	if s.driverUp {
		return
	}
	if osal.Since(s.clock, s.lastBringUp) < uint32(driverRetryBackoff.Milliseconds()) {
		return
	}
	s.lastBringUp = s.clock.Millis()
	if s.bringUpDriver() {
		s.driverUp = true
		s.postEvent(EventDriverUp)
		return
	}
	s.log.Warnf("service: driver bring-up retry failed")
}

func (s *Service) postEvent(k EventKind) {
	s.postEventSeq(k, 0)
}

func (s *Service) postEventSeq(k EventKind, seq uint16) {
	if s.onEvent != nil {
		s.onEvent(Event{Kind: k, Seq: seq})
	}
}

// managerSink adapts manager.Event to Service's own Event stream.
type managerSink struct{ s *Service }

func (m managerSink) OnManagerEvent(e manager.Event) {
	switch e.Kind {
	case manager.EventTxOK:
		m.s.postEventSeq(EventTxOK, e.Seq)
	case manager.EventTxFail:
		m.s.postEventSeq(EventTxFail, e.Seq)
	case manager.EventRxOverflow:
		m.s.postEvent(EventRxOverflow)
	}
}
