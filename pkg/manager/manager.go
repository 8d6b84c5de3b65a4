// Package manager implements the link-layer protocol: framing via
// pkg/protocol, stop-and-wait ARQ with retransmission, address filtering,
// and receive-side deduplication. The FSM is pumped cooperatively by
// Tick; at most one frame is ever in flight.
package manager

import (
	"errors"
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/protocol"
)

// State is the FSM's top-level state.
type State int

const (
	StateIdle State = iota
	// StateTxSending exists for parity with the three-state design; on
	// this Port, AsyncSend completes synchronously so a job moves
	// straight from IDLE to TX_WAIT_ACK without ever being observed here.
	StateTxSending
	StateTxWaitAck
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTxSending:
		return "TX_SENDING"
	case StateTxWaitAck:
		return "TX_WAIT_ACK"
	default:
		return "UNKNOWN"
	}
}

// SendResult is the synchronous outcome of Send.
type SendResult int

const (
	SendOK SendResult = iota
	SendBusy
	SendTooLarge
	SendQueueFull
)

// Protocol timing and sizing defaults.
const (
	DefaultTAckMillis    = 500
	DefaultMaxRetries    = 3
	DefaultDedupTTLMs    = 5000
	DefaultDedupCapacity = 16
	DefaultTxQueueDepth  = 8
	DefaultRxQueueDepth  = 8
)

var (
	ErrTooLarge  = errors.New("manager: payload exceeds MTU")
	ErrQueueFull = errors.New("manager: tx queue full")
)

// EventKind enumerates the events Manager posts to Service.
type EventKind int

const (
	EventTxOK EventKind = iota
	EventTxFail
	EventRxOverflow
)

// FailReason qualifies EventTxFail.
type FailReason int

const (
	ReasonNoAck FailReason = iota
)

// Event is posted to the installed EventSink as it happens.
type Event struct {
	Kind   EventKind
	Seq    uint16
	Reason FailReason
}

// EventSink receives Manager-level events; Service implements it.
type EventSink interface {
	OnManagerEvent(Event)
}

// RxDelivery is a payload handed up to Service once de-duplicated.
type RxDelivery struct {
	Src     uint16
	Seq     uint16
	Payload []byte
}

// Port is the subset of pkg/port.Port the Manager drives through Driver's
// async send/read.
type Port interface {
	AsyncSend(data []byte) bool
	Read(max int) []byte
}

type txJob struct {
	dst     uint16
	payload []byte
	seq     uint16
	retries int
	sentAt  uint32
	noAck   bool // true for broadcast sends, which never await an ACK
}

type dedupRecord struct {
	src    uint16
	seq    uint16
	seenAt uint32
}

// Manager runs the TX/RX state machine. One Manager instance owns one
// Port exclusively.
type Manager struct {
	localAddr uint16
	codec     *protocol.Codec
	port      Port
	clock     osal.Clock
	log       osal.Logger
	sink      EventSink

	tAck       time.Duration
	maxRetries int
	dedupTTL   uint32
	dedupCap   int
	txDepth    int
	rxDepth    int

	scanner *protocol.Scanner

	state      State
	nextSeq    uint16
	inFlight   *txJob
	pendingAck *protocol.Frame // highest-priority outbound slot
	txQueue    []txJob
	rxQueue    []RxDelivery
	dedup      []dedupRecord
}

// Config bundles Manager construction parameters.
type Config struct {
	LocalAddr  uint16
	Codec      *protocol.Codec
	Port       Port
	Clock      osal.Clock
	Log        osal.Logger
	Sink       EventSink
	TAck       time.Duration
	MaxRetries int
	DedupTTLMs uint32
	DedupCap   int
	TxDepth    int
	RxDepth    int
}

// New constructs a Manager, filling in defaults for zero-valued
// tuning fields.
func New(cfg Config) *Manager {
	if cfg.TAck == 0 {
		cfg.TAck = DefaultTAckMillis * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DedupTTLMs == 0 {
		cfg.DedupTTLMs = DefaultDedupTTLMs
	}
	if cfg.DedupCap == 0 {
		cfg.DedupCap = DefaultDedupCapacity
	}
	if cfg.TxDepth == 0 {
		cfg.TxDepth = DefaultTxQueueDepth
	}
	if cfg.RxDepth == 0 {
		cfg.RxDepth = DefaultRxQueueDepth
	}
	if cfg.Log == nil {
		cfg.Log = osal.NopLogger{}
	}
	return &Manager{
		localAddr:  cfg.LocalAddr,
		codec:      cfg.Codec,
		port:       cfg.Port,
		clock:      cfg.Clock,
		log:        cfg.Log,
		sink:       cfg.Sink,
		tAck:       cfg.TAck,
		maxRetries: cfg.MaxRetries,
		dedupTTL:   cfg.DedupTTLMs,
		dedupCap:   cfg.DedupCap,
		txDepth:    cfg.TxDepth,
		rxDepth:    cfg.RxDepth,
		scanner:    protocol.NewScanner(cfg.Codec),
		state:      StateIdle,
		txQueue:    make([]txJob, 0, cfg.TxDepth),
		rxQueue:    make([]RxDelivery, 0, cfg.RxDepth),
		dedup:      make([]dedupRecord, 0, cfg.DedupCap),
	}
}

// Reset returns the FSM to IDLE with both queues cleared. The FSM has no
// terminal state; after Reset it simply keeps running.
func (m *Manager) Reset() {
	m.state = StateIdle
	m.inFlight = nil
	m.pendingAck = nil
	m.txQueue = m.txQueue[:0]
	m.rxQueue = m.rxQueue[:0]
}

// SetLocalAddr updates the address Manager filters inbound frames
// against, used when Service commits a new address.
func (m *Manager) SetLocalAddr(addr uint16) {
	m.localAddr = addr
}

// Send allocates the next sequence number and enqueues data for dst.
// Broadcast destinations are sent fire-and-forget without awaiting an
// ACK.
func (m *Manager) Send(dst uint16, data []byte) (SendResult, uint16) {
	if len(data) > m.codec.MTU {
		return SendTooLarge, 0
	}
	if len(m.txQueue) >= m.txDepth {
		return SendQueueFull, 0
	}
	seq := m.nextSeq
	m.nextSeq++
	payload := make([]byte, len(data))
	copy(payload, data)
	m.txQueue = append(m.txQueue, txJob{
		dst:     dst,
		payload: payload,
		seq:     seq,
		noAck:   dst == protocol.BroadcastAddr,
	})
	return SendOK, seq
}

// Tick drains ingress, services the priority ACK slot, runs TX
// scheduling, and checks the in-flight ACK deadline. It is wait-free and
// returns in time bounded by the bytes drained.
func (m *Manager) Tick() {
	m.ingress()
	m.egress()
}

// ingress drains the Port into the codec scanner and processes every
// complete frame. It stays active even mid-TX so ACKs are never missed.
func (m *Manager) ingress() {
	buf := m.port.Read(256)
	for _, b := range buf {
		frame, _ := m.scanner.Feed(b)
		if frame == nil {
			continue
		}
		m.handleFrame(frame)
	}
}

func (m *Manager) handleFrame(f *protocol.Frame) {
	if f.Dst != m.localAddr && f.Dst != protocol.BroadcastAddr {
		return
	}
	switch f.Kind {
	case protocol.KindAck:
		m.handleAck(f)
	case protocol.KindData:
		m.handleData(f)
	}
}

func (m *Manager) handleAck(f *protocol.Frame) {
	if m.state != StateTxWaitAck || m.inFlight == nil {
		return
	}
	if f.Seq != m.inFlight.seq {
		return
	}
	seq := m.inFlight.seq
	m.inFlight = nil
	m.state = StateIdle
	m.postEvent(Event{Kind: EventTxOK, Seq: seq})
}

// handleData de-duplicates and delivers an inbound DATA frame. Broadcast
// frames are accepted without an ACK: acking a broadcast back to its
// sender would make every receiver answer at once.
func (m *Manager) handleData(f *protocol.Frame) {
	m.evictExpired()
	isDup := m.dedupLookup(f.Src, f.Seq)
	if !isDup {
		m.dedupInsert(f.Src, f.Seq)
		m.enqueueRx(RxDelivery{Src: f.Src, Seq: f.Seq, Payload: f.Payload})
	}
	if f.Dst != protocol.BroadcastAddr {
		m.queueAck(f.Src, f.Seq)
	}
}

// queueAck schedules an ACK in the single priority slot, overwriting any
// ACK that is still pending (the newest duplicate's ACK supersedes an
// older unsent one; at most one ACK is outstanding at a time in this
// design since the link is stop-and-wait).
func (m *Manager) queueAck(dst, seq uint16) {
	m.pendingAck = &protocol.Frame{Kind: protocol.KindAck, Src: m.localAddr, Dst: dst, Seq: seq}
}

func (m *Manager) enqueueRx(d RxDelivery) {
	if len(m.rxQueue) >= m.rxDepth {
		// Drop oldest, logged once per drop.
		m.log.Warnf("manager: rx queue full, dropping oldest payload from %04X", m.rxQueue[0].Src)
		m.rxQueue = m.rxQueue[1:]
		m.postEvent(Event{Kind: EventRxOverflow})
	}
	m.rxQueue = append(m.rxQueue, d)
}

// PopRx removes and returns the oldest queued inbound payload, if any.
func (m *Manager) PopRx() (RxDelivery, bool) {
	if len(m.rxQueue) == 0 {
		return RxDelivery{}, false
	}
	d := m.rxQueue[0]
	m.rxQueue = m.rxQueue[1:]
	return d, true
}

// egress services the priority ACK slot before the TX queue, then drives
// the IDLE/TX_SENDING/TX_WAIT_ACK transitions.
func (m *Manager) egress() {
	if m.pendingAck != nil {
		wire, err := m.codec.Pack(m.pendingAck.Kind, m.pendingAck.Src, m.pendingAck.Dst, m.pendingAck.Seq, nil)
		if err == nil && m.port.AsyncSend(wire) {
			m.pendingAck = nil
		}
		return
	}

	switch m.state {
	case StateIdle:
		m.startNextJob()
	case StateTxWaitAck:
		m.checkAckDeadline()
	}
}

func (m *Manager) startNextJob() {
	if len(m.txQueue) == 0 {
		return
	}
	job := m.txQueue[0]
	wire, err := m.codec.Pack(protocol.KindData, m.localAddr, job.dst, job.seq, job.payload)
	if err != nil {
		// Should not happen: Send already validated MTU.
		m.txQueue = m.txQueue[1:]
		return
	}
	if !m.port.AsyncSend(wire) {
		return // Driver/Port busy; retry next tick.
	}
	m.txQueue = m.txQueue[1:]

	if job.noAck {
		m.state = StateIdle
		m.postEvent(Event{Kind: EventTxOK, Seq: job.seq})
		return
	}

	job.sentAt = m.clock.Millis()
	m.inFlight = &job
	m.state = StateTxWaitAck
}

func (m *Manager) checkAckDeadline() {
	if m.inFlight == nil {
		m.state = StateIdle
		return
	}
	if osal.Since(m.clock, m.inFlight.sentAt) < uint32(m.tAck.Milliseconds()) {
		return
	}

	// retries counts elapsed ACK deadlines; with MaxRetries=3 the job is
	// transmitted at t=0, T_ack, and 2*T_ack, then fails at 3*T_ack.
	m.inFlight.retries++
	if m.inFlight.retries >= m.maxRetries {
		seq := m.inFlight.seq
		m.inFlight = nil
		m.state = StateIdle
		m.postEvent(Event{Kind: EventTxFail, Seq: seq, Reason: ReasonNoAck})
		return
	}

	wire, err := m.codec.Pack(protocol.KindData, m.localAddr, m.inFlight.dst, m.inFlight.seq, m.inFlight.payload)
	if err != nil {
		return
	}
	if !m.port.AsyncSend(wire) {
		return // retry again on a later tick without consuming a retry
	}
	m.inFlight.sentAt = m.clock.Millis()
}

func (m *Manager) postEvent(e Event) {
	if m.sink != nil {
		m.sink.OnManagerEvent(e)
	}
}

// dedupLookup reports whether (src, seq) has a live (non-expired) record.
func (m *Manager) dedupLookup(src, seq uint16) bool {
	for _, r := range m.dedup {
		if r.src == src && r.seq == seq {
			return osal.Since(m.clock, r.seenAt) < m.dedupTTL
		}
	}
	return false
}

// dedupInsert records (src, seq), evicting the oldest entry if full.
func (m *Manager) dedupInsert(src, seq uint16) {
	if len(m.dedup) >= m.dedupCap {
		m.dedup = m.dedup[1:]
	}
	m.dedup = append(m.dedup, dedupRecord{src: src, seq: seq, seenAt: m.clock.Millis()})
}

// evictExpired lazily reclaims dedup entries older than the TTL.
func (m *Manager) evictExpired() {
	if len(m.dedup) == 0 {
		return
	}
	kept := m.dedup[:0]
	for _, r := range m.dedup {
		if osal.Since(m.clock, r.seenAt) < m.dedupTTL {
			kept = append(kept, r)
		}
	}
	m.dedup = kept
}

// State reports the FSM's current top-level state (used by tests and the
// Service monitor's diagnostics).
func (m *Manager) State() State {
	return m.state
}

// QueueDepth reports how many TX jobs are currently queued (not counting
// any in-flight job).
func (m *Manager) QueueDepth() int {
	return len(m.txQueue)
}
