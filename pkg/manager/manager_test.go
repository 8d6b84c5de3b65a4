package manager

import (
	"testing"
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/protocol"
)

// fakePort is an in-memory stand-in for Driver: AsyncSend appends the
// wire bytes it was given (unless jammed), and Read hands back whatever
// has been queued via Deliver.
type fakePort struct {
	sent   [][]byte
	jammed bool
	inbox  []byte
}

func (f *fakePort) AsyncSend(data []byte) bool {
	if f.jammed {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return true
}

func (f *fakePort) Read(max int) []byte {
	if len(f.inbox) == 0 {
		return nil
	}
	n := len(f.inbox)
	if n > max {
		n = max
	}
	out := f.inbox[:n]
	f.inbox = f.inbox[n:]
	return out
}

func (f *fakePort) Deliver(b []byte) {
	f.inbox = append(f.inbox, b...)
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) OnManagerEvent(e Event) {
	r.events = append(r.events, e)
}

func newTestManager(local uint16, port Port, sink EventSink) (*Manager, *osal.FakeClock) {
	clock := osal.NewFakeClock()
	m := New(Config{
		LocalAddr: local,
		Codec:     protocol.NewCodec(),
		Port:      port,
		Clock:     clock,
		Sink:      sink,
	})
	return m, clock
}

func TestSendThenAckCompletesTxOK(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	m, clock := newTestManager(0x0001, port, sink)

	res, seq := m.Send(0x0002, []byte("hello"))
	if res != SendOK {
		t.Fatalf("Send = %v, want SendOK", res)
	}

	m.Tick()
	if m.State() != StateTxWaitAck {
		t.Fatalf("state = %v, want TX_WAIT_ACK", m.State())
	}
	if len(port.sent) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(port.sent))
	}

	ackCodec := protocol.NewCodec()
	ack, err := ackCodec.Pack(protocol.KindAck, 0x0002, 0x0001, seq, nil)
	if err != nil {
		t.Fatalf("pack ack: %v", err)
	}
	port.Deliver(ack)

	m.Tick()
	if m.State() != StateIdle {
		t.Fatalf("state after ack = %v, want IDLE", m.State())
	}
	if len(sink.events) != 1 || sink.events[0].Kind != EventTxOK || sink.events[0].Seq != seq {
		t.Fatalf("unexpected events: %+v", sink.events)
	}
	_ = clock
}

func TestSendRetriesThenFailsAfterMaxRetries(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	clock := osal.NewFakeClock()
	m := New(Config{
		LocalAddr:  0x0001,
		Codec:      protocol.NewCodec(),
		Port:       port,
		Clock:      clock,
		Sink:       sink,
		TAck:       100 * time.Millisecond,
		MaxRetries: 2,
	})

	_, seq := m.Send(0x0002, []byte("x"))
	m.Tick() // first transmission at t=0

	// With MaxRetries=2 the job is retransmitted once at the first
	// elapsed deadline and gives up at the second.
	clock.Advance(150)
	m.Tick()
	if len(port.sent) != 2 {
		t.Fatalf("expected a retransmission after the first deadline, got %d frames", len(port.sent))
	}
	if len(sink.events) != 0 {
		t.Fatalf("no terminal event expected yet, got %+v", sink.events)
	}

	clock.Advance(150)
	m.Tick()

	if len(sink.events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %+v", sink.events)
	}
	ev := sink.events[0]
	if ev.Kind != EventTxFail || ev.Seq != seq || ev.Reason != ReasonNoAck {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want IDLE after giving up", m.State())
	}
	if len(port.sent) != 2 {
		t.Fatalf("expected 2 frames on the wire total, got %d", len(port.sent))
	}
}

// TestRetryScheduleMatchesDeadlines pins the observable retry schedule:
// MaxRetries=3 with a 500ms ACK deadline yields identical transmissions
// at t=0, 500, and 1000, then a single failure at t=1500.
func TestRetryScheduleMatchesDeadlines(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	clock := osal.NewFakeClock()
	m := New(Config{
		LocalAddr: 0x0001,
		Codec:     protocol.NewCodec(),
		Port:      port,
		Clock:     clock,
		Sink:      sink,
		TAck:      500 * time.Millisecond,
	})

	m.Send(0x0002, []byte("ping"))
	m.Tick()

	for _, wantFrames := range []int{2, 3} {
		clock.Advance(500)
		m.Tick()
		if len(port.sent) != wantFrames {
			t.Fatalf("after %d deadlines: %d frames sent, want %d", wantFrames-1, len(port.sent), wantFrames)
		}
	}
	for i := 1; i < len(port.sent); i++ {
		if string(port.sent[i]) != string(port.sent[0]) {
			t.Fatalf("retransmission %d differs from the original frame", i)
		}
	}

	clock.Advance(500)
	m.Tick()
	if len(port.sent) != 3 {
		t.Fatalf("expected no fourth transmission, got %d frames", len(port.sent))
	}
	if len(sink.events) != 1 || sink.events[0].Kind != EventTxFail {
		t.Fatalf("expected a single TxFail at the third deadline, got %+v", sink.events)
	}
}

func TestInboundDataIsDeliveredAndAcked(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	codec := protocol.NewCodec()
	wire, _ := codec.Pack(protocol.KindData, 0x0002, 0x0001, 7, []byte("payload"))
	port.Deliver(wire)

	m.Tick()

	d, ok := m.PopRx()
	if !ok {
		t.Fatalf("expected a delivered payload")
	}
	if d.Src != 0x0002 || d.Seq != 7 || string(d.Payload) != "payload" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	if len(port.sent) != 1 {
		t.Fatalf("expected an ACK to have been sent, got %d frames", len(port.sent))
	}
	scanner := protocol.NewScanner(codec)
	frames := scanner.FeedAll(port.sent[0])
	if len(frames) != 1 || frames[0].Kind != protocol.KindAck || frames[0].Seq != 7 {
		t.Fatalf("unexpected ack frame: %+v", frames)
	}
}

func TestDuplicateDataIsNotRedeliveredButIsReacked(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	codec := protocol.NewCodec()
	wire, _ := codec.Pack(protocol.KindData, 0x0002, 0x0001, 3, []byte("dup"))

	port.Deliver(wire)
	m.Tick()
	if _, ok := m.PopRx(); !ok {
		t.Fatalf("expected first delivery")
	}

	port.Deliver(wire)
	m.Tick()
	if _, ok := m.PopRx(); ok {
		t.Fatalf("duplicate should not be delivered twice")
	}
	if len(port.sent) != 2 {
		t.Fatalf("expected an ACK for both the original and the duplicate, got %d", len(port.sent))
	}
}

func TestFrameAddressedToAnotherNodeIsIgnored(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	codec := protocol.NewCodec()
	wire, _ := codec.Pack(protocol.KindData, 0x0002, 0x0099, 1, []byte("not for us"))
	port.Deliver(wire)

	m.Tick()

	if _, ok := m.PopRx(); ok {
		t.Fatalf("frame addressed elsewhere should not be delivered")
	}
	if len(port.sent) != 0 {
		t.Fatalf("no ACK should be sent for a frame not addressed to us")
	}
}

func TestBroadcastDataIsAcceptedWithoutAck(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	codec := protocol.NewCodec()
	wire, _ := codec.Pack(protocol.KindData, 0x0002, protocol.BroadcastAddr, 1, []byte("all"))
	port.Deliver(wire)

	m.Tick()

	d, ok := m.PopRx()
	if !ok || string(d.Payload) != "all" {
		t.Fatalf("expected broadcast payload delivered, got ok=%v d=%+v", ok, d)
	}
}

func TestBroadcastSendCompletesImmediatelyWithoutAck(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	m, _ := newTestManager(0x0001, port, sink)

	res, seq := m.Send(protocol.BroadcastAddr, []byte("x"))
	if res != SendOK {
		t.Fatalf("Send = %v", res)
	}
	m.Tick()

	if m.State() != StateIdle {
		t.Fatalf("broadcast send should not enter TX_WAIT_ACK, got %v", m.State())
	}
	if len(sink.events) != 1 || sink.events[0].Kind != EventTxOK || sink.events[0].Seq != seq {
		t.Fatalf("expected immediate TxOK event, got %+v", sink.events)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	big := make([]byte, protocol.DefaultMTU+1)
	res, _ := m.Send(0x0002, big)
	if res != SendTooLarge {
		t.Fatalf("Send = %v, want SendTooLarge", res)
	}
}

func TestSendRejectsWhenQueueFull(t *testing.T) {
	port := &fakePort{jammed: true}
	m, _ := newTestManager(0x0001, port, nil)

	for i := 0; i < DefaultTxQueueDepth; i++ {
		if res, _ := m.Send(0x0002, []byte("x")); res != SendOK {
			t.Fatalf("Send #%d = %v, want SendOK", i, res)
		}
	}
	if res, _ := m.Send(0x0002, []byte("overflow")); res != SendQueueFull {
		t.Fatalf("Send past capacity = %v, want SendQueueFull", res)
	}
}

func TestRxQueueDropsOldestOnOverflow(t *testing.T) {
	port := &fakePort{}
	sink := &recordingSink{}
	m, _ := newTestManager(0x0001, port, sink)
	codec := protocol.NewCodec()

	for i := 0; i < DefaultRxQueueDepth+1; i++ {
		wire, _ := codec.Pack(protocol.KindData, 0x0002, 0x0001, uint16(i), []byte{byte(i)})
		port.Deliver(wire)
		m.Tick()
	}

	d, ok := m.PopRx()
	if !ok {
		t.Fatalf("expected at least one queued payload")
	}
	if d.Seq != 1 {
		t.Fatalf("expected oldest (seq 0) to have been dropped, got seq %d first", d.Seq)
	}
	found := false
	for _, e := range sink.events {
		if e.Kind == EventRxOverflow {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an EventRxOverflow to have been posted")
	}
}

func TestReset(t *testing.T) {
	port := &fakePort{}
	m, _ := newTestManager(0x0001, port, nil)

	m.Send(0x0002, []byte("x"))
	m.Tick()
	if m.State() == StateIdle && m.QueueDepth() == 0 {
		t.Fatalf("setup invariant broken: expected work in flight before Reset")
	}

	m.Reset()
	if m.State() != StateIdle {
		t.Fatalf("state after Reset = %v, want IDLE", m.State())
	}
	if m.QueueDepth() != 0 {
		t.Fatalf("queue depth after Reset = %d, want 0", m.QueueDepth())
	}
	if _, ok := m.PopRx(); ok {
		t.Fatalf("rx queue should be empty after Reset")
	}
}
