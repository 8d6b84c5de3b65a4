package port

import "sync"

// LoopbackTransport is an in-memory Transport used by tests and by the
// Manager/Driver test suites to stand in for real hardware.
type LoopbackTransport struct {
	mu   sync.Mutex
	pend []byte
	peer *LoopbackTransport
	baud int
}

// NewLoopbackPair returns two transports wired to each other: bytes
// written to a are readable from b and vice versa.
func NewLoopbackPair() (a, b *LoopbackTransport) {
	a = &LoopbackTransport{}
	b = &LoopbackTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *LoopbackTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer.mu.Lock()
	defer t.peer.mu.Unlock()
	t.peer.pend = append(t.peer.pend, p...)
	return len(p), nil
}

func (t *LoopbackTransport) ReadAvailable(dst []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(dst[:cap(dst)], t.pend)
	if n < len(t.pend) {
		t.pend = t.pend[n:]
	} else {
		t.pend = t.pend[:0]
	}
	return n
}

func (t *LoopbackTransport) Reconfigure(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baud = baud
	return nil
}

func (t *LoopbackTransport) Close() error { return nil }

// FakeAux is a settable AuxLine for tests.
type FakeAux struct {
	mu   sync.Mutex
	busy bool
}

func (f *FakeAux) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *FakeAux) Set(busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = busy
}

// FakeMode records the last SetConfigMode call for assertions.
type FakeMode struct {
	mu     sync.Mutex
	config bool
}

func (f *FakeMode) SetConfigMode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = enabled
}

func (f *FakeMode) ConfigMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}
