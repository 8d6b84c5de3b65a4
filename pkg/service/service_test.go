package service

import (
	"errors"
	"testing"

	"github.com/librescoot/lora-gateway/pkg/config"
	"github.com/librescoot/lora-gateway/pkg/driver"
	"github.com/librescoot/lora-gateway/pkg/osal"
)

// fakeDriver stands in for pkg/driver.Driver: Init always succeeds unless
// failInit is set, and AsyncSend/Read/IsBusy are inert since these tests
// exercise Service's own bookkeeping, not Manager's wire behavior.
type fakeDriver struct {
	failInit  bool
	initCount int
	lastInit  driver.Params
	busy      bool
}

func (f *fakeDriver) Init(p driver.Params) bool {
	f.initCount++
	f.lastInit = p
	return !f.failInit
}
func (f *fakeDriver) AsyncSend(data []byte) bool { return true }
func (f *fakeDriver) Read(max int) []byte        { return nil }
func (f *fakeDriver) IsBusy() bool               { return f.busy }

// memStore is an in-memory Loader/Saver, standing in for config.FileStore.
type memStore struct {
	buf []byte
}

func (m *memStore) Load() ([]byte, error) {
	if m.buf == nil {
		return nil, errors.New("memStore: empty")
	}
	return m.buf, nil
}

func (m *memStore) Save(buf []byte) error {
	m.buf = append([]byte(nil), buf...)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeDriver, *memStore, *osal.FakeClock) {
	t.Helper()
	drv := &fakeDriver{}
	clock := osal.NewFakeClock()
	s := New(drv, clock)
	store := &memStore{}
	ok := s.Init(store, store, nil, nil)
	if !ok {
		t.Fatalf("Init: expected success, driver never fails in this fixture")
	}
	return s, drv, store, clock
}

func TestInitFallsBackToDefaultOnEmptyStore(t *testing.T) {
	s, drv, _, _ := newTestService(t)
	got := s.GetConfig()
	if got != config.Default {
		t.Fatalf("GetConfig = %+v, want default %+v", got, config.Default)
	}
	if drv.initCount != 1 {
		t.Fatalf("driver Init called %d times, want 1", drv.initCount)
	}
}

func TestInitReportsDriverDown(t *testing.T) {
	drv := &fakeDriver{failInit: true}
	clock := osal.NewFakeClock()
	s := New(drv, clock)
	var events []Event
	ok := s.Init(&memStore{}, &memStore{}, nil, func(e Event) { events = append(events, e) })
	if ok {
		t.Fatalf("Init: expected failure")
	}
	if len(events) != 1 || events[0].Kind != EventDriverDown {
		t.Fatalf("events = %+v, want single EventDriverDown", events)
	}
}

func TestInitRewritesInvalidRecordWithDefaults(t *testing.T) {
	drv := &fakeDriver{}
	clock := osal.NewFakeClock()
	s := New(drv, clock)
	store := &memStore{buf: []byte("not a record")}
	if !s.Init(store, store, nil, nil) {
		t.Fatalf("Init: expected success")
	}
	persisted, err := config.Unmarshal(store.buf)
	if err != nil {
		t.Fatalf("expected a valid record to have been rewritten, got %v", err)
	}
	if persisted != config.Default {
		t.Fatalf("rewritten record = %+v, want default", persisted)
	}
}

func TestDriverRetriesAtBackoffAfterFailedInit(t *testing.T) {
	drv := &fakeDriver{failInit: true}
	clock := osal.NewFakeClock()
	s := New(drv, clock)
	var events []Event
	s.Init(&memStore{}, &memStore{}, nil, func(e Event) { events = append(events, e) })

	// Inside the backoff window nothing should be attempted.
	s.Tick()
	if drv.initCount != 1 {
		t.Fatalf("driver Init called %d times before backoff elapsed, want 1", drv.initCount)
	}

	drv.failInit = false
	clock.Advance(uint32(driverRetryBackoff.Milliseconds()) + 1)
	s.Tick()
	if drv.initCount != 2 {
		t.Fatalf("driver Init called %d times after backoff, want 2", drv.initCount)
	}
	last := events[len(events)-1]
	if last.Kind != EventDriverUp {
		t.Fatalf("events = %+v, want trailing EventDriverUp", events)
	}
}

func TestCommitPersistsAndReappliesConfig(t *testing.T) {
	s, drv, store, _ := newTestService(t)
	var events []Event
	s.onEvent = func(e Event) { events = append(events, e) }

	if !s.Begin(config.Default.Token) {
		t.Fatalf("Begin: expected success with default token")
	}
	if !s.SetField(FieldChannel, 23) {
		t.Fatalf("SetField(channel): expected success")
	}
	if !s.SetField(FieldPower, 2) {
		t.Fatalf("SetField(power): expected success")
	}
	if !s.Commit() {
		t.Fatalf("Commit: expected success")
	}

	got := s.GetConfig()
	if got.Channel != 23 || got.Power != 2 {
		t.Fatalf("GetConfig after commit = %+v, want channel=23 power=2", got)
	}
	if drv.lastInit.Channel != 23 || drv.lastInit.Power != 2 {
		t.Fatalf("driver re-init params = %+v, want committed values", drv.lastInit)
	}

	persisted, err := config.Unmarshal(store.buf)
	if err != nil {
		t.Fatalf("Unmarshal persisted record: %v", err)
	}
	if persisted != got {
		t.Fatalf("persisted record = %+v, want %+v", persisted, got)
	}

	foundCommitted := false
	for _, e := range events {
		if e.Kind == EventConfigCommitted {
			foundCommitted = true
		}
	}
	if !foundCommitted {
		t.Fatalf("events = %+v, want a CONFIG_COMMITTED", events)
	}
}

func TestAbortDiscardsDraft(t *testing.T) {
	s, _, _, _ := newTestService(t)
	before := s.GetConfig()

	if !s.Begin(config.Default.Token) {
		t.Fatalf("Begin: expected success")
	}
	s.SetField(FieldChannel, 7)
	s.Abort()

	if s.GetConfig() != before {
		t.Fatalf("GetConfig after abort = %+v, want unchanged %+v", s.GetConfig(), before)
	}
	// A second Begin should succeed since the session was released.
	if !s.Begin(config.Default.Token) {
		t.Fatalf("Begin after abort: expected session to be available again")
	}
}

func TestBeginRejectsWrongToken(t *testing.T) {
	s, _, _, _ := newTestService(t)
	if s.Begin(config.Default.Token + 1) {
		t.Fatalf("Begin: expected rejection on wrong token")
	}
}

func TestEditSessionIdleTimeout(t *testing.T) {
	s, _, _, clock := newTestService(t)
	if !s.Begin(config.Default.Token) {
		t.Fatalf("Begin: expected success")
	}
	clock.Advance(uint32(EditIdleTimeout.Milliseconds()) + 1)
	s.Tick()
	if s.editSess.active {
		t.Fatalf("edit session still active after idle timeout")
	}
}

func TestMonitorReinitsOnStuckDriver(t *testing.T) {
	s, drv, _, clock := newTestService(t)
	var events []Event
	s.onEvent = func(e Event) { events = append(events, e) }

	drv.busy = true
	drv.initCount = 0
	for ms := uint32(0); ms <= uint32(StuckThreshold.Milliseconds())+10; ms += 5 {
		s.Tick()
		clock.Advance(5)
	}
	if drv.initCount == 0 {
		t.Fatalf("monitor never attempted a self-heal re-init")
	}
	found := false
	for _, e := range events {
		if e.Kind == EventDriverUp {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %+v, want an EventDriverUp from self-heal", events)
	}
}

func TestFactoryResetRestoresDefaultAndPersists(t *testing.T) {
	s, _, store, _ := newTestService(t)
	s.Begin(config.Default.Token)
	s.SetField(FieldChannel, 30)
	s.Commit()

	if !s.FactoryReset() {
		t.Fatalf("FactoryReset: expected success")
	}
	if s.GetConfig() != config.Default {
		t.Fatalf("GetConfig after factory reset = %+v, want default", s.GetConfig())
	}
	persisted, err := config.Unmarshal(store.buf)
	if err != nil {
		t.Fatalf("Unmarshal persisted record: %v", err)
	}
	if persisted != config.Default {
		t.Fatalf("persisted record after factory reset = %+v, want default", persisted)
	}
}
