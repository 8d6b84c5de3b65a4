package atcmd

import (
	"testing"
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
)

// fakePort answers each Write with reply, the way a radio responds only
// after it has received a command, so the reply survives Execute's
// leading ClearRX.
type fakePort struct {
	busy    bool
	written []byte
	reply   []byte
	rxQueue []byte
}

func (f *fakePort) ClearRX()       { f.rxQueue = nil }
func (f *fakePort) IsTxBusy() bool { return f.busy }
func (f *fakePort) Write(data []byte) int {
	f.written = append(f.written, data...)
	f.rxQueue = append(f.rxQueue, f.reply...)
	return len(data)
}
func (f *fakePort) Read(max int) []byte {
	if len(f.rxQueue) == 0 {
		return nil
	}
	n := 1 // the engine always asks for 1 byte at a time
	if n > max {
		n = max
	}
	out := f.rxQueue[:n]
	f.rxQueue = f.rxQueue[n:]
	return out
}

// FakeClock.Sleep advances the clock instantly rather than blocking real
// time, so Execute can be exercised synchronously without goroutines.

func TestExecuteSucceedsOnExpectedSubstring(t *testing.T) {
	clock := osal.NewFakeClock()
	p := &fakePort{reply: []byte("OK\r\n")}
	e := New(p, clock, osal.NopLogger{})

	got := e.Execute("AT\r\n", "OK", 200*time.Millisecond)
	if got != OK {
		t.Fatalf("Execute = %v, want OK", got)
	}
	if string(p.written) != "AT\r\n" {
		t.Fatalf("written = %q, want AT\\r\\n", p.written)
	}
}

func TestExecuteTimesOutWithoutMatch(t *testing.T) {
	clock := osal.NewFakeClock()
	p := &fakePort{}
	e := New(p, clock, osal.NopLogger{})

	got := e.Execute("AT\r\n", "OK", 50*time.Millisecond)
	if got != Timeout {
		t.Fatalf("Execute = %v, want TIMEOUT", got)
	}
}

func TestExecuteReturnsBusyWhenTxStaysBusy(t *testing.T) {
	clock := osal.NewFakeClock()
	p := &fakePort{busy: true}
	e := New(p, clock, osal.NopLogger{})

	got := e.Execute("AT\r\n", "OK", 200*time.Millisecond)
	if got != ErrorBusy {
		t.Fatalf("Execute = %v, want ERROR (busy)", got)
	}
}

func TestExecuteFindsSubstringMidStream(t *testing.T) {
	clock := osal.NewFakeClock()
	p := &fakePort{reply: []byte("junkOKmore")}
	e := New(p, clock, osal.NopLogger{})

	got := e.Execute("AT+ADDR=00,01\r\n", "OK", 200*time.Millisecond)
	if got != OK {
		t.Fatalf("Execute = %v, want OK", got)
	}
}
