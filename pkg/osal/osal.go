// Package osal provides the small set of platform primitives the rest of
// the Stack is built on: a monotonic millisecond clock, a blocking delay,
// a nestable critical section, and an entropy source. On bare metal these
// map to interrupt-disable/enable and a hardware timer; on a host OS a
// single mutex-backed guard and time.Now() stand in. All primitives are
// infallible; there are no error returns.
package osal

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// Clock exposes a monotonic millisecond tick. The tick wraps at 2^32 ms
// (~49.7 days); callers must compare ticks with unsigned subtraction
// (Since) rather than direct less-than comparisons.
type Clock interface {
	Millis() uint32
	Sleep(d time.Duration)
}

// Since returns the elapsed ms between a past tick and now, correct across
// a 32-bit wrap.
func Since(clock Clock, past uint32) uint32 {
	return clock.Millis() - past
}

// SystemClock is the real wall-clock backed Clock used outside tests.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// FakeClock is a manually-advanced Clock for deterministic unit tests.
type FakeClock struct {
	mu  sync.Mutex
	now uint32
}

func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

func (c *FakeClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.Advance(uint32(d.Milliseconds()))
}

// Advance moves the fake clock forward without blocking the caller.
func (c *FakeClock) Advance(ms uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

// CriticalSection is a nestable mutual-exclusion guard. On bare metal this
// would disable interrupt preemption; here a mutex held across the
// outermost Enter/Leave pair stands in for the SMP spinlock. Nested
// entries must come from the goroutine already holding the guard, which
// the Stack's cooperative single-goroutine scheduling guarantees.
type CriticalSection struct {
	mu    sync.Mutex
	depth int
}

// Enter acquires the guard on first (non-nested) entry.
func (c *CriticalSection) Enter() {
	if c.depth == 0 {
		c.mu.Lock()
	}
	c.depth++
}

// Leave releases the guard once depth returns to zero.
func (c *CriticalSection) Leave() {
	c.depth--
	if c.depth == 0 {
		c.mu.Unlock()
	}
}

// Entropy32 returns 32 bits of cryptographically sourced noise. The
// platform OSAL is free to substitute an ADC/RNG peripheral; the host
// build uses crypto/rand.
func Entropy32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
