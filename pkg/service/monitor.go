package service

import (
	"time"

	"github.com/librescoot/lora-gateway/pkg/osal"
)

// StuckThreshold is the default for how long Driver.IsBusy must hold
// continuously before the monitor attempts a self-heal. Overridable
// per-Service via WithStuckThreshold, so a deployment's gateway.toml
// stuck_millis can tune it without a rebuild.
const StuckThreshold = 10 * time.Second

// monitorState tracks how long Driver has been continuously busy.
type monitorState struct {
	busySince    uint32
	busyObserved bool
}

func (m *monitorState) init() {
	m.busySince = 0
	m.busyObserved = false
}

// runMonitor checks Driver's busy line once per tick and, once it has
// been continuously busy past StuckThreshold, calls Driver.Init again to
// self-heal. Any single non-busy observation resets the timer.
func (s *Service) runMonitor() {
	now := s.clock.Millis()
	if !s.drv.IsBusy() {
		s.monitor.busyObserved = false
		return
	}
	if !s.monitor.busyObserved {
		s.monitor.busyObserved = true
		s.monitor.busySince = now
		return
	}
	if osal.Since(s.clock, s.monitor.busySince) <= uint32(s.stuckThreshold.Milliseconds()) {
		return
	}

	s.log.Warnf("service: driver stuck busy for %s, attempting self-heal", s.stuckThreshold)
	s.driverUp = s.bringUpDriver()
	s.lastBringUp = s.clock.Millis()
	if s.driverUp {
		s.log.Infof("service: self-heal succeeded")
		s.postEvent(EventDriverUp)
	} else {
		s.log.Errorf("service: self-heal failed, hardware unresponsive")
		s.postEvent(EventDriverDown)
	}
	s.monitor.busyObserved = false
	s.monitor.busySince = 0
}
