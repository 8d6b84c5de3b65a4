package service

import (
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/librescoot/lora-gateway/pkg/config"
	"github.com/librescoot/lora-gateway/pkg/osal"
)

// EditIdleTimeout auto-cancels an open edit session after this much time
// with no Begin/Set activity, so an abandoned remote edit cannot hold the
// session open indefinitely.
const EditIdleTimeout = 30 * time.Second

// Field names a single settable record field for the two-phase editor.
type Field int

const (
	FieldAddress Field = iota
	FieldChannel
	FieldPower
	FieldAirRate
	FieldTransparent
)

// editSession is the two-phase commit buffer: Begin copies the committed
// record into draft, Set mutates draft only, Commit persists draft and
// replaces the committed record, Abort discards draft. The token is
// compared in constant time since it doubles as the remote-command
// credential.
type editSession struct {
	active       bool
	draft        config.Record
	lastActivity uint32
}

// tokenEqual compares a and b in constant time regardless of value,
// avoiding a timing side-channel on the low bytes of a 32-bit secret.
func tokenEqual(a, b uint32) bool {
	var ab, bb [4]byte
	binary.BigEndian.PutUint32(ab[:], a)
	binary.BigEndian.PutUint32(bb[:], b)
	return subtle.ConstantTimeCompare(ab[:], bb[:]) == 1
}

// Begin opens an edit session if token authenticates against the
// currently committed record. Returns false on a bad token or if a
// session is already open.
func (s *Service) Begin(token uint32) bool {
	if s.editSess.active {
		return false
	}
	if !tokenEqual(token, s.current.Token) {
		return false
	}
	s.editSess.active = true
	s.editSess.draft = s.current
	s.editSess.lastActivity = s.clock.Millis()
	return true
}

// SetField mutates one field of the open draft. Returns false if no
// session is open.
func (s *Service) SetField(field Field, value uint32) bool {
	if !s.editSess.active {
		return false
	}
	switch field {
	case FieldAddress:
		s.editSess.draft.Address = uint16(value)
	case FieldChannel:
		s.editSess.draft.Channel = uint8(value)
	case FieldPower:
		s.editSess.draft.Power = uint8(value)
	case FieldAirRate:
		s.editSess.draft.AirRate = uint8(value)
	case FieldTransparent:
		s.editSess.draft.Transparent = value != 0
	default:
		return false
	}
	s.editSess.lastActivity = s.clock.Millis()
	return true
}

// Commit persists the draft, re-initializes Driver with the new
// parameters, and fires CONFIG_COMMITTED. Returns false if no session is
// open or if the persisted write fails (the in-memory record and Driver
// are left unchanged in that case).
func (s *Service) Commit() bool {
	if !s.editSess.active {
		return false
	}
	draft := s.editSess.draft
	if s.saver != nil {
		if err := s.saver.Save(draft.Marshal()); err != nil {
			s.log.Errorf("service: commit: save config: %v", err)
			return false
		}
	}
	s.current = draft
	s.editSess.active = false
	s.mgr.SetLocalAddr(s.current.Address)
	s.driverUp = s.bringUpDriver()
	s.lastBringUp = s.clock.Millis()
	if !s.driverUp {
		s.log.Warnf("service: commit: driver re-init with new config failed")
		s.postEvent(EventDriverDown)
	}
	s.postEvent(EventConfigCommitted)
	return true
}

// Abort discards the draft, leaving the committed record untouched.
func (s *Service) Abort() {
	s.editSess.active = false
}

// FactoryReset restores config.Default, persists it, and re-initializes
// Driver, bypassing the two-phase session entirely (any open session is
// discarded). This is the only path that destroys a committed record
// outside a normal commit.
func (s *Service) FactoryReset() bool {
	s.editSess.active = false
	if s.saver != nil {
		if err := s.saver.Save(config.Default.Marshal()); err != nil {
			s.log.Errorf("service: factory reset: save config: %v", err)
			return false
		}
	}
	s.current = config.Default
	s.mgr.SetLocalAddr(s.current.Address)
	ok := s.bringUpDriver()
	s.driverUp = ok
	s.lastBringUp = s.clock.Millis()
	if ok {
		s.postEvent(EventDriverUp)
	} else {
		s.postEvent(EventDriverDown)
	}
	s.postEvent(EventConfigCommitted)
	return ok
}

// checkIdleTimeout auto-aborts an open session after EditIdleTimeout of
// no Begin/Set activity.
func (e *editSession) checkIdleTimeout(clock osal.Clock) {
	if !e.active {
		return
	}
	if osal.Since(clock, e.lastActivity) >= uint32(EditIdleTimeout.Milliseconds()) {
		e.active = false
	}
}
