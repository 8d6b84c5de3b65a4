package service

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// fieldNames maps the wire names used in CMD lines and CBOR param blobs
// to the Field enum.
var fieldNames = map[string]Field{
	"address":     FieldAddress,
	"channel":     FieldChannel,
	"power":       FieldPower,
	"air_rate":    FieldAirRate,
	"transparent": FieldTransparent,
}

// ProcessCommandLine parses and executes one control line of the form
// "CMD:<token>:<op>=<params>". The token accepts either a "0x"-prefixed
// or bare-decimal encoding (strconv base 0). An unknown op, a missing
// token, or a token that fails to authenticate returns false without any
// side effect on Service state.
func (s *Service) ProcessCommandLine(line string) bool {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 || parts[0] != "CMD" {
		return false
	}
	token64, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return false
	}
	token := uint32(token64)

	opParam := strings.SplitN(parts[2], "=", 2)
	op := opParam[0]
	params := ""
	if len(opParam) == 2 {
		params = opParam[1]
	}

	switch op {
	case "begin":
		return s.Begin(token)
	case "set":
		if !s.editSess.active || !tokenEqual(token, s.editSess.draft.Token) {
			return false
		}
		return s.applySetParams(params)
	case "commit":
		if !s.editSess.active || !tokenEqual(token, s.editSess.draft.Token) {
			return false
		}
		return s.Commit()
	case "abort":
		if !s.editSess.active || !tokenEqual(token, s.editSess.draft.Token) {
			return false
		}
		s.Abort()
		return true
	case "factory_reset":
		if !tokenEqual(token, s.current.Token) {
			return false
		}
		return s.FactoryReset()
	default:
		s.log.Warnf("service: unknown command op %q", op)
		return false
	}
}

// applySetParams accepts either "field,value" (e.g. "channel,23") or a
// CBOR-encoded map of field->value carried as "cbor:<hex>". All
// recognized fields present in a CBOR blob are applied; an unrecognized
// field name makes the call report false but does not roll back fields
// already mutated (mutation is per-field, like SetField itself).
func (s *Service) applySetParams(params string) bool {
	if strings.HasPrefix(params, "cbor:") {
		raw, err := hex.DecodeString(strings.TrimPrefix(params, "cbor:"))
		if err != nil {
			s.log.Warnf("service: set: bad cbor hex: %v", err)
			return false
		}
		var fields map[string]uint64
		if err := cbor.Unmarshal(raw, &fields); err != nil {
			s.log.Warnf("service: set: bad cbor payload: %v", err)
			return false
		}
		ok := true
		for name, value := range fields {
			field, known := fieldNames[name]
			if !known {
				s.log.Warnf("service: set: unknown field %q", name)
				ok = false
				continue
			}
			if !s.SetField(field, uint32(value)) {
				ok = false
			}
		}
		return ok
	}

	kv := strings.SplitN(params, ",", 2)
	if len(kv) != 2 {
		return false
	}
	field, known := fieldNames[kv[0]]
	if !known {
		return false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 0, 32)
	if err != nil {
		return false
	}
	return s.SetField(field, uint32(value))
}
