// Package config owns the radio's persisted parameters: the versioned
// binary record that would live in a flash page on embedded deployments,
// externalized behind a Loader/Saver pair, plus the host process's TOML
// bootstrap file.
package config

import (
	"encoding/binary"
	"errors"

	"github.com/librescoot/lora-gateway/pkg/crc16"
)

// Magic identifies a valid record; Version allows a future layout change
// to be detected and rejected rather than misread.
const (
	Magic      uint32 = 0x4C524731 // "LRG1"
	Version    uint16 = 1
	RecordSize        = 20
)

// Record is the persisted config page. Its serialized layout:
//
//	offset 0:  magic u32
//	offset 4:  version u16
//	offset 6:  reserved u16
//	offset 8:  address u16
//	offset 10: channel u8
//	offset 11: power u8
//	offset 12: air_rate u8
//	offset 13: tmode u8
//	offset 14: token u32
//	offset 18: crc16 of bytes 0..17
type Record struct {
	Address     uint16
	Channel     uint8
	Power       uint8
	AirRate     uint8
	Transparent bool
	Token       uint32
}

// Default is the built-in configuration used on first boot or when the
// persisted record fails validation.
var Default = Record{
	Address:     0x0001,
	Channel:     15,
	Power:       3,
	AirRate:     2,
	Transparent: true,
	Token:       0,
}

var (
	ErrBadMagic   = errors.New("config: bad magic")
	ErrBadVersion = errors.New("config: unsupported version")
	ErrBadCRC     = errors.New("config: crc mismatch")
	ErrShortBuf   = errors.New("config: buffer too small")
)

// Marshal serializes r into RecordSize bytes, magic/version/CRC included.
func (r Record) Marshal() []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	// bytes 6:8 reserved, left zero
	binary.BigEndian.PutUint16(buf[8:10], r.Address)
	buf[10] = r.Channel
	buf[11] = r.Power
	buf[12] = r.AirRate
	buf[13] = boolToByte(r.Transparent)
	binary.BigEndian.PutUint32(buf[14:18], r.Token)
	crc := crc16.Compute(buf[0:18])
	binary.BigEndian.PutUint16(buf[18:20], crc)
	return buf
}

// Unmarshal parses and validates a persisted record. A magic, version, or
// CRC mismatch is reported so the caller can fall back to Default and
// rewrite the page.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) < RecordSize {
		return Record{}, ErrShortBuf
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return Record{}, ErrBadMagic
	}
	if binary.BigEndian.Uint16(buf[4:6]) != Version {
		return Record{}, ErrBadVersion
	}
	wantCRC := binary.BigEndian.Uint16(buf[18:20])
	if !crc16.Verify(buf[0:18], wantCRC) {
		return Record{}, ErrBadCRC
	}
	return Record{
		Address:     binary.BigEndian.Uint16(buf[8:10]),
		Channel:     buf[10],
		Power:       buf[11],
		AirRate:     buf[12],
		Transparent: buf[13] != 0,
		Token:       binary.BigEndian.Uint32(buf[14:18]),
	}, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Loader reads the persisted record from its backing store (a file on a
// host, a flash page on a microcontroller).
type Loader interface {
	Load() ([]byte, error)
}

// Saver writes the persisted record to its backing store.
type Saver interface {
	Save(buf []byte) error
}
