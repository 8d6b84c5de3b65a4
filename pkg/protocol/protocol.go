// Package protocol packs and scans the on-air frame:
//
//	| H0 H1 | VER | FLAGS | SRC(2) | DST(2) | SEQ(2) | LEN(2) | PAYLOAD[LEN] | CRC16(2) | T0 T1 |
//
// All multi-byte fields are big-endian. CRC16 covers VER..PAYLOAD
// inclusive. The Scanner accepts the stream one byte at a time so it can
// sit directly in front of a half-duplex serial link, losing at most one
// malformed frame on a mis-sync.
package protocol

import (
	"errors"
	"fmt"

	"github.com/librescoot/lora-gateway/pkg/crc16"
)

// Kind is the frame's FLAGS-encoded role.
type Kind uint8

const (
	KindData Kind = iota
	KindAck
	KindNak
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

const (
	// Version is the wire version this Stack speaks; frames carrying any
	// other VER are discarded silently.
	Version byte = 1

	// BroadcastAddr is the well-known destination that every node accepts
	// without ACKing.
	BroadcastAddr uint16 = 0xFFFF

	flagsKindMask = 0x03

	// fixedHeaderLen is VER+FLAGS+SRC+DST+SEQ+LEN, the span the CRC covers
	// together with the payload.
	fixedHeaderLen = 1 + 1 + 2 + 2 + 2 + 2
	crcLen         = 2
	trailerLen     = 2

	// overheadLen is sync+fixedHeader+crc+trailer, i.e. total frame size
	// minus payload.
	overheadLen = 2 + fixedHeaderLen + crcLen + trailerLen
)

// Sync and trailer byte pairs. Both are configurable per Codec but must
// be fixed per deployment; peers with a different trailer cannot
// interoperate.
var (
	DefaultSync    = [2]byte{'C', 'M'}
	DefaultTrailer = [2]byte{'\r', '\n'}
)

// DefaultMTU is the maximum payload length NewCodec's Codec will pack or
// accept.
const DefaultMTU = 240

// Frame is a fully decoded, CRC-verified on-air frame.
type Frame struct {
	Kind    Kind
	Src     uint16
	Dst     uint16
	Seq     uint16
	Payload []byte
}

var (
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds MTU")
)

// Codec packs frames and exposes a stateful Scanner for byte-at-a-time
// acceptance of the inbound stream.
type Codec struct {
	Sync    [2]byte
	Trailer [2]byte
	MTU     int
}

// NewCodec returns a Codec using the default sync/trailer pair and MTU.
func NewCodec() *Codec {
	return &Codec{Sync: DefaultSync, Trailer: DefaultTrailer, MTU: DefaultMTU}
}

// Pack serializes kind/src/dst/seq/payload into a complete on-air frame.
func (c *Codec) Pack(kind Kind, src, dst, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > c.MTU {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, overheadLen+len(payload))
	buf = append(buf, c.Sync[0], c.Sync[1])
	buf = append(buf, Version, byte(kind)&flagsKindMask)
	buf = appendU16(buf, src)
	buf = appendU16(buf, dst)
	buf = appendU16(buf, seq)
	buf = appendU16(buf, uint16(len(payload)))
	buf = append(buf, payload...)

	crc := crc16.Compute(buf[2:])
	buf = appendU16(buf, crc)
	buf = append(buf, c.Trailer[0], c.Trailer[1])
	return buf, nil
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func readU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// scanState enumerates the scanner's byte-acceptance phases.
type scanState int

const (
	seekH0 scanState = iota
	seekH1
	readFixed
	readPayload
	readCRC
	seekT0
	seekT1
)

// Scanner incrementally consumes a byte stream and yields complete,
// CRC-verified frames. One Scanner instance is meant to sit in front of a
// single Port's RX stream; it is not safe for concurrent use.
type Scanner struct {
	codec *Codec

	state   scanState
	fixed   []byte // VER..LEN accumulator, also the CRC preimage prefix
	payload []byte
	needLen int
	crcBuf  []byte
	seq     uint16
	src     uint16
	dst     uint16
	ver     byte
	flags   byte
}

// NewScanner returns a Scanner bound to codec's sync/trailer/MTU.
func NewScanner(codec *Codec) *Scanner {
	return &Scanner{codec: codec, state: seekH0}
}

// reset drops any partially accumulated candidate and returns to
// searching for the first sync byte.
func (s *Scanner) reset() {
	s.state = seekH0
	s.fixed = s.fixed[:0]
	s.payload = nil
	s.needLen = 0
	s.crcBuf = s.crcBuf[:0]
}

// Feed advances the scanner by one byte. It returns a non-nil *Frame when
// a complete, valid frame has just been accepted; resync is true when the
// byte caused a malformed candidate to be dropped (VER/LEN/CRC/trailer
// mismatch), which the caller may count but need not otherwise act on.
func (s *Scanner) Feed(b byte) (frame *Frame, resync bool) {
	switch s.state {
	case seekH0:
		if b == s.codec.Sync[0] {
			s.state = seekH1
		}
		return nil, false

	case seekH1:
		if b == s.codec.Sync[1] {
			s.state = readFixed
			s.fixed = s.fixed[:0]
			return nil, false
		}
		// Falls back to seekH0, but a byte that itself equals H0
		// re-enters seekH1 rather than requiring a fresh H0,H1 pair.
		if b == s.codec.Sync[0] {
			s.state = seekH1
			return nil, false
		}
		s.state = seekH0
		return nil, false

	case readFixed:
		s.fixed = append(s.fixed, b)
		if len(s.fixed) < fixedHeaderLen {
			return nil, false
		}
		s.ver = s.fixed[0]
		s.flags = s.fixed[1]
		s.src = readU16(s.fixed[2:4])
		s.dst = readU16(s.fixed[4:6])
		s.seq = readU16(s.fixed[6:8])
		length := int(readU16(s.fixed[8:10]))
		if s.ver != Version || length > s.codec.MTU {
			s.reset()
			return nil, true
		}
		s.needLen = length
		s.payload = make([]byte, 0, length)
		if s.needLen == 0 {
			s.state = readCRC
			s.crcBuf = s.crcBuf[:0]
			return nil, false
		}
		s.state = readPayload
		return nil, false

	case readPayload:
		s.payload = append(s.payload, b)
		if len(s.payload) >= s.needLen {
			s.state = readCRC
			s.crcBuf = s.crcBuf[:0]
		}
		return nil, false

	case readCRC:
		s.crcBuf = append(s.crcBuf, b)
		if len(s.crcBuf) < crcLen {
			return nil, false
		}
		s.state = seekT0
		return nil, false

	case seekT0:
		if b != s.codec.Trailer[0] {
			s.reset()
			return nil, true
		}
		s.state = seekT1
		return nil, false

	case seekT1:
		if b != s.codec.Trailer[1] {
			s.reset()
			return nil, true
		}
		frame, ok := s.verify()
		s.reset()
		if !ok {
			return nil, true
		}
		return frame, false
	}
	return nil, false
}

// verify recomputes and checks the CRC over VER..PAYLOAD.
func (s *Scanner) verify() (*Frame, bool) {
	preimage := make([]byte, 0, len(s.fixed)+len(s.payload))
	preimage = append(preimage, s.fixed...)
	preimage = append(preimage, s.payload...)
	want := readU16(s.crcBuf)
	if !crc16.Verify(preimage, want) {
		return nil, false
	}
	payload := make([]byte, len(s.payload))
	copy(payload, s.payload)
	return &Frame{
		Kind:    Kind(s.flags & flagsKindMask),
		Src:     s.src,
		Dst:     s.dst,
		Seq:     s.seq,
		Payload: payload,
	}, true
}

// FeedAll runs Feed over every byte in buf and returns every frame
// accepted, in stream order.
func (s *Scanner) FeedAll(buf []byte) []*Frame {
	var out []*Frame
	for _, b := range buf {
		if f, _ := s.Feed(b); f != nil {
			out = append(out, f)
		}
	}
	return out
}
