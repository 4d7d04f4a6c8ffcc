// Package wire implements the flowbus frame format, spec.md §6.1:
//
//	channel id (u16, net) | type (u16, net) | size (u16, net) | size bytes
//
// ControlChannel (0xFFFF) is the reserved control channel; system control
// message types occupy 0xFFFA..0xFFFE and user code must never emit them.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// HeaderLen is the fixed 6-byte frame header length.
	HeaderLen = 6

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 65535

	// ControlChannel is the reserved channel id carrying NewConnection,
	// ChannelDied, and other out-of-band notices to user code.
	ControlChannel uint16 = 0xFFFF
)

// Reserved system control message types, spec.md §4.4, §6.1. User code
// must not emit any of these via the public send API.
const (
	TypeKeepalive       uint16 = 0xFFFA
	TypeChannelReply    uint16 = 0xFFFB
	TypeChannelKill     uint16 = 0xFFFC
	TypeChannelAnnounce uint16 = 0xFFFD
	TypeWriterUnblocker uint16 = 0xFFFE

	// SystemTypeFloor is the first reserved type value; types >= this
	// are processed inline by the reader rather than routed to a
	// channel's inbound subqueue.
	SystemTypeFloor uint16 = 0xFFFA
)

// IsSystemType reports whether t is a reserved control message type.
func IsSystemType(t uint16) bool { return t >= SystemTypeFloor }

// ErrPayloadTooLarge is returned when a payload (or the sum of scattered
// segments) would exceed MaxPayload.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds 65535 bytes")

// Header is the fixed-size frame prefix.
type Header struct {
	ChannelID uint16
	Type      uint16
	Size      uint16
}

// Message is a single framed unit: a header plus the bytes it describes.
// The logical invariant (spec.md §3.1) is Header.Size == len(Payload).
type Message struct {
	Header  Header
	Payload []byte

	// Free, if set, is invoked exactly once after the message has been
	// written (or discarded on shutdown) when Payload was not copied
	// by the caller — spec.md §3.1's "user-supplied free callback".
	Free func()
}

// NewMessage builds a Message, copying payload is the caller's choice:
// pass the slice directly for zero-copy sends (set Free to release it),
// or a fresh copy for fire-and-forget sends.
func NewMessage(channelID, msgType uint16, payload []byte) (*Message, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	return &Message{
		Header: Header{ChannelID: channelID, Type: msgType, Size: uint16(len(payload))},
		Payload: payload,
	}, nil
}

// EncodeHeader writes h into a freshly allocated HeaderLen-byte buffer.
//
// spec.md §9's first open question flags that the original C converts
// header fields to network order by mutating the message in place
// immediately before the write, which would double-swap a message that
// was somehow retransmitted without reconstruction. This implementation
// never touches the caller's Header: it always encodes into a new
// buffer, so re-enqueuing the same *Message is always safe.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.ChannelID)
	binary.BigEndian.PutUint16(buf[2:4], h.Type)
	binary.BigEndian.PutUint16(buf[4:6], h.Size)
	return buf
}

// DecodeHeader parses a HeaderLen-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, io.ErrUnexpectedEOF
	}
	return Header{
		ChannelID: binary.BigEndian.Uint16(buf[0:2]),
		Type:      binary.BigEndian.Uint16(buf[2:4]),
		Size:      binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// ScatterSize sums the length of every segment, returning
// ErrPayloadTooLarge if the total would not fit in the 16-bit size field.
func ScatterSize(segments [][]byte) (int, error) {
	total := 0
	for _, seg := range segments {
		total += len(seg)
		if total > MaxPayload {
			return 0, ErrPayloadTooLarge
		}
	}
	return total, nil
}

// Segments returns the wire-order byte slices for message m: the encoded
// header followed by its payload, used by the writer's scatter I/O.
func Segments(m *Message) [][]byte {
	return [][]byte{EncodeHeader(m.Header), m.Payload}
}
