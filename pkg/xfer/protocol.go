// Package xfer implements the file-transfer protocol's sender and
// receiver state machines (C9, C10) and disposition policy (C11),
// spec.md §4.9-§4.11.
package xfer

import (
	"encoding/binary"
	"errors"
)

// MsgType enumerates the file-transfer protocol's message types,
// spec.md §4.9. Values are the table's enumeration order and MUST stay
// stable once any peer relies on them.
type MsgType uint16

const (
	MsgSenderVersion MsgType = iota
	MsgReceiverVersion
	MsgIdent
	MsgReady
	MsgDisconnectRetry
	MsgDisconnect
	MsgNewFile
	MsgNewFileReady
	MsgFileBlock
	MsgFileComplete
	MsgDuplicateFile
	MsgRejectFile
)

func (t MsgType) String() string {
	switch t {
	case MsgSenderVersion:
		return "SenderVersion"
	case MsgReceiverVersion:
		return "ReceiverVersion"
	case MsgIdent:
		return "Ident"
	case MsgReady:
		return "Ready"
	case MsgDisconnectRetry:
		return "DisconnectRetry"
	case MsgDisconnect:
		return "Disconnect"
	case MsgNewFile:
		return "NewFile"
	case MsgNewFileReady:
		return "NewFileReady"
	case MsgFileBlock:
		return "FileBlock"
	case MsgFileComplete:
		return "FileComplete"
	case MsgDuplicateFile:
		return "DuplicateFile"
	case MsgRejectFile:
		return "RejectFile"
	default:
		return "Unknown"
	}
}

// EncodeVersion builds a SenderVersion/ReceiverVersion payload: a single
// u32, network byte order.
func EncodeVersion(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DecodeVersion parses a SenderVersion/ReceiverVersion payload.
func DecodeVersion(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.New("xfer: version payload too short")
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeIdent builds an Ident payload: the identity string's raw bytes.
func EncodeIdent(identity string) []byte { return []byte(identity) }

// DecodeIdent parses an Ident payload.
func DecodeIdent(payload []byte) string { return string(payload) }

// EncodeText builds an optional-reason-text payload, used by
// DisconnectRetry/Disconnect.
func EncodeText(reason string) []byte { return []byte(reason) }

// DecodeText parses an optional-reason-text payload.
func DecodeText(payload []byte) string { return string(payload) }
