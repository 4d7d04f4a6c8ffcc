// Package fileunit implements the file-transfer unit type and its wire
// payload codecs, spec.md §3.7/§6.2 (used by C9/C10's NewFile/FileBlock
// exchange).
package fileunit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// MaxPayload mirrors wire.MaxPayload; duplicated here rather than
// importing pkg/wire, since fileunit is a pure payload codec with no
// transport dependency.
const MaxPayload = 65535

// Info describes one file offered over NewFile, spec.md §3.7/§6.2.
// Size is split into high/low 32-bit halves on the wire; Info exposes it
// as a single uint64.
type Info struct {
	Size      uint64
	BlockSize uint32
	Mode      uint32
	Filename  string
}

// ErrFilenameInvalid is returned when a filename fails spec.md §3.7's
// invariants: valid UTF-8, no path separator, non-empty, and short
// enough that its NewFile payload fits in one frame.
var ErrFilenameInvalid = errors.New("fileunit: invalid filename")

// NormalizeFilename applies Unicode NFC normalization, matching the
// teacher's local-backend cross-platform convention (macOS HFS+ hands
// back NFD-decomposed names; normalizing to NFC keeps a filename
// identical across peers regardless of which OS produced it).
func NormalizeFilename(name string) string {
	return norm.NFC.String(name)
}

// ValidateFilename enforces spec.md §3.7: UTF-8, no path separator,
// non-empty, and short enough that encoding it as NewFile fits in one
// 65,535-byte frame.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrFilenameInvalid)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrFilenameInvalid)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: contains a path separator", ErrFilenameInvalid)
	}
	if newFileHeaderLen+len(name) > MaxPayload {
		return fmt.Errorf("%w: too long", ErrFilenameInvalid)
	}
	return nil
}

const newFileHeaderLen = 4 * 4 // high_size, low_size, block_size, mode

// EncodeNewFile builds the NewFile payload: §6.2's
// [u32 high_size][u32 low_size][u32 block_size][u32 mode][filename bytes].
func EncodeNewFile(info Info) ([]byte, error) {
	if err := ValidateFilename(info.Filename); err != nil {
		return nil, err
	}
	buf := make([]byte, newFileHeaderLen+len(info.Filename))
	binary.BigEndian.PutUint32(buf[0:4], uint32(info.Size>>32))
	binary.BigEndian.PutUint32(buf[4:8], uint32(info.Size))
	binary.BigEndian.PutUint32(buf[8:12], info.BlockSize)
	binary.BigEndian.PutUint32(buf[12:16], info.Mode)
	copy(buf[16:], info.Filename)
	return buf, nil
}

// DecodeNewFile parses a NewFile payload built by EncodeNewFile.
func DecodeNewFile(payload []byte) (Info, error) {
	if len(payload) < newFileHeaderLen {
		return Info{}, errors.New("fileunit: NewFile payload too short")
	}
	high := binary.BigEndian.Uint32(payload[0:4])
	low := binary.BigEndian.Uint32(payload[4:8])
	blockSize := binary.BigEndian.Uint32(payload[8:12])
	mode := binary.BigEndian.Uint32(payload[12:16])
	filename := string(payload[16:])
	if err := ValidateFilename(filename); err != nil {
		return Info{}, err
	}
	return Info{
		Size:      uint64(high)<<32 | uint64(low),
		BlockSize: blockSize,
		Mode:      mode,
		Filename:  filename,
	}, nil
}

const fileBlockHeaderLen = 4 * 2 // high_offset, low_offset

// EncodeFileBlock builds the FileBlock payload: §6.2's
// [u32 high_offset][u32 low_offset][block bytes].
func EncodeFileBlock(offset uint64, data []byte) ([]byte, error) {
	if fileBlockHeaderLen+len(data) > MaxPayload {
		return nil, errors.New("fileunit: block too large for one frame")
	}
	buf := make([]byte, fileBlockHeaderLen+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(offset>>32))
	binary.BigEndian.PutUint32(buf[4:8], uint32(offset))
	copy(buf[8:], data)
	return buf, nil
}

// DecodeFileBlock parses a FileBlock payload built by EncodeFileBlock.
// The returned slice aliases payload; callers must copy before the
// buffer is reused if they need the bytes past the current read.
func DecodeFileBlock(payload []byte) (offset uint64, data []byte, err error) {
	if len(payload) < fileBlockHeaderLen {
		return 0, nil, errors.New("fileunit: FileBlock payload too short")
	}
	high := binary.BigEndian.Uint32(payload[0:4])
	low := binary.BigEndian.Uint32(payload[4:8])
	return uint64(high)<<32 | uint64(low), payload[8:], nil
}

// MaxBlockBytes is the largest slice EncodeFileBlock can carry in one
// frame, spec.md §6.2's "block bytes count <= 65,535 - 8".
const MaxBlockBytes = MaxPayload - fileBlockHeaderLen

// PlaceholderName returns the hidden in-progress name for name, spec.md
// §4.9/§6.3: a dot-prefixed placeholder, renamed to name atomically on
// FileComplete.
func PlaceholderName(name string) string {
	return "." + name
}

// collisionSuffix returns a randomized 6-character suffix for retrying a
// rename that lost a race against a concurrently-created file at the
// same final path, spec.md §6.3. Built from a UUIDv4's hex digits (one
// random source reused rather than hand-rolling a second one) instead of
// the full 36-character string.
func collisionSuffix() string {
	id := uuid.New().String()
	id = strings.ReplaceAll(id, "-", "")
	return id[:6]
}

// WithCollisionSuffix appends a randomized 6-character suffix before
// name's extension (or at the end, if name has none), for retrying a
// rename collision per spec.md §6.3.
func WithCollisionSuffix(name string) string {
	suffix := collisionSuffix()
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i] + "-" + suffix + name[i:]
	}
	return name + "-" + suffix
}
