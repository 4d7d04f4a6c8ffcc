package xfer

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// FloorVersion is the oldest protocol version this build still
// interoperates with, spec.md §4.9's "locally supported floor".
var FloorVersion = semver.New("1.0.0")

// LocalVersion is the protocol version this build announces as its own
// SenderVersion/ReceiverVersion.
var LocalVersion = semver.New("1.0.0")

// ErrVersionTooOld is returned by Negotiate when the negotiated minimum
// falls below FloorVersion.
var ErrVersionTooOld = fmt.Errorf("xfer: negotiated version below supported floor %s", FloorVersion)

// Negotiate picks the minimum of local and remote, per spec.md §4.9
// ("each side selects the minimum"), and rejects it if that minimum is
// older than FloorVersion ("a mismatch where the minimum is below the
// locally supported floor triggers an unrecoverable disconnect").
func Negotiate(local, remote *semver.Version) (*semver.Version, error) {
	agreed := local
	if remote.LessThan(*local) {
		agreed = remote
	}
	if agreed.LessThan(*FloorVersion) {
		return nil, ErrVersionTooOld
	}
	return agreed, nil
}

// VersionToWire packs a semver.Version's (major, minor, patch) into the
// single u32 the wire format carries: 8 bits patch, 8 bits minor, 16
// bits major, matching the teacher's own packed-version conventions for
// a compact over-the-wire representation.
func VersionToWire(v *semver.Version) uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor&0xff)<<8 | uint32(v.Patch&0xff)
}

// VersionFromWire unpacks a u32 built by VersionToWire.
func VersionFromWire(w uint32) *semver.Version {
	return &semver.Version{
		Major: int64(w >> 16),
		Minor: int64((w >> 8) & 0xff),
		Patch: int64(w & 0xff),
	}
}
