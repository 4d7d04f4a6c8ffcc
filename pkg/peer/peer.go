// Package peer implements the peer directory, spec.md §3.6/§4.8 (C8): the
// configured remote endpoints a daemon exchanges files with, each running
// either the sender or receiver state machine over one active channel.
package peer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowbus/flowbus/pkg/multiqueue"
	"github.com/flowbus/flowbus/pkg/tlsconfig"
	"github.com/flowbus/flowbus/pkg/transport"
)

// Role says which side of a peer relationship this process plays for a
// given peer. Exactly one side is the connector, the other the listener
// (spec.md §3.6) — set per peer by static configuration, never inferred.
type Role int

const (
	RoleListener Role = iota
	RoleConnector
)

func (r Role) String() string {
	if r == RoleConnector {
		return "connector"
	}
	return "listener"
}

// Config is the static, user-supplied description of one peer.
type Config struct {
	Identity string
	Role     Role

	// BindAddr is used when Role == RoleListener: the local address this
	// peer's channel is expected to arrive on.
	BindAddr string

	// AcceptAddrs is used when Role == RoleConnector: addresses tried in
	// order until one connects.
	AcceptAddrs []string

	// ActiveConnector records the configured active-connector flag
	// (spec.md §3.6). No code in this module reads it: which side dials,
	// and so redials after a drop, is decided by Role alone.
	ActiveConnector bool

	// FilterPattern is the receiver-side filename filter regex
	// (spec.md §3.6, §4.9); empty accepts every filename.
	FilterPattern string

	// ArchiveDir/ErrorDir are the per-peer disposition directories
	// (spec.md §4.11); both must exist and be writable at startup.
	ArchiveDir string
	ErrorDir   string

	// DestDir is the receiver-side final destination directory a
	// delivered file is renamed into (spec.md §4.9's "rename hidden
	// path onto the final path"), distinct from ArchiveDir (the
	// sender-side post-send disposition).
	DestDir string

	TLS *tlsconfig.Credentials

	Keepalive int // seconds; 0 disables keepalive on this peer's channel

	// BandwidthLimitBytesPerSec caps this peer's outbound throughput;
	// 0 disables limiting (spec.md §9's bandwidth-limit extension point).
	BandwidthLimitBytesPerSec int
}

// validateIdentity enforces spec.md §3.6: non-empty, no slash, no
// whitespace.
func validateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("peer: identity must not be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("peer: identity %q must not contain a path separator", id)
	}
	if strings.ContainsFunc(id, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }) {
		return fmt.Errorf("peer: identity %q must not contain whitespace", id)
	}
	return nil
}

// Peer is the runtime state for one configured peer: its identity, its
// current channel once connected, and role-specific extensions
// (spec.md §3.6).
type Peer struct {
	cfg Config

	filter *regexp.Regexp // receiver-side only, nil if FilterPattern == ""

	// outbound is the sender-side queue of file units waiting to be
	// offered to this peer (spec.md §4.9 step 5: "pop the next queued
	// file from the peer's outbound multiqueue").
	outbound   multiqueue.Multiqueue
	outboundSQ *multiqueue.Subqueue

	// inbound is the receiver-side extension: a two-priority multiqueue
	// (high, low) feeding the disposition/post-processing path once a
	// file has been fully received, so a small control-ish file doesn't
	// wait behind a large bulk transfer already queued for disposition
	// (spec.md §3.6's "multiqueue with two priority subqueues").
	inbound     multiqueue.Multiqueue
	inboundHigh *multiqueue.Subqueue
	inboundLow  *multiqueue.Subqueue

	mu           sync.Mutex
	channel      *transport.Channel
	remoteVer    uint32
	disconnected bool
}

// Priority levels for Peer.EnqueueReceived, spec.md §3.6.
const (
	PriorityHigh = 0
	PriorityLow  = 1
)

// New validates cfg and builds a Peer ready to be registered in a
// Directory. The receiver-side filter, if any, is compiled once here so a
// malformed pattern fails at startup rather than on first NewFile.
func New(cfg Config) (*Peer, error) {
	if err := validateIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	p := &Peer{cfg: cfg, outbound: multiqueue.NewFair()}
	p.outboundSQ = p.outbound.CreateQueue()

	if cfg.FilterPattern != "" {
		re, err := regexp.Compile(cfg.FilterPattern)
		if err != nil {
			return nil, fmt.Errorf("peer %s: invalid filter pattern: %w", cfg.Identity, err)
		}
		p.filter = re
	}

	p.inbound = multiqueue.NewUnfair()
	prio := p.inbound.(multiqueue.PriorityCreator)
	p.inboundHigh = prio.CreateQueueWithPriority(PriorityHigh)
	p.inboundLow = prio.CreateQueueWithPriority(PriorityLow)

	return p, nil
}

func (p *Peer) String() string { return "peer " + p.cfg.Identity }

// Identity returns the peer's configured identity string.
func (p *Peer) Identity() string { return p.cfg.Identity }

// Role returns whether this process is the connector or listener side of
// this peer relationship.
func (p *Peer) Role() Role { return p.cfg.Role }

// Config returns the peer's static configuration.
func (p *Peer) Config() Config { return p.cfg }

// MatchesFilter reports whether filename passes this peer's receiver-side
// filter. A peer with no configured filter accepts everything.
func (p *Peer) MatchesFilter(filename string) bool {
	if p.filter == nil {
		return true
	}
	return p.filter.MatchString(filename)
}

// EnqueueOutbound queues fileUnit (any value representing a pending
// transfer; xfer.RunSender expects a *xfer.FileJob) for the sender state machine to
// pick up next (spec.md §4.9 step 5).
func (p *Peer) EnqueueOutbound(fileUnit any) {
	p.outboundSQ.PushBack(fileUnit)
}

// NextOutbound blocks for up to timeout (or indefinitely if timeout <= 0)
// for the next file unit queued for this peer.
func (p *Peer) NextOutbound(timeout time.Duration) (any, bool) {
	if timeout <= 0 {
		return p.outboundSQ.Get(), true
	}
	return p.outboundSQ.GetTimed(timeout)
}

// EnqueueReceived queues a fully-received file unit for post-receipt
// disposition at the given priority (spec.md §3.6).
func (p *Peer) EnqueueReceived(priority int, fileUnit any) {
	if priority == PriorityHigh {
		p.inboundHigh.PushBack(fileUnit)
	} else {
		p.inboundLow.PushBack(fileUnit)
	}
}

// NextReceived blocks for up to timeout (or indefinitely if timeout <= 0)
// for the next delivered file queued by EnqueueReceived, draining high
// before low per the inbound multiqueue's priority ordering.
func (p *Peer) NextReceived(timeout time.Duration) (any, bool) {
	if timeout <= 0 {
		return p.inbound.Get()
	}
	return p.inbound.GetTimed(timeout)
}

// SetChannel records the channel this peer is currently communicating
// over, clearing Disconnected.
func (p *Peer) SetChannel(ch *transport.Channel) {
	p.mu.Lock()
	p.channel = ch
	p.disconnected = false
	p.mu.Unlock()
}

// Channel returns the peer's current channel, or nil if disconnected.
func (p *Peer) Channel() *transport.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// MarkDisconnected clears the peer's channel and flags it disconnected.
// It only records that state; nothing in this package redials in
// response.
func (p *Peer) MarkDisconnected() {
	p.mu.Lock()
	p.channel = nil
	p.disconnected = true
	p.mu.Unlock()
}

// Disconnected reports whether this peer currently has no active channel.
func (p *Peer) Disconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// SetRemoteVersion records the protocol version the peer announced
// (spec.md §3.6's "remote protocol version").
func (p *Peer) SetRemoteVersion(v uint32) {
	p.mu.Lock()
	p.remoteVer = v
	p.mu.Unlock()
}

// RemoteVersion returns the last recorded remote protocol version.
func (p *Peer) RemoteVersion() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteVer
}
