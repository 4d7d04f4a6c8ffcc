package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowbus/flowbus/pkg/config"
	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/tlsconfig"
	"github.com/flowbus/flowbus/pkg/transport"
	"github.com/flowbus/flowbus/pkg/xfer"
)

// daemon bundles the pieces a send/receive run needs: the loaded config,
// the shared transport root, the populated peer configs, and the peer
// directory (spec.md §4.8) every configured peer is registered into.
type daemon struct {
	cfg         *config.Config
	root        *transport.Root
	peerConfigs []peer.Config
	directory   *peer.Directory

	shuttingDown int32 // set by Shutdown; runPeerLoop checks it to exit cleanly

	mu     sync.Mutex
	queues []*transport.Queue
}

// peerFor returns the *peer.Peer newDaemon already built and registered
// for pc's identity, so send/receive don't each construct their own copy.
func (d *daemon) peerFor(identity string) (*peer.Peer, error) {
	p, ok := d.directory.Lookup(identity)
	if !ok {
		return nil, fmt.Errorf("flowbusd: peer %q: not found in directory", identity)
	}
	return p, nil
}

// trackQueue registers q so Shutdown can unblock its blocked GetMessage
// callers (needed for a RoleListener peer waiting on an inbound
// connection, which Root.Shutdown alone does not wake).
func (d *daemon) trackQueue(q *transport.Queue) {
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
}

// Shutdown marks the daemon as stopping, tears down the root (no further
// channel ids allocated) and every tracked queue (wakes any blocked
// GetMessage/listener-accept loop), spec.md §5's "any shutdown must cause
// all blocked get_message calls... to return... within at most 1 second".
func (d *daemon) Shutdown() {
	atomic.StoreInt32(&d.shuttingDown, 1)
	d.root.Shutdown()
	d.mu.Lock()
	queues := append([]*transport.Queue(nil), d.queues...)
	d.mu.Unlock()
	for _, q := range queues {
		q.Shutdown()
	}
}

func (d *daemon) isShuttingDown() bool {
	return atomic.LoadInt32(&d.shuttingDown) != 0
}

func newDaemon(path string) (*daemon, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	peerConfigs, err := cfg.PeerConfigs()
	if err != nil {
		return nil, err
	}

	directory := peer.NewDirectory()
	for _, pc := range peerConfigs {
		p, err := peer.New(pc)
		if err != nil {
			return nil, fmt.Errorf("flowbusd: peer %q: %w", pc.Identity, err)
		}
		// spec.md §3.6's identity-uniqueness invariant and §4.8's
		// registration into the peer directory: a second peer sharing an
		// already-configured identity fails the daemon at startup rather
		// than silently running alongside the first.
		if err := directory.Register(p); err != nil {
			return nil, fmt.Errorf("flowbusd: %w", err)
		}
	}

	root := transport.NewRoot()
	if creds := firstTLSCredentials(peerConfigs); creds != nil {
		serverCfg, err := tlsconfig.ServerConfig(*creds)
		if err != nil {
			return nil, fmt.Errorf("flowbusd: TLS server config: %w", err)
		}
		clientCfg, err := tlsconfig.ClientConfig(*creds)
		if err != nil {
			return nil, fmt.Errorf("flowbusd: TLS client config: %w", err)
		}
		root.SetServerTLS(serverCfg)
		root.SetClientTLS(clientCfg)
	}

	return &daemon{cfg: cfg, root: root, peerConfigs: peerConfigs, directory: directory}, nil
}

func firstTLSCredentials(peerConfigs []peer.Config) *tlsconfig.Credentials {
	for _, pc := range peerConfigs {
		if pc.TLS != nil {
			return pc.TLS
		}
	}
	return nil
}

// establishChannel connects (pc.Role == RoleConnector) or accepts
// (pc.Role == RoleListener) the one channel this peer communicates over,
// spec.md §4.9 step 1's "Establish channel (as configured)". For a
// listener peer, ln must already be bound (see bindIfListener) — a fresh
// accept is awaited on every call, but the socket itself is bound only
// once up front so a reconnect doesn't need to re-bind the same address.
func establishChannel(root *transport.Root, queue *transport.Queue, pc peer.Config, ln *transport.Listener) (*transport.Channel, error) {
	const dialTimeout = 10 * time.Second

	if pc.Role == peer.RoleConnector {
		var lastErr error
		for _, addr := range pc.AcceptAddrs {
			var ch *transport.Channel
			var err error
			if pc.TLS != nil {
				ch, err = queue.ConnectTLS(addr, dialTimeout)
			} else {
				ch, err = queue.ConnectTCP(addr, dialTimeout)
			}
			if err == nil {
				applyChannelTuning(queue, ch, pc)
				return ch, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("flowbusd: peer %q: could not connect to any configured address: %w", pc.Identity, lastErr)
	}

	for {
		msg, _, err := queue.GetMessage(0)
		if err != nil {
			return nil, fmt.Errorf("flowbusd: peer %q: waiting for inbound connection: %w", pc.Identity, err)
		}
		if msg.Header.Type != transport.NoticeNewConnection || len(msg.Payload) < 2 {
			continue
		}
		localID := binary.BigEndian.Uint16(msg.Payload[:2])
		if ch, ok := root.ChannelByID(localID); ok {
			applyChannelTuning(queue, ch, pc)
			return ch, nil
		}
	}
}

// applyChannelTuning installs the per-peer keepalive interval and
// bandwidth limit onto a freshly established channel's connection, per
// spec.md §9's set_keepalive/bandwidth-limit extension points. Errors are
// only possible if ch already died between connect and here, in which
// case the next runPeerLoop iteration simply reconnects.
func applyChannelTuning(queue *transport.Queue, ch *transport.Channel, pc peer.Config) {
	if pc.Keepalive > 0 {
		_ = queue.SetKeepalive(ch, time.Duration(pc.Keepalive)*time.Second)
	}
	if pc.BandwidthLimitBytesPerSec > 0 {
		_ = queue.SetBandwidthLimit(ch, pc.BandwidthLimitBytesPerSec)
	}
}

// bindIfListener binds pc's address once, up front, for a RoleListener
// peer (returning a nil *Listener for RoleConnector, where no bind is
// needed). Binding once here — rather than inside establishChannel's
// per-reconnect retry — means a dropped connection on a listener peer
// simply waits for the next inbound connect instead of failing to
// re-bind an address still held by an earlier listener.
func bindIfListener(queue *transport.Queue, pc peer.Config) (*transport.Listener, error) {
	if pc.Role != peer.RoleListener {
		return nil, nil
	}
	var ln *transport.Listener
	var err error
	if pc.TLS != nil {
		ln, err = queue.BindTLS(pc.BindAddr)
	} else {
		ln, err = queue.BindTCP(pc.BindAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("flowbusd: peer %q: bind %s: %w", pc.Identity, pc.BindAddr, err)
	}
	return ln, nil
}

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = time.Minute
)

// runPeerLoop drives one peer's channel for the life of the daemon,
// spec.md §5's "reconnection driven inline by the state machine": it
// establishes a channel, hands it to runOnce (the sender or receiver
// state machine), and on a disconnect either stops for good
// (xfer.ErrDisconnect) or re-establishes with exponential backoff
// (everything else, including xfer.ErrDisconnectRetry). A failed
// establishChannel is retried on the same backoff. Once d.Shutdown has
// run, any error out of establishChannel/runOnce ends the loop cleanly
// instead of being reported as a failure.
func runPeerLoop(d *daemon, queue *transport.Queue, pc peer.Config, p *peer.Peer, runOnce func(ch *transport.Channel) error) error {
	d.trackQueue(queue)

	ln, err := bindIfListener(queue, pc)
	if err != nil {
		if d.isShuttingDown() {
			return nil
		}
		return err
	}
	if ln != nil {
		defer ln.Close()
	}

	delay := reconnectInitialDelay
	for {
		ch, err := establishChannel(d.root, queue, pc, ln)
		if err == nil {
			err = runOnce(ch)
			if err == nil || errors.Is(err, xfer.ErrDisconnect) {
				return err
			}
		}
		if d.isShuttingDown() || errors.Is(err, transport.ErrRootShutdown) {
			return nil
		}

		flog.Errorf(p, "disconnected, reconnecting in %s: %v", delay, err)
		time.Sleep(delay)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// openDisposition builds a peer's disposition policy from its config,
// validating the archive/error directories up front (spec.md §4.11).
func openDisposition(pc peer.Config) (xfer.Disposition, error) {
	d := xfer.Disposition{ArchiveDir: pc.ArchiveDir, ErrorDir: pc.ErrorDir}
	if err := d.Validate(); err != nil {
		return xfer.Disposition{}, err
	}
	return d, nil
}
