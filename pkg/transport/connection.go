// Package transport implements spec.md's message-multiplexing core:
// Connection (C4), Channel (C5), the message queue façade + root (C6),
// and the Listener (C7).
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowbus/flowbus/pkg/deque"
	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/wire"
	"github.com/flowbus/flowbus/pkg/xerrors"
)

// ConnState is a Connection's lifecycle state, spec.md §3.3.
type ConnState int32

const (
	ConnCreated ConnState = iota
	ConnConnected
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnCreated:
		return "Created"
	case ConnConnected:
		return "Connected"
	case ConnClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// defaultStagnantTimeout is used when keepalive is disabled (0), per
// spec.md §4.4's "stagnant_timeout = keepalive ? 2*keepalive : 120 seconds".
const defaultStagnantTimeout = 120 * time.Second

// pollInterval is how often the reader/writer/listener wake to re-check
// shutdown flags even with nothing to do, matching spec.md §5's "every
// thread wakes at least once per second".
const pollInterval = 1 * time.Second

// Connection is one byte-stream transport (plain TCP or TLS), spec.md §3.3/§4.4.
type Connection struct {
	root  *Root
	owner *Queue // the queue that accepted/opened this connection

	conn     net.Conn
	isTLS    bool
	peerAddr net.Addr

	mu         sync.Mutex
	state      ConnState
	channels   map[uint16]*Channel // local id -> channel, refcount == len(channels)
	lastRecv   time.Time
	keepalive  time.Duration // 0 disables keepalive
	firstChan  *Channel      // listener-side pre-allocated channel awaiting ChannelAnnounce
	limiter    *rate.Limiter // nil disables bandwidth limiting, matching teacher's opt-in token-bucket pacer

	outbound *deque.Deque

	readerState atomic.Int32 // runState
	writerState atomic.Int32

	closeOnce sync.Once

	eg *errgroup.Group
}

type runState int32

const (
	runRunning runState = iota
	runShuttingDown
	runStopped
)

// NewConnection wraps an already-connected net.Conn (the caller has
// already done TCP connect/accept and, if applicable, the TLS handshake)
// into a Connection, and starts its reader and writer goroutines.
func NewConnection(root *Root, owner *Queue, conn net.Conn, isTLS bool, keepalive time.Duration) *Connection {
	c := &Connection{
		root:      root,
		owner:     owner,
		conn:      conn,
		isTLS:     isTLS,
		peerAddr:  conn.RemoteAddr(),
		state:     ConnConnected,
		channels:  make(map[uint16]*Channel),
		lastRecv:  time.Now(),
		keepalive: keepalive,
		outbound:  deque.New(),
	}
	c.readerState.Store(int32(runRunning))
	c.writerState.Store(int32(runRunning))

	c.eg = &errgroup.Group{}
	c.eg.Go(c.readLoop)
	c.eg.Go(c.writeLoop)
	return c
}

func (c *Connection) String() string {
	if c.peerAddr != nil {
		return "conn " + c.peerAddr.String()
	}
	return "conn"
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// stagnantTimeout implements spec.md §4.4's formula.
func (c *Connection) stagnantTimeout() time.Duration {
	c.mu.Lock()
	ka := c.keepalive
	c.mu.Unlock()
	if ka > 0 {
		return 2 * ka
	}
	return defaultStagnantTimeout
}

// bindChannel attaches ch to this connection, incrementing the
// connection's refcount (len(channels)), per spec.md §4.5.
func (c *Connection) bindChannel(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.localID] = ch
	c.mu.Unlock()
}

// unbindChannel detaches ch; if this drops the refcount to zero, the
// connection is destroyed, per spec.md §3.3/§4.5.
func (c *Connection) unbindChannel(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch.localID)
	empty := len(c.channels) == 0
	c.mu.Unlock()
	if empty {
		c.Destroy()
	}
}

func (c *Connection) channelByLocalID(id uint16) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// setBandwidthLimit installs a token-bucket limiter capping this
// connection's outbound throughput, spec.md §9's bandwidth-limit
// extension point. bytesPerSec <= 0 disables limiting. Burst is at least
// one maximum header-plus-payload write, so WaitN never rejects a single
// writeMessage call; once the burst is spent a write waits for refill.
func (c *Connection) setBandwidthLimit(bytesPerSec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytesPerSec <= 0 {
		c.limiter = nil
		return
	}
	burst := bytesPerSec
	if burst < wire.MaxPayload+wire.HeaderLen {
		burst = wire.MaxPayload + wire.HeaderLen
	}
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (c *Connection) rateLimiter() *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter
}

func (c *Connection) setKeepalive(d time.Duration) {
	c.mu.Lock()
	c.keepalive = d
	c.mu.Unlock()
	// Wake the writer so it re-reads the new keepalive interval for its
	// next timed pop, per spec.md's set_keepalive semantics.
	c.outbound.PushFront(&wire.Message{Header: wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeKeepalive}})
}

// Enqueue pushes a message onto the outbound deque. Per spec.md §5's
// ordering rule, every message (user data and urgent control alike) is
// front-queued; FIFO-per-channel ordering is preserved because a single
// writer goroutine drains the deque serially from the back.
func (c *Connection) Enqueue(m *wire.Message) {
	c.outbound.PushFront(m)
}

// readLoop is the reader goroutine, spec.md §4.4. It is run under an
// errgroup.Group so a reader error and the writer's shutdown are both
// visible to Wait, matching the fan-out-then-join shape the teacher uses
// for its own concurrent transfer workers.
func (c *Connection) readLoop() error {
	defer c.readerState.Store(int32(runStopped))

	r := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		if runState(c.readerState.Load()) != runRunning || c.State() == ConnClosed {
			return nil
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
		hdrBuf := make([]byte, wire.HeaderLen)
		n, err := io.ReadFull(r, hdrBuf)
		if err != nil {
			if isTimeout(err) {
				if time.Since(c.lastRecvAt()) >= c.stagnantTimeout() {
					flog.Logf(c, "stagnant connection, closing")
					c.Destroy()
					return nil
				}
				continue
			}
			classified := xerrors.ClassifyIO(err, n > 0)
			if xerrors.IsFatal(classified) {
				flog.Debugf(c, "reader fatal: %v", classified)
				c.Destroy()
				return classified
			}
			continue
		}
		c.touchRecv()

		hdr, _ := wire.DecodeHeader(hdrBuf)
		payload := make([]byte, hdr.Size)
		if hdr.Size > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				flog.Debugf(c, "short message body: %v", err)
				c.Destroy()
				return err
			}
			c.touchRecv()
		}

		msg := &wire.Message{Header: hdr, Payload: payload}
		c.dispatch(msg)
	}
}

func (c *Connection) lastRecvAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecv
}

func (c *Connection) touchRecv() {
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// dispatch routes an inbound message: system control types are handled
// inline (spec.md §4.4), everything else is routed to its channel's
// inbound subqueue, or dropped if the channel is unknown.
func (c *Connection) dispatch(msg *wire.Message) {
	if wire.IsSystemType(msg.Header.Type) {
		c.handleControl(msg)
		return
	}
	ch, ok := c.channelByLocalID(msg.Header.ChannelID)
	if !ok {
		flog.Debugf(c, "dropping message for unknown channel %d", msg.Header.ChannelID)
		return
	}
	ch.deliver(msg)
}

// writeLoop is the writer goroutine, spec.md §4.4.
func (c *Connection) writeLoop() error {
	defer c.writerState.Store(int32(runStopped))

	for {
		if runState(c.writerState.Load()) == runStopped {
			return nil
		}

		c.mu.Lock()
		ka := c.keepalive
		c.mu.Unlock()

		var v any
		var res deque.Result
		if ka > 0 {
			v, res = c.outbound.PopBackTimed(ka)
		} else {
			v, res = c.outbound.PopBackTimed(pollInterval)
		}

		if runState(c.writerState.Load()) == runShuttingDown && res != deque.Success {
			return nil
		}

		switch res {
		case deque.Destroyed, deque.Unblocked:
			return nil
		case deque.TimedOut:
			if ka > 0 {
				v = &wire.Message{Header: wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeKeepalive}}
			} else {
				continue
			}
		case deque.Empty:
			continue
		}

		msg := v.(*wire.Message)
		if msg.Header.Type == wire.TypeWriterUnblocker {
			return nil
		}
		if err := c.writeMessage(msg); err != nil {
			flog.Debugf(c, "writer fatal: %v", err)
			c.Destroy()
			return err
		}
		if msg.Free != nil {
			msg.Free()
		}
	}
}

// writeMessage performs scatter I/O over the header and payload segments,
// per spec.md §4.4. net.Conn.Write already retries partial writes
// internally for stream sockets in the Go runtime, so segment-by-segment
// writing with a short-write check is sufficient to preserve spec's
// partial-write-resumes-at-the-right-offset invariant without needing to
// hand-roll an intra-segment offset counter.
func (c *Connection) writeMessage(m *wire.Message) error {
	if lim := c.rateLimiter(); lim != nil {
		if err := lim.WaitN(context.Background(), wire.HeaderLen+len(m.Payload)); err != nil {
			return err
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	for _, seg := range wire.Segments(m) {
		off := 0
		for off < len(seg) {
			n, err := c.conn.Write(seg[off:])
			if n > 0 {
				off += n
			}
			if err != nil {
				classified := xerrors.ClassifyIO(err, off > 0)
				if xerrors.IsRetryable(classified) {
					continue
				}
				return classified
			}
		}
	}
	return nil
}

// Destroy tears the connection down per spec.md §4.4's six-step sequence.
func (c *Connection) Destroy() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnClosed
		c.mu.Unlock()
		c.readerState.Store(int32(runShuttingDown))
		c.writerState.Store(int32(runShuttingDown))

		// Step 2: push the unblocker sentinel so the writer wakes even
		// if it is blocked on an empty deque with no keepalive set.
		c.outbound.PushFront(&wire.Message{Header: wire.Header{Type: wire.TypeWriterUnblocker}})

		// Step 3: drain and free the outbound deque.
		c.outbound.Destroy(func(v any) {
			if m, ok := v.(*wire.Message); ok && m.Free != nil {
				m.Free()
			}
		})

		// Step 4: close every bound channel without cascading back
		// into Destroy (avoids recursive refcount teardown).
		c.mu.Lock()
		chans := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			chans = append(chans, ch)
		}
		c.mu.Unlock()
		for _, ch := range chans {
			ch.closeFromConnection()
		}

		// Step 6: for TLS this issues the close_notify alert as part
		// of (*tls.Conn).Close()'s own shutdown sequence; for plain
		// TCP it is an ordinary socket close. Either way errors here
		// are not actionable.
		_ = c.conn.Close()

		c.readerState.Store(int32(runStopped))
		c.writerState.Store(int32(runStopped))
	})
}

// ConnectionInfo is a snapshot of a Connection's state for diagnostics
// (spec.md's get_connection_info).
type ConnectionInfo struct {
	State      ConnState
	PeerAddr   string
	IsTLS      bool
	Keepalive  time.Duration
	NumChannels int
}

// Info snapshots c's current state.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var peer string
	if c.peerAddr != nil {
		peer = c.peerAddr.String()
	}
	return ConnectionInfo{
		State:       c.state,
		PeerAddr:    peer,
		IsTLS:       c.isTLS,
		Keepalive:   c.keepalive,
		NumChannels: len(c.channels),
	}
}

// ConnectionInfo returns diagnostics for ch's underlying connection, if
// it has one (spec.md's get_connection_info).
func (ch *Channel) ConnectionInfo() (ConnectionInfo, bool) {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ConnectionInfo{}, false
	}
	return conn.Info(), true
}

// Wait blocks until the connection's reader and writer goroutines have
// both returned (step 5 of Destroy's sequence: always joined by a
// non-self thread).
func (c *Connection) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		_ = c.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
