package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/multiqueue"
	"github.com/flowbus/flowbus/pkg/wire"
)

// ChanState is a Channel's lifecycle state, spec.md §3.2.
type ChanState int32

const (
	ChanCreated ChanState = iota
	ChanConnecting
	ChanConnected
	ChanClosed
)

func (s ChanState) String() string {
	switch s {
	case ChanCreated:
		return "Created"
	case ChanConnecting:
		return "Connecting"
	case ChanConnected:
		return "Connected"
	case ChanClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel is a logical stream multiplexed on a Connection, spec.md §3.2/§4.5.
type Channel struct {
	localID  uint16
	queue    *Queue
	inbound  *multiqueue.Subqueue

	mu       sync.Mutex
	state    ChanState
	remoteID uint16
	conn     *Connection
	pending  *sync.Cond // broadcast when Connecting -> Connected or -> Closed
}

func (ch *Channel) String() string {
	return fmt.Sprintf("channel %d", ch.localID)
}

// LocalID returns the channel's local id.
func (ch *Channel) LocalID() uint16 { return ch.localID }

// RemoteID returns the channel's remote id, valid once Connected.
func (ch *Channel) RemoteID() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteID
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() ChanState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsControl reports whether this is the reserved control channel.
func (ch *Channel) IsControl() bool { return ch.localID == wire.ControlChannel }

// newChannel constructs a Channel in the Created state, owned by q, with
// its own inbound subqueue on q's multiqueue.
func newChannel(q *Queue, localID uint16) *Channel {
	ch := &Channel{
		localID: localID,
		queue:   q,
		state:   ChanCreated,
	}
	ch.pending = sync.NewCond(&ch.mu)
	ch.inbound = q.inbound.CreateQueue()
	return ch
}

// setConnecting moves Created -> Connecting, binds ch to conn, per
// spec.md §4.5.
func (ch *Channel) setConnecting(conn *Connection) {
	ch.mu.Lock()
	ch.state = ChanConnecting
	ch.conn = conn
	ch.mu.Unlock()
	conn.bindChannel(ch)
}

// setConnected moves Connecting -> Connected once the remote id is
// learned, broadcasting pending waiters (spec.md §4.5).
func (ch *Channel) setConnected(remoteID uint16) {
	ch.mu.Lock()
	ch.state = ChanConnected
	ch.remoteID = remoteID
	ch.pending.Broadcast()
	ch.mu.Unlock()
}

// WaitConnected blocks until the channel leaves Connecting, returning
// true if it reached Connected, false if it was Closed instead.
func (ch *Channel) WaitConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for ch.state == ChanConnecting {
		ch.pending.Wait()
	}
	return ch.state == ChanConnected
}

// WaitConnectedTimed is WaitConnected bounded by timeout; it returns false
// on timeout without changing the channel's state (the caller decides
// whether to Kill it).
func (ch *Channel) WaitConnectedTimed(timeout time.Duration) bool {
	if timeout <= 0 {
		return ch.WaitConnected()
	}
	deadline := time.Now().Add(timeout)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for ch.state == ChanConnecting {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			ch.mu.Lock()
			ch.pending.Broadcast()
			ch.mu.Unlock()
		})
		ch.pending.Wait()
		timer.Stop()
	}
	return ch.state == ChanConnected
}

// deliver routes an inbound wire message to this channel's subqueue.
func (ch *Channel) deliver(m *wire.Message) {
	ch.inbound.PushBack(m)
}

// closeFromConnection closes ch because its connection is going away; it
// must not recurse back into Connection.unbindChannel/Destroy.
func (ch *Channel) closeFromConnection() {
	ch.transitionClosed(false)
}

// Kill implements the user-facing ChannelKill: if the channel is
// Connected and not the control channel, it sends a ChannelKill control
// frame to the remote peer first (spec.md §4.5's Destroy semantics).
func (ch *Channel) Kill() {
	ch.mu.Lock()
	state := ch.state
	remoteID := ch.remoteID
	conn := ch.conn
	ch.mu.Unlock()

	if state == ChanConnected && !ch.IsControl() && conn != nil {
		killMsg := &wire.Message{Header: wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeChannelKill}}
		killMsg.Payload = encodeU16(remoteID)
		killMsg.Header.Size = uint16(len(killMsg.Payload))
		conn.Enqueue(killMsg)
	}
	ch.transitionClosed(true)
}

// transitionClosed moves ch to Closed, notifying the owning queue's
// control channel with ChannelDied if it was Connected, and broadcasting
// pending waiters if it was still Connecting. unbind, if true, also
// decrements the connection's refcount (skipped when the connection
// itself is already tearing down and iterating its own channel list).
func (ch *Channel) transitionClosed(unbind bool) {
	ch.mu.Lock()
	prev := ch.state
	conn := ch.conn
	queue := ch.queue
	localID := ch.localID
	ch.state = ChanClosed
	ch.pending.Broadcast()
	ch.mu.Unlock()

	if prev == ChanClosed {
		return
	}

	switch prev {
	case ChanConnected:
		if !ch.IsControl() {
			queue.notifyChannelDied(localID)
		}
	case ChanConnecting:
		// pending.Broadcast above already wakes connect() with failure.
	}

	if unbind && conn != nil {
		conn.unbindChannel(ch)
	}
	queue.forgetChannel(ch)
}

func encodeU16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func decodeU16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// handleControl processes a reserved-type message inline on the reader
// goroutine, per spec.md §4.4.
func (c *Connection) handleControl(msg *wire.Message) {
	switch msg.Header.Type {
	case wire.TypeKeepalive:
		// last-recv already updated by the caller; nothing else to do.

	case wire.TypeChannelAnnounce:
		remoteID := decodeU16(msg.Payload)
		c.handleChannelAnnounce(remoteID)

	case wire.TypeChannelReply:
		if len(msg.Payload) < 4 {
			return
		}
		myLocalID := decodeU16(msg.Payload[0:2])
		theirLocalID := decodeU16(msg.Payload[2:4])
		if ch, ok := c.channelByLocalID(myLocalID); ok {
			ch.setConnected(theirLocalID)
		}

	case wire.TypeChannelKill:
		localID := decodeU16(msg.Payload)
		if ch, ok := c.channelByLocalID(localID); ok {
			ch.transitionClosed(true)
		}
	}
}

// handleChannelAnnounce adopts (or allocates) the local channel for an
// incoming ChannelAnnounce, replies with ChannelReply, and emits the
// internal NewConnection notice, per spec.md §4.4.
func (c *Connection) handleChannelAnnounce(remoteID uint16) {
	c.mu.Lock()
	ch := c.firstChan
	c.firstChan = nil
	c.mu.Unlock()

	q := c.owner
	if ch == nil {
		if q == nil {
			flog.Errorf(c, "ChannelAnnounce with no owning queue available")
			return
		}
		ch = q.allocateChannel()
		if ch == nil {
			flog.Errorf(c, "ChannelAnnounce: channel id allocation failed")
			return
		}
		ch.setConnecting(c)
	}
	ch.setConnected(remoteID)

	reply := &wire.Message{Header: wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeChannelReply}}
	reply.Payload = append(encodeU16(remoteID), encodeU16(ch.localID)...)
	reply.Header.Size = uint16(len(reply.Payload))
	c.Enqueue(reply)

	if q != nil {
		q.notifyNewConnection(ch.localID, c.peerAddr)
	}
}
