package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/flowbus/flowbus/pkg/multiqueue"
	"github.com/flowbus/flowbus/pkg/tlsconfig"
	"github.com/flowbus/flowbus/pkg/wire"
	"github.com/flowbus/flowbus/pkg/xerrors"
)

// Notice types carried on the reserved control channel. Unlike wire's
// reserved system types (which are transport-internal plumbing consumed
// by Connection.handleControl and never reach user code), these are the
// user-visible notices spec.md §4.6 promises on get_message(control channel):
// a new connection adopted a channel, or a channel died.
const (
	NoticeNewConnection uint16 = 0xFFF9
	NoticeChannelDied   uint16 = 0xFFF8
)

// Queue is the message-queue façade, spec.md §3.4/§4.6 (C6): the unit an
// application actually holds a handle to. Every channel it owns fans its
// inbound messages into one multiqueue so a single get_message can drain
// any of them, while get_message_from_channel can still target one
// channel directly.
type Queue struct {
	root *Root

	mu        sync.Mutex
	inbound   multiqueue.Multiqueue
	channels  map[uint16]*Channel
	control   *Channel
	keepalive time.Duration
	closed    bool
}

// NewQueue creates a Queue bound to root, with its control channel
// (wire.ControlChannel) already live and ready to receive NewConnection
// and ChannelDied notices.
func NewQueue(root *Root) *Queue {
	return newBareQueue(root)
}

func newBareQueue(root *Root) *Queue {
	q := &Queue{
		root:     root,
		inbound:  multiqueue.NewFair(),
		channels: make(map[uint16]*Channel),
	}
	q.control = newChannel(q, wire.ControlChannel)
	q.control.state = ChanConnected
	q.channels[wire.ControlChannel] = q.control
	return q
}

// ControlChannel returns the queue's reserved notice channel.
func (q *Queue) ControlChannel() *Channel { return q.control }

func (q *Queue) keepaliveDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.keepalive
}

// allocateChannel reserves a fresh channel id from the root and registers
// a Created-state Channel for it under this queue. Returns nil if this
// queue or the root has been shut down, or the id space is exhausted.
func (q *Queue) allocateChannel() *Channel {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil
	}
	id, err := q.root.allocateID()
	if err != nil {
		return nil
	}
	ch := newChannel(q, id)
	q.root.registerChannel(ch)
	q.mu.Lock()
	q.channels[id] = ch
	q.mu.Unlock()
	return ch
}

// forgetChannel removes ch from this queue's bookkeeping and the root's
// global registry, and tears down its inbound subqueue, once it reaches
// Closed (spec.md §4.5).
func (q *Queue) forgetChannel(ch *Channel) {
	q.mu.Lock()
	delete(q.channels, ch.localID)
	q.mu.Unlock()
	q.root.unregisterChannel(ch)
	q.inbound.DestroyQueue(ch.inbound, nil)
}

// notifyChannelDied pushes a ChannelDied notice onto the control channel.
func (q *Queue) notifyChannelDied(localID uint16) {
	msg := &wire.Message{
		Header:  wire.Header{ChannelID: wire.ControlChannel, Type: NoticeChannelDied, Size: 2},
		Payload: encodeU16(localID),
	}
	q.control.inbound.PushBack(msg)
}

// notifyNewConnection pushes a NewConnection notice onto the control
// channel: the newly adopted channel's local id followed by the peer
// address as a UTF-8 string.
func (q *Queue) notifyNewConnection(localID uint16, addr net.Addr) {
	var addrStr string
	if addr != nil {
		addrStr = addr.String()
	}
	payload := append(encodeU16(localID), []byte(addrStr)...)
	msg := &wire.Message{
		Header:  wire.Header{ChannelID: wire.ControlChannel, Type: NoticeNewConnection, Size: uint16(len(payload))},
		Payload: payload,
	}
	q.control.inbound.PushBack(msg)
}

// ConnectTCP dials addr over plain TCP and performs the ChannelAnnounce
// handshake, returning the resulting Connected channel (spec.md's
// connect_tcp). A zero timeout waits indefinitely.
func (q *Queue) ConnectTCP(addr string, timeout time.Duration) (*Channel, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return q.connectOn(conn, false, timeout)
}

// ConnectTLS is ConnectTCP but with a mutual-TLS handshake first, using
// the client config installed via Root.SetClientTLS (spec.md's connect_tls).
func (q *Queue) ConnectTLS(addr string, timeout time.Duration) (*Channel, error) {
	cfg := q.root.clientTLSConfig()
	if cfg == nil {
		return nil, errors.New("transport: no client TLS config configured")
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, tlsconfig.ClassifyHandshakeError(err)
	}
	return q.connectOn(conn, true, timeout)
}

func (q *Queue) connectOn(conn net.Conn, isTLS bool, timeout time.Duration) (*Channel, error) {
	c := NewConnection(q.root, q, conn, isTLS, q.keepaliveDuration())
	ch := q.allocateChannel()
	if ch == nil {
		c.Destroy()
		return nil, ErrRootShutdown
	}
	ch.setConnecting(c)

	announce := &wire.Message{
		Header:  wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeChannelAnnounce, Size: 2},
		Payload: encodeU16(ch.localID),
	}
	c.Enqueue(announce)

	if !ch.WaitConnectedTimed(timeout) {
		ch.Kill()
		return nil, errors.New("transport: connect timed out waiting for ChannelReply")
	}
	return ch, nil
}

// ChannelNew opens an additional channel over existing's connection,
// using the same ChannelAnnounce/ChannelReply handshake connect_tcp uses
// (spec.md's channel_new(existing_channel)): useful for giving a
// logically separate stream its own ordering without paying for a
// second TCP connection.
func (q *Queue) ChannelNew(existing *Channel, timeout time.Duration) (*Channel, error) {
	existing.mu.Lock()
	conn := existing.conn
	state := existing.state
	existing.mu.Unlock()
	if state != ChanConnected || conn == nil {
		return nil, xerrors.ErrClosed
	}

	newCh := q.allocateChannel()
	if newCh == nil {
		return nil, ErrRootShutdown
	}
	newCh.setConnecting(conn)

	announce := &wire.Message{
		Header:  wire.Header{ChannelID: wire.ControlChannel, Type: wire.TypeChannelAnnounce, Size: 2},
		Payload: encodeU16(newCh.localID),
	}
	conn.Enqueue(announce)

	if !newCh.WaitConnectedTimed(timeout) {
		newCh.Kill()
		return nil, errors.New("transport: channel_new timed out waiting for ChannelReply")
	}
	return newCh, nil
}

// ChannelSplit creates a derived queue sharing q's root and moves ch's
// inbound subqueue onto it (spec.md's channel_split), so a blocking
// get_message on the new queue wakes only for traffic on ch.
func (q *Queue) ChannelSplit(ch *Channel) (*Queue, error) {
	if ch.IsControl() {
		return nil, errors.New("transport: cannot split the control channel")
	}
	derived := newBareQueue(q.root)
	if err := q.ChannelMove(ch, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

// ChannelMove transfers ownership of ch from q to dst (spec.md's
// channel_move): the channel keeps its connection and remote id, only
// which queue's get_message/get_message_from_channel can see it changes.
func (q *Queue) ChannelMove(ch *Channel, dst *Queue) error {
	if ch.IsControl() {
		return errors.New("transport: cannot move the control channel")
	}
	ch.inbound.Move(dst.inbound)

	q.mu.Lock()
	delete(q.channels, ch.localID)
	q.mu.Unlock()

	dst.mu.Lock()
	dst.channels[ch.localID] = ch
	dst.mu.Unlock()

	ch.mu.Lock()
	ch.queue = dst
	ch.mu.Unlock()
	return nil
}

// ChannelKill closes ch, notifying the remote peer first if still
// connected (spec.md's channel_kill).
func (q *Queue) ChannelKill(ch *Channel) {
	ch.Kill()
}

// SetKeepalive installs a new keepalive interval on ch's connection,
// waking the writer so it takes effect on the very next idle cycle
// (spec.md's set_keepalive). A zero duration disables keepalive.
func (q *Queue) SetKeepalive(ch *Channel, d time.Duration) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return xerrors.ErrClosed
	}
	conn.setKeepalive(d)
	return nil
}

// SetBandwidthLimit installs a token-bucket cap on ch's connection's
// outbound throughput, spec.md §9's bandwidth-limit extension point.
// bytesPerSec <= 0 disables limiting.
func (q *Queue) SetBandwidthLimit(ch *Channel, bytesPerSec int) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return xerrors.ErrClosed
	}
	conn.setBandwidthLimit(bytesPerSec)
	return nil
}

// SendMessage enqueues payload as msgType on ch's connection (spec.md's
// send_message). msgType must not fall in the reserved system range. A
// channel that isn't Connected silently drops the message rather than
// erroring, matching spec.md's "on closed channel returns 0".
func (q *Queue) SendMessage(ch *Channel, msgType uint16, payload []byte) error {
	if wire.IsSystemType(msgType) {
		return errors.New("transport: message type is reserved for system use")
	}
	ch.mu.Lock()
	state := ch.state
	conn := ch.conn
	remoteID := ch.remoteID
	ch.mu.Unlock()
	if state != ChanConnected || conn == nil {
		return nil
	}
	msg, err := wire.NewMessage(remoteID, msgType, payload)
	if err != nil {
		return err
	}
	conn.Enqueue(msg)
	return nil
}

// ScatterSendNoCopy joins segments into a single payload and sends it as
// msgType (spec.md's scatter_send_no_copy). The segments are still copied
// once here to assemble the frame payload; true zero-copy scatter I/O
// would need the writer to accept multi-segment messages directly, which
// this transport does not currently need badly enough to justify.
func (q *Queue) ScatterSendNoCopy(ch *Channel, msgType uint16, segments [][]byte) error {
	total, err := wire.ScatterSize(segments)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, total)
	for _, seg := range segments {
		payload = append(payload, seg...)
	}
	return q.SendMessage(ch, msgType, payload)
}

// InjectMessage delivers payload as though it had just arrived over the
// network on the channel identified by channelID, without a peer ever
// sending anything (spec.md's inject_message). Primarily useful for
// tests and for feeding locally-generated events through the same
// get_message path as real traffic.
func (q *Queue) InjectMessage(channelID uint16, msgType uint16, payload []byte) error {
	q.mu.Lock()
	ch, ok := q.channels[channelID]
	q.mu.Unlock()
	if !ok {
		return errors.New("transport: inject_message: unknown channel")
	}
	msg, err := wire.NewMessage(channelID, msgType, payload)
	if err != nil {
		return err
	}
	ch.deliver(msg)
	return nil
}

// GetMessage blocks for up to timeout (or indefinitely if timeout <= 0)
// for the next message on any channel owned by this queue, returning
// which channel it arrived on (spec.md's get_message).
func (q *Queue) GetMessage(timeout time.Duration) (*wire.Message, *Channel, error) {
	var v any
	var ok bool
	if timeout <= 0 {
		v, ok = q.inbound.Get()
	} else {
		v, ok = q.inbound.GetTimed(timeout)
	}
	if !ok {
		return nil, nil, xerrors.ErrEmpty
	}
	msg := v.(*wire.Message)
	ch, _ := q.root.ChannelByID(msg.Header.ChannelID)
	return msg, ch, nil
}

// GetMessageFromChannel blocks for up to timeout (or indefinitely if
// timeout <= 0) for the next message on ch specifically, bypassing the
// queue-wide fan-in (spec.md's get_message_from_channel). It fails at
// once if ch is not owned by q (for example after ChannelMove).
func (q *Queue) GetMessageFromChannel(ch *Channel, timeout time.Duration) (*wire.Message, error) {
	ch.mu.Lock()
	owner := ch.queue
	ch.mu.Unlock()
	if owner != q {
		return nil, errors.New("transport: channel is not owned by this queue")
	}
	if timeout <= 0 {
		return ch.inbound.Get().(*wire.Message), nil
	}
	v, ok := ch.inbound.GetTimed(timeout)
	if !ok {
		return nil, xerrors.ErrEmpty
	}
	return v.(*wire.Message), nil
}

// Shutdown kills every non-control channel this queue owns and disables
// further get_message/channel creation against it (spec.md's shutdown).
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	snapshot := make([]*Channel, 0, len(q.channels))
	for _, ch := range q.channels {
		snapshot = append(snapshot, ch)
	}
	q.mu.Unlock()

	for _, ch := range snapshot {
		if !ch.IsControl() {
			ch.Kill()
		}
	}
	q.inbound.Disable(true, true)
}

// Destroy is Shutdown followed by freeing every still-queued message.
func (q *Queue) Destroy() {
	q.Shutdown()
	q.inbound.Destroy(func(v any) {
		if m, ok := v.(*wire.Message); ok && m.Free != nil {
			m.Free()
		}
	})
}
