package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/tlsconfig"
)

// Listener accepts inbound connections for one bound address and adopts
// them into a Queue, pre-allocating a first channel for each accepted
// connection so it is ready the instant the peer's ChannelAnnounce
// arrives (spec.md §4.4/§4.7, C7).
type Listener struct {
	queue *Queue
	ln    net.Listener
	isTLS bool

	mu      sync.Mutex
	closed  bool
	stopped chan struct{}
}

// BindTCP opens a plain-TCP listener on addr and starts accepting
// connections into q (spec.md's bind_tcp).
func (q *Queue) BindTCP(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return q.startListener(ln, false), nil
}

// BindTLS is BindTCP but every accepted connection completes a
// mutual-TLS handshake against the server config installed via
// Root.SetServerTLS before it is usable (spec.md's bind_tls).
func (q *Queue) BindTLS(addr string) (*Listener, error) {
	cfg := q.root.serverTLSConfig()
	if cfg == nil {
		return nil, errServerTLSNotConfigured
	}
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln := tls.NewListener(inner, cfg)
	return q.startListener(ln, true), nil
}

var errServerTLSNotConfigured = &listenerError{"transport: no server TLS config configured"}

type listenerError struct{ msg string }

func (e *listenerError) Error() string { return e.msg }

func (q *Queue) startListener(ln net.Listener, isTLS bool) *Listener {
	l := &Listener{queue: q, ln: ln, isTLS: isTLS, stopped: make(chan struct{})}
	go l.acceptLoop()
	return l
}

// Addr returns the listener's bound address (spec.md's get_local_port
// reads the port back off this).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// GetLocalPort returns the TCP port this listener is bound to.
func (l *Listener) GetLocalPort() int {
	if tcpAddr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

func (l *Listener) acceptLoop() {
	defer close(l.stopped)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			flog.Errorf(l, "accept: %v", err)
			continue
		}
		go l.adopt(conn)
	}
}

// adopt completes the TLS handshake (if any), wraps conn in a Connection,
// and pre-allocates a first channel parked on it in the Connecting state
// so the very next ChannelAnnounce from the peer adopts it immediately,
// per spec.md §4.4.
func (l *Listener) adopt(conn net.Conn) {
	if l.isTLS {
		tc, ok := conn.(*tls.Conn)
		if ok {
			_ = tc.SetDeadline(time.Now().Add(30 * time.Second))
			if err := tc.Handshake(); err != nil {
				flog.Errorf(l, "tls handshake: %v", tlsconfig.ClassifyHandshakeError(err))
				_ = conn.Close()
				return
			}
			_ = tc.SetDeadline(time.Time{})
		}
	}

	c := NewConnection(l.queue.root, l.queue, conn, l.isTLS, l.queue.keepaliveDuration())

	first := l.queue.allocateChannel()
	if first == nil {
		flog.Errorf(l, "adopt: channel id allocation failed")
		c.Destroy()
		return
	}
	c.mu.Lock()
	c.firstChan = first
	c.mu.Unlock()
	first.setConnecting(c)
}

func (l *Listener) String() string {
	if l.ln != nil {
		return "listener " + l.ln.Addr().String()
	}
	return "listener"
}

// Close stops accepting new connections; connections already adopted are
// unaffected (spec.md's shutdown is what tears those down).
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	err := l.ln.Close()
	<-l.stopped
	return err
}
