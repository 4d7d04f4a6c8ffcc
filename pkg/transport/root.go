package transport

import (
	"crypto/tls"
	"errors"
	"sync"

	"github.com/flowbus/flowbus/pkg/wire"
)

// ErrRootShutdown is returned by operations attempted after Root.Shutdown.
var ErrRootShutdown = errors.New("transport: root is shut down")

// Root is the process-wide shared state underlying every Queue, spec.md
// §3.5/§4.6: the channel id allocator, the global channel registry (used
// to keep ids from colliding across every queue hung off this root), and
// the TLS material used by bind_tls/connect_tls.
type Root struct {
	mu       sync.Mutex
	nextID   uint16
	channels map[uint16]*Channel // global: every live channel, any queue
	shutdown bool

	serverTLS *tls.Config
	clientTLS *tls.Config
}

// NewRoot constructs a fresh Root with no TLS material configured; use
// SetServerTLS/SetClientTLS before calling BindTLS/ConnectTLS.
func NewRoot() *Root {
	return &Root{channels: make(map[uint16]*Channel)}
}

// SetServerTLS installs the config used by Queue.BindTLS.
func (r *Root) SetServerTLS(cfg *tls.Config) {
	r.mu.Lock()
	r.serverTLS = cfg
	r.mu.Unlock()
}

// SetClientTLS installs the config used by Queue.ConnectTLS.
func (r *Root) SetClientTLS(cfg *tls.Config) {
	r.mu.Lock()
	r.clientTLS = cfg
	r.mu.Unlock()
}

func (r *Root) serverTLSConfig() *tls.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverTLS
}

func (r *Root) clientTLSConfig() *tls.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientTLS
}

// allocateID picks the next free channel id, monotonically advancing and
// wrapping at 16 bits, skipping the reserved control channel and any id
// currently in use anywhere under this root, per spec.md §3.2.
func (r *Root) allocateID() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return 0, ErrRootShutdown
	}
	start := r.nextID
	for {
		id := r.nextID
		r.nextID++
		if id != wire.ControlChannel {
			if _, live := r.channels[id]; !live {
				return id, nil
			}
		}
		if r.nextID == start {
			return 0, errors.New("transport: channel id space exhausted")
		}
	}
}

func (r *Root) registerChannel(ch *Channel) {
	r.mu.Lock()
	r.channels[ch.localID] = ch
	r.mu.Unlock()
}

func (r *Root) unregisterChannel(ch *Channel) {
	r.mu.Lock()
	delete(r.channels, ch.localID)
	r.mu.Unlock()
}

// ChannelByID looks a channel up across every queue hung off this root,
// used by tests and by diagnostics (get_connection_info).
func (r *Root) ChannelByID(id uint16) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Shutdown marks the root closed: no further channel ids are allocated.
// Existing queues and connections are unaffected; call Queue.Shutdown on
// each queue to tear those down too (shutdown_all in spec.md §4.6).
func (r *Root) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}
