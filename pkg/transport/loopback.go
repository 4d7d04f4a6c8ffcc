package transport

import (
	"errors"
	"net"
	"time"
)

// NewLoopbackPair wires two Queues together over an in-memory net.Pipe
// instead of a real TCP socket, running the exact same listener-adopt /
// connect-announce handshake (spec.md §4.4, §4.7) that a real bind_tcp +
// connect_tcp pair would. serverQueue plays the listener role (it
// pre-allocates a first channel and waits passively); clientQueue plays
// the connector role (it sends ChannelAnnounce). Useful for exercising
// the whole transport core without binding a port, and a close in-memory
// cousin of the self-connection spec.md §4.6 describes for a queue's own
// control channel.
func NewLoopbackPair(serverRoot, clientRoot *Root, timeout time.Duration) (serverQueue *Queue, serverChannel *Channel, clientQueue *Queue, clientChannel *Channel, err error) {
	serverSide, clientSide := net.Pipe()

	serverQueue = NewQueue(serverRoot)
	serverConn := NewConnection(serverRoot, serverQueue, serverSide, false, 0)
	serverChannel = serverQueue.allocateChannel()
	if serverChannel == nil {
		serverConn.Destroy()
		return nil, nil, nil, nil, errors.New("transport: loopback pair: server channel id allocation failed")
	}
	serverConn.mu.Lock()
	serverConn.firstChan = serverChannel
	serverConn.mu.Unlock()
	serverChannel.setConnecting(serverConn)

	clientQueue = NewQueue(clientRoot)
	clientChannel, err = clientQueue.connectOn(clientSide, false, timeout)
	if err != nil {
		serverConn.Destroy()
		return nil, nil, nil, nil, err
	}
	return serverQueue, serverChannel, clientQueue, clientChannel, nil
}
