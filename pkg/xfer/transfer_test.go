package xfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowbus/flowbus/pkg/fileunit"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTestPeer(t *testing.T, identity string, role peer.Role) *peer.Peer {
	t.Helper()
	p, err := peer.New(peer.Config{Identity: identity, Role: role})
	require.NoError(t, err)
	return p
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	serverRoot := transport.NewRoot()
	clientRoot := transport.NewRoot()
	defer serverRoot.Shutdown()
	defer clientRoot.Shutdown()

	serverQueue, serverChannel, clientQueue, clientChannel, err := transport.NewLoopbackPair(serverRoot, clientRoot, time.Second)
	require.NoError(t, err)
	require.True(t, serverChannel.WaitConnectedTimed(time.Second))
	require.True(t, clientChannel.WaitConnectedTimed(time.Second))

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	archiveDir := t.TempDir()

	contents := []byte("the quick brown fox jumps over the lazy dog, repeated a few times to span blocks. ")
	for len(contents) < 200 {
		contents = append(contents, contents...)
	}
	srcPath := filepath.Join(srcDir, "report.csv")
	require.NoError(t, os.WriteFile(srcPath, contents, 0o644))

	senderPeer := mustTestPeer(t, "shared-identity", peer.RoleConnector)
	receiverPeer := mustTestPeer(t, "shared-identity", peer.RoleListener)

	senderPeer.EnqueueOutbound(&FileJob{
		Path: srcPath,
		Info: fileunit.Info{Size: uint64(len(contents)), BlockSize: 32, Mode: 0644, Filename: "report.csv"},
	})

	senderDone := make(chan error, 1)
	go func() {
		senderDone <- RunSender(clientQueue, senderPeer, clientChannel, SenderConfig{
			Disposition:    Disposition{ArchiveDir: archiveDir},
			MessageTimeout: 2 * time.Second,
		})
	}()

	receiverDone := make(chan error, 1)
	go func() {
		receiverDone <- RunReceiver(serverQueue, receiverPeer, serverChannel, ReceiverConfig{
			DestDir:        dstDir,
			MessageTimeout: 2 * time.Second,
		})
	}()

	item, ok := receiverPeer.NextReceived(3 * time.Second)
	require.True(t, ok, "timed out waiting for delivered file")
	delivered, ok := item.(*DeliveredFile)
	require.True(t, ok)

	got, err := os.ReadFile(delivered.Path)
	require.NoError(t, err)
	assert.Equal(t, contents, got)

	_, err = os.Stat(filepath.Join(archiveDir, "report.csv"))
	assert.NoError(t, err)

	clientChannel.Kill()
	serverChannel.Kill()
}

// TestReceiverKillsChannelOnOutOfRangeFileBlock drives the sender side of
// the handshake by hand so it can send a FileBlock whose offset+len
// exceeds the declared size, spec.md:365 testable property 11.
func TestReceiverKillsChannelOnOutOfRangeFileBlock(t *testing.T) {
	serverRoot := transport.NewRoot()
	clientRoot := transport.NewRoot()
	defer serverRoot.Shutdown()
	defer clientRoot.Shutdown()

	serverQueue, serverChannel, clientQueue, clientChannel, err := transport.NewLoopbackPair(serverRoot, clientRoot, time.Second)
	require.NoError(t, err)
	require.True(t, serverChannel.WaitConnectedTimed(time.Second))
	require.True(t, clientChannel.WaitConnectedTimed(time.Second))

	dstDir := t.TempDir()
	errorDir := t.TempDir()
	receiverPeer := mustTestPeer(t, "shared-identity", peer.RoleListener)

	go func() {
		_ = RunReceiver(serverQueue, receiverPeer, serverChannel, ReceiverConfig{
			DestDir:        dstDir,
			Disposition:    Disposition{ErrorDir: errorDir},
			MessageTimeout: 2 * time.Second,
		})
	}()

	require.NoError(t, clientQueue.SendMessage(clientChannel, uint16(MsgSenderVersion), EncodeVersion(VersionToWire(LocalVersion))))
	msg, err := clientQueue.GetMessageFromChannel(clientChannel, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(MsgReceiverVersion), msg.Header.Type)

	require.NoError(t, clientQueue.SendMessage(clientChannel, uint16(MsgIdent), EncodeIdent("shared-identity")))
	msg, err = clientQueue.GetMessageFromChannel(clientChannel, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(MsgIdent), msg.Header.Type)

	require.NoError(t, clientQueue.SendMessage(clientChannel, uint16(MsgReady), nil))
	msg, err = clientQueue.GetMessageFromChannel(clientChannel, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(MsgReady), msg.Header.Type)

	info := fileunit.Info{Size: 10, BlockSize: 32, Mode: 0644, Filename: "bad.bin"}
	newFilePayload, err := fileunit.EncodeNewFile(info)
	require.NoError(t, err)
	require.NoError(t, clientQueue.SendMessage(clientChannel, uint16(MsgNewFile), newFilePayload))

	msg, err = clientQueue.GetMessageFromChannel(clientChannel, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(MsgNewFileReady), msg.Header.Type)

	block, err := fileunit.EncodeFileBlock(0, make([]byte, 20)) // declared size is 10
	require.NoError(t, err)
	require.NoError(t, clientQueue.SendMessage(clientChannel, uint16(MsgFileBlock), block))

	msg, err = clientQueue.GetMessageFromChannel(clientChannel, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(MsgRejectFile), msg.Header.Type)

	require.Eventually(t, func() bool {
		return clientChannel.State() == transport.ChanClosed
	}, time.Second, 10*time.Millisecond, "channel should be killed after an out-of-range FileBlock")

	// Protocol abort, not a mid-stream disconnect: the placeholder must
	// land in ErrorDir (spec.md §4.11), not be deleted out from under
	// Disposition.Error before it runs (the ordering bug from review).
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(errorDir, fileunit.PlaceholderName("bad.bin")))
		return err == nil
	}, time.Second, 10*time.Millisecond, "rejected file should be moved to the error directory")

	_, statErr := os.Stat(filepath.Join(dstDir, fileunit.PlaceholderName("bad.bin")))
	assert.True(t, os.IsNotExist(statErr), "placeholder should not remain in DestDir")
}
