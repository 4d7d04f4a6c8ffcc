package xfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flowbus/flowbus/pkg/fileunit"
	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/transport"
	"github.com/flowbus/flowbus/pkg/wire"
)

// FileJob is one pending outbound transfer, queued onto a Peer's
// outbound multiqueue by an external producer (spec.md §4.9 step 5's
// "pop the next queued file from the peer's outbound multiqueue").
type FileJob struct {
	Path string
	Info fileunit.Info
}

// ErrDisconnectRetry and ErrDisconnect classify how the caller
// (cmd/flowbusd's runPeerLoop) should treat a sender/receiver returning:
// ErrDisconnectRetry means reconnect with backoff, ErrDisconnect means
// stay disconnected for the rest of this session (spec.md §4.9 step 7).
var (
	ErrDisconnectRetry = errors.New("xfer: peer requested disconnect-and-retry")
	ErrDisconnect       = errors.New("xfer: peer requested disconnect")
)

// SenderConfig configures one run of the sender state machine.
type SenderConfig struct {
	Disposition Disposition
	// MessageTimeout bounds each handshake/control receive; 0 blocks
	// indefinitely.
	MessageTimeout time.Duration
}

// RunSender drives the sender side of the file-transfer protocol over an
// already-connected channel, spec.md §4.9's sender state machine. It
// performs the version/identity/ready handshake, then loops popping
// files from p's outbound multiqueue until the channel drops or the
// remote sends Disconnect/DisconnectRetry.
func RunSender(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg SenderConfig) error {
	if err := senderHandshake(q, p, ch, cfg); err != nil {
		return err
	}

	for {
		job, ok := p.NextOutbound(500 * time.Millisecond)
		if !ok {
			if ch.State() != transport.ChanConnected {
				return fmt.Errorf("xfer: channel no longer connected")
			}
			continue
		}
		fj, ok := job.(*FileJob)
		if !ok {
			flog.Errorf(p, "outbound queue item is not a *xfer.FileJob: %T", job)
			continue
		}
		if err := sendOneFile(q, p, ch, cfg, fj); err != nil {
			if errors.Is(err, ErrDisconnectRetry) || errors.Is(err, ErrDisconnect) {
				return err
			}
			flog.Errorf(p, "send %s: %v", fj.Info.Filename, err)
		}
	}
}

// senderHandshake performs spec.md §4.9 steps 2-4: version negotiation,
// identity exchange and verification, then the Ready handshake.
func senderHandshake(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg SenderConfig) error {
	if err := q.SendMessage(ch, uint16(MsgSenderVersion), EncodeVersion(VersionToWire(LocalVersion))); err != nil {
		return fmt.Errorf("xfer: send SenderVersion: %w", err)
	}
	msg, err := recvExpected(q, ch, cfg, MsgReceiverVersion)
	if err != nil {
		return err
	}
	remoteVer, err := DecodeVersion(msg.Payload)
	if err != nil {
		return fmt.Errorf("xfer: decode ReceiverVersion: %w", err)
	}
	agreed, err := Negotiate(LocalVersion, VersionFromWire(remoteVer))
	if err != nil {
		_ = q.SendMessage(ch, uint16(MsgDisconnect), EncodeText(err.Error()))
		return fmt.Errorf("xfer: version negotiation: %w", err)
	}
	p.SetRemoteVersion(VersionToWire(agreed))

	if err := q.SendMessage(ch, uint16(MsgIdent), EncodeIdent(p.Identity())); err != nil {
		return fmt.Errorf("xfer: send Ident: %w", err)
	}
	msg, err = recvExpected(q, ch, cfg, MsgIdent)
	if err != nil {
		return err
	}
	remoteIdentity := DecodeIdent(msg.Payload)
	if remoteIdentity != p.Identity() {
		_ = q.SendMessage(ch, uint16(MsgDisconnect), EncodeText("identity mismatch"))
		return fmt.Errorf("xfer: remote identity %q does not match configured %q", remoteIdentity, p.Identity())
	}

	if err := q.SendMessage(ch, uint16(MsgReady), nil); err != nil {
		return fmt.Errorf("xfer: send Ready: %w", err)
	}
	if _, err := recvExpected(q, ch, cfg, MsgReady); err != nil {
		return err
	}

	p.SetChannel(ch)
	return nil
}

// recvExpected waits for the next message on ch and requires it to be of
// type want, translating a Disconnect/DisconnectRetry received instead
// into the matching sentinel error.
func recvExpected(q *transport.Queue, ch *transport.Channel, cfg SenderConfig, want MsgType) (*wire.Message, error) {
	msg, err := q.GetMessageFromChannel(ch, cfg.MessageTimeout)
	if err != nil {
		return nil, fmt.Errorf("xfer: waiting for %s: %w", want, err)
	}
	switch MsgType(msg.Header.Type) {
	case want:
		return msg, nil
	case MsgDisconnectRetry:
		return nil, fmt.Errorf("%w: %s", ErrDisconnectRetry, DecodeText(msg.Payload))
	case MsgDisconnect:
		return nil, fmt.Errorf("%w: %s", ErrDisconnect, DecodeText(msg.Payload))
	default:
		return nil, fmt.Errorf("xfer: expected %s, got %s", want, MsgType(msg.Header.Type))
	}
}

// sendOneFile drives spec.md §4.9 step 5 for a single file: NewFile,
// await the receiver's verdict, stream blocks on NewFileReady, then
// dispose of the source per cfg.Disposition.
func sendOneFile(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg SenderConfig, fj *FileJob) error {
	f, err := os.Open(fj.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", fj.Path, err)
	}
	defer f.Close()

	payload, err := fileunit.EncodeNewFile(fj.Info)
	if err != nil {
		return fmt.Errorf("encode NewFile: %w", err)
	}
	if err := q.SendMessage(ch, uint16(MsgNewFile), payload); err != nil {
		return fmt.Errorf("send NewFile: %w", err)
	}

	msg, err := q.GetMessageFromChannel(ch, cfg.MessageTimeout)
	if err != nil {
		return fmt.Errorf("awaiting NewFile response: %w", err)
	}
	switch MsgType(msg.Header.Type) {
	case MsgNewFileReady:
		// proceed to streaming below
	case MsgDuplicateFile:
		return cfg.Disposition.Success(p, fj.Path)
	case MsgRejectFile:
		return cfg.Disposition.Error(p, fj.Path)
	case MsgDisconnectRetry:
		return fmt.Errorf("%w: %s", ErrDisconnectRetry, DecodeText(msg.Payload))
	case MsgDisconnect:
		return fmt.Errorf("%w: %s", ErrDisconnect, DecodeText(msg.Payload))
	default:
		return fmt.Errorf("xfer: unexpected response to NewFile: %s", MsgType(msg.Header.Type))
	}

	blockSize := fj.Info.BlockSize
	if blockSize == 0 || int(blockSize) > fileunit.MaxBlockBytes {
		blockSize = fileunit.MaxBlockBytes
	}
	buf := make([]byte, blockSize)
	var offset uint64
	for offset < fj.Info.Size {
		want := uint64(blockSize)
		if remaining := fj.Info.Size - offset; remaining < want {
			want = remaining
		}
		n, readErr := io.ReadFull(f, buf[:want])
		if readErr != nil && readErr != io.EOF {
			_ = cfg.Disposition.Error(p, fj.Path)
			return fmt.Errorf("read %s: %w", fj.Path, readErr)
		}
		block, err := fileunit.EncodeFileBlock(offset, buf[:n])
		if err != nil {
			return fmt.Errorf("encode FileBlock: %w", err)
		}
		if err := q.SendMessage(ch, uint16(MsgFileBlock), block); err != nil {
			return fmt.Errorf("send FileBlock: %w", err)
		}
		offset += uint64(n)
		if n == 0 {
			break
		}
	}

	if err := q.SendMessage(ch, uint16(MsgFileComplete), nil); err != nil {
		return fmt.Errorf("send FileComplete: %w", err)
	}

	return cfg.Disposition.Success(p, fj.Path)
}
