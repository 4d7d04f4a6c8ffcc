package xfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowbus/flowbus/pkg/fileunit"
	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/transport"
)

// DeliveredFile is queued onto a Peer's received-file multiqueue once a
// transfer completes, spec.md §3.6's inbound high/low subqueues, for
// whatever post-receipt processing the caller wires up.
type DeliveredFile struct {
	Path string
	Info fileunit.Info
}

// ReceiverConfig configures one run of the receiver state machine.
type ReceiverConfig struct {
	DestDir     string
	Disposition Disposition
	// Duplicates suppresses re-delivery of files already seen from this
	// peer, spec.md §4.9/§8 property 8; nil disables the check.
	Duplicates *DuplicateStore
	// Limiter bounds simultaneously open incoming files, spec.md §4.11;
	// nil means unbounded.
	Limiter        *FileHandleLimiter
	MessageTimeout time.Duration
}

const maxRenameRetries = 8

// RunReceiver drives the receiver side of the file-transfer protocol
// over an already-connected channel, spec.md §4.9's "mirror of the
// sender" receiver state machine.
func RunReceiver(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg ReceiverConfig) error {
	if err := receiverHandshake(q, p, ch, cfg); err != nil {
		return err
	}

	for {
		msg, err := q.GetMessageFromChannel(ch, cfg.MessageTimeout)
		if err != nil {
			if ch.State() != transport.ChanConnected {
				return fmt.Errorf("xfer: channel no longer connected")
			}
			continue
		}
		switch MsgType(msg.Header.Type) {
		case MsgNewFile:
			if err := receiveOneFile(q, p, ch, cfg, msg.Payload); err != nil {
				flog.Errorf(p, "receive file: %v", err)
			}
		case MsgDisconnectRetry:
			return fmt.Errorf("%w: %s", ErrDisconnectRetry, DecodeText(msg.Payload))
		case MsgDisconnect:
			return fmt.Errorf("%w: %s", ErrDisconnect, DecodeText(msg.Payload))
		default:
			flog.Errorf(p, "unexpected message %s outside a transfer", MsgType(msg.Header.Type))
		}
	}
}

// receiverHandshake mirrors senderHandshake from the receiving side,
// spec.md §4.9 steps 2-4.
func receiverHandshake(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg ReceiverConfig) error {
	msg, err := q.GetMessageFromChannel(ch, cfg.MessageTimeout)
	if err != nil {
		return fmt.Errorf("xfer: waiting for SenderVersion: %w", err)
	}
	if MsgType(msg.Header.Type) != MsgSenderVersion {
		return fmt.Errorf("xfer: expected SenderVersion, got %s", MsgType(msg.Header.Type))
	}
	remoteVer, err := DecodeVersion(msg.Payload)
	if err != nil {
		return fmt.Errorf("xfer: decode SenderVersion: %w", err)
	}
	agreed, err := Negotiate(LocalVersion, VersionFromWire(remoteVer))
	if err != nil {
		_ = q.SendMessage(ch, uint16(MsgDisconnect), EncodeText(err.Error()))
		return fmt.Errorf("xfer: version negotiation: %w", err)
	}
	if err := q.SendMessage(ch, uint16(MsgReceiverVersion), EncodeVersion(VersionToWire(agreed))); err != nil {
		return fmt.Errorf("xfer: send ReceiverVersion: %w", err)
	}
	p.SetRemoteVersion(VersionToWire(agreed))

	msg, err = q.GetMessageFromChannel(ch, cfg.MessageTimeout)
	if err != nil {
		return fmt.Errorf("xfer: waiting for Ident: %w", err)
	}
	if MsgType(msg.Header.Type) != MsgIdent {
		return fmt.Errorf("xfer: expected Ident, got %s", MsgType(msg.Header.Type))
	}
	remoteIdentity := DecodeIdent(msg.Payload)
	if remoteIdentity != p.Identity() {
		_ = q.SendMessage(ch, uint16(MsgDisconnect), EncodeText("identity mismatch"))
		return fmt.Errorf("xfer: remote identity %q does not match configured %q", remoteIdentity, p.Identity())
	}
	if err := q.SendMessage(ch, uint16(MsgIdent), EncodeIdent(p.Identity())); err != nil {
		return fmt.Errorf("xfer: send Ident: %w", err)
	}

	msg, err = q.GetMessageFromChannel(ch, cfg.MessageTimeout)
	if err != nil {
		return fmt.Errorf("xfer: waiting for Ready: %w", err)
	}
	if MsgType(msg.Header.Type) != MsgReady {
		return fmt.Errorf("xfer: expected Ready, got %s", MsgType(msg.Header.Type))
	}
	if err := q.SendMessage(ch, uint16(MsgReady), nil); err != nil {
		return fmt.Errorf("xfer: send Ready: %w", err)
	}

	p.SetChannel(ch)
	return nil
}

// receiveOneFile drives spec.md §4.9's receiver-side per-file handling:
// filter, duplicate check, placeholder write, completion rename.
func receiveOneFile(q *transport.Queue, p *peer.Peer, ch *transport.Channel, cfg ReceiverConfig, payload []byte) error {
	info, err := fileunit.DecodeNewFile(payload)
	if err != nil {
		_ = q.SendMessage(ch, uint16(MsgRejectFile), nil)
		return fmt.Errorf("decode NewFile: %w", err)
	}

	if !p.MatchesFilter(info.Filename) {
		return q.SendMessage(ch, uint16(MsgRejectFile), nil)
	}

	if cfg.Duplicates != nil {
		seen, err := cfg.Duplicates.Seen(p.Identity(), info.Filename)
		if err != nil {
			flog.Errorf(p, "duplicate check: %v", err)
		} else if seen {
			return q.SendMessage(ch, uint16(MsgDuplicateFile), nil)
		}
	}

	if cfg.Limiter != nil {
		cfg.Limiter.Acquire()
		defer cfg.Limiter.Release()
	}

	placeholderPath := filepath.Join(cfg.DestDir, fileunit.PlaceholderName(info.Filename))
	f, err := os.OpenFile(placeholderPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		_ = q.SendMessage(ch, uint16(MsgRejectFile), nil)
		return fmt.Errorf("open placeholder %s: %w", placeholderPath, err)
	}

	if err := q.SendMessage(ch, uint16(MsgNewFileReady), nil); err != nil {
		f.Close()
		_ = os.Remove(placeholderPath)
		return fmt.Errorf("send NewFileReady: %w", err)
	}

	if err := receiveBlocks(q, ch, cfg, f, info); err != nil {
		f.Close()
		if isDisconnectError(err) {
			// spec.md §4.9's "partial-failure on disconnect mid-file:
			// the hidden placeholder is deleted"; the sender will
			// offer the file again on reconnect, so it never goes to
			// the error directory.
			_ = os.Remove(placeholderPath)
		} else {
			// spec.md §4.11: protocol abort or I/O failure moves the
			// file to the error directory (or deletes it, if none is
			// configured — Disposition.Error itself handles that).
			_ = cfg.Disposition.Error(p, placeholderPath)
		}
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(placeholderPath)
		return fmt.Errorf("sync placeholder %s: %w", placeholderPath, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(placeholderPath)
		return fmt.Errorf("close placeholder %s: %w", placeholderPath, err)
	}

	finalPath, err := finalizeRename(p, cfg.DestDir, placeholderPath, info.Filename)
	if err != nil {
		return err
	}

	if cfg.Duplicates != nil {
		if err := cfg.Duplicates.Record(p.Identity(), info.Filename); err != nil {
			flog.Errorf(p, "record duplicate suppression: %v", err)
		}
	}
	p.EnqueueReceived(peer.PriorityLow, &DeliveredFile{Path: finalPath, Info: info})
	return nil
}

// receiveBlocks consumes FileBlock messages until FileComplete, spec.md
// §4.9's offset/length validation: "offset <= declared_size and
// offset + len <= declared_size".
func receiveBlocks(q *transport.Queue, ch *transport.Channel, cfg ReceiverConfig, f *os.File, info fileunit.Info) error {
	for {
		msg, err := q.GetMessageFromChannel(ch, cfg.MessageTimeout)
		if err != nil {
			return fmt.Errorf("awaiting FileBlock/FileComplete: %w", err)
		}
		switch MsgType(msg.Header.Type) {
		case MsgFileBlock:
			offset, data, err := fileunit.DecodeFileBlock(msg.Payload)
			if err != nil {
				_ = q.SendMessage(ch, uint16(MsgRejectFile), nil)
				return fmt.Errorf("%w: decode FileBlock: %v", errProtocolAbort, err)
			}
			if offset > info.Size || offset+uint64(len(data)) > info.Size {
				_ = q.SendMessage(ch, uint16(MsgRejectFile), nil)
				// spec.md:365 testable property 11: an out-of-range
				// FileBlock is rejected AND the connection is closed.
				ch.Kill()
				return fmt.Errorf("%w: FileBlock out of range (offset %d len %d size %d)", errProtocolAbort, offset, len(data), info.Size)
			}
			if _, err := f.WriteAt(data, int64(offset)); err != nil {
				_ = q.SendMessage(ch, uint16(MsgRejectFile), nil)
				return fmt.Errorf("%w: write block at %d: %v", errProtocolAbort, offset, err)
			}
		case MsgFileComplete:
			return nil
		case MsgDisconnectRetry:
			return fmt.Errorf("%w: %s", ErrDisconnectRetry, DecodeText(msg.Payload))
		case MsgDisconnect:
			return fmt.Errorf("%w: %s", ErrDisconnect, DecodeText(msg.Payload))
		default:
			return fmt.Errorf("%w: unexpected message %s mid-transfer", errProtocolAbort, MsgType(msg.Header.Type))
		}
	}
}

// errProtocolAbort marks a receiveBlocks failure as spec.md §4.11's
// "protocol abort or I/O failure" case (malformed block, out-of-range
// offset/length, write failure, unexpected message) rather than §4.9's
// mid-file disconnect, so receiveOneFile can route disposition correctly.
var errProtocolAbort = errors.New("xfer: protocol abort")

// isDisconnectError reports whether err represents spec.md §4.9's "mid-
// file disconnect" case (transport-level connection loss, or an explicit
// DisconnectRetry/Disconnect message) rather than a protocol abort or I/O
// failure, which §4.11 routes to the error directory instead.
func isDisconnectError(err error) bool {
	return !errors.Is(err, errProtocolAbort)
}

// finalizeRename implements spec.md §4.9's "rename hidden path onto the
// final path atomically. If rename fails ... append a uniqueness suffix
// and retry until success; log the retry."
func finalizeRename(p *peer.Peer, destDir, placeholderPath, filename string) (string, error) {
	target := filename
	for attempt := 0; attempt < maxRenameRetries; attempt++ {
		finalPath := filepath.Join(destDir, target)
		err := os.Rename(placeholderPath, finalPath)
		if err == nil {
			return finalPath, nil
		}
		flog.Logf(p, "rename collision delivering %s, retrying with a suffix: %v", filename, err)
		target = fileunit.WithCollisionSuffix(filename)
	}
	return "", fmt.Errorf("xfer: could not rename %s into place after %d attempts", filename, maxRenameRetries)
}
