package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/transport"
	"github.com/flowbus/flowbus/pkg/xfer"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "run flowbusd as the receiving side of every configured peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReceivers(configPath)
	},
}

func init() {
	Root.AddCommand(receiveCmd)
}

func runReceivers(configPath string) error {
	d, err := newDaemon(configPath)
	if err != nil {
		return err
	}

	duplicates, err := xfer.OpenDuplicateStore(d.cfg.DuplicateStorePath, time.Duration(d.cfg.DuplicateCacheTTL))
	if err != nil {
		return fmt.Errorf("flowbusd: %w", err)
	}
	defer duplicates.Close()

	limiter := xfer.NewFileHandleLimiter(d.cfg.MaxOpenIncomingFiles)

	var eg errgroup.Group
	for _, pc := range d.peerConfigs {
		pc := pc
		eg.Go(func() error { return runOneReceiver(d, pc, duplicates, limiter) })
	}

	waitForShutdownSignal()
	d.Shutdown()
	return eg.Wait()
}

func runOneReceiver(d *daemon, pc peer.Config, duplicates *xfer.DuplicateStore, limiter *xfer.FileHandleLimiter) error {
	p, err := d.peerFor(pc.Identity)
	if err != nil {
		return err
	}
	disposition, err := openDisposition(pc)
	if err != nil {
		return fmt.Errorf("flowbusd: peer %q: %w", pc.Identity, err)
	}

	queue := transport.NewQueue(d.root)
	return runPeerLoop(d, queue, pc, p, func(ch *transport.Channel) error {
		flog.Logf(p, "connected, running receiver state machine")
		return xfer.RunReceiver(queue, p, ch, xfer.ReceiverConfig{
			DestDir:     pc.DestDir,
			Disposition: disposition,
			Duplicates:  duplicates,
			Limiter:     limiter,
		})
	})
}
