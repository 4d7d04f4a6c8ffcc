package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowbus/flowbus/pkg/flog"
	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/transport"
	"github.com/flowbus/flowbus/pkg/xfer"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "run flowbusd as the sending side of every configured peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSenders(configPath)
	},
}

func init() {
	Root.AddCommand(sendCmd)
}

func runSenders(configPath string) error {
	d, err := newDaemon(configPath)
	if err != nil {
		return err
	}

	var eg errgroup.Group
	for _, pc := range d.peerConfigs {
		pc := pc
		eg.Go(func() error { return runOneSender(d, pc) })
	}

	waitForShutdownSignal()
	d.Shutdown()
	return eg.Wait()
}

func runOneSender(d *daemon, pc peer.Config) error {
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
		flog.Logf(p, "connected, running sender state machine")
		return xfer.RunSender(queue, p, ch, xfer.SenderConfig{Disposition: disposition})
	})
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
