// Command hmsend is a one-shot CLI that dials the relay, sends a single
// xsend to the designated coordinating role, waits for its ack, and exits.
// It is the in-scope sliver of the broader (out-of-scope) hm-send tool:
// no scripts, no roles beyond the coordinator, no local ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/anamnesos/squidrelay/internal/config"
	"github.com/anamnesos/squidrelay/pkg/bridge"
)

func main() {
	var toDevice, content string

	root := &cobra.Command{
		Use:   "hmsend",
		Short: "Send one cross-device message and wait for its ack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, toDevice, content)
		},
	}
	root.Flags().StringVar(&toDevice, "to", "", "destination device id (required)")
	root.Flags().StringVar(&content, "message", "", "message content (required)")
	_ = root.MarkFlagRequired("to")
	_ = root.MarkFlagRequired("message")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, toDevice, content string) error {
	cfg, err := config.LoadBridge()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := bridge.Dial(dialCtx, bridge.Config{
		DeviceID:     cfg.DeviceID,
		SharedSecret: cfg.RelaySecret,
		RelayURL:     cfg.RelayURL,
		Logger:       zerolog.New(os.Stderr).With().Timestamp().Logger(),
	})
	if err != nil {
		return fmt.Errorf("hmsend: %w", err)
	}
	defer client.Close()

	sendCtx, cancelSend := context.WithTimeout(ctx, 30*time.Second)
	defer cancelSend()

	ack, err := client.Send(sendCtx, toDevice, content, nil)
	if err != nil {
		return fmt.Errorf("hmsend: send failed: %w", err)
	}

	if !ack.OK {
		return fmt.Errorf("hmsend: nacked: status=%s error=%s", ack.Status, ack.Error)
	}

	fmt.Printf("delivered: status=%s\n", ack.Status)
	return nil
}
