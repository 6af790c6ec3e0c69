package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/notifier"
)

var (
	pingAddr    string
	pingTimeout time.Duration
)

// pingCmd performs the HELLO handshake against an engine
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that an engine answers HELLO",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := notifier.DefaultConfig()
		cfg.DialTimeout = pingTimeout
		cfg.WriteTimeout = pingTimeout
		n := notifier.New(cfg, logger.Discard())
		defer n.Close()

		start := time.Now()
		if err := n.Ping(cmd.Context(), pingAddr); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "HI from %s (%s)\n", pingAddr, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVarP(&pingAddr, "addr", "a", defaultAddr, "Engine address host:port")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Dial and reply timeout")
}
