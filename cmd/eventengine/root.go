package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eventengine",
	Short: "eventengine - TCP task dispatch engine",
	Long: `eventengine accepts small JSON event messages over raw TCP, queues them
and routes them to handlers run by a fixed-size worker pool. Timed-out
outbound deliveries are retried with a bounded error count.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pingCmd)
}
