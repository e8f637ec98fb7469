package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "biowave",
	Short: "Biosignal ingest and live display service",
	Long: `biowave ingests ECG, PPG and SpO2 telemetry from a wearable link,
reassembles and validates the stream, and serves live frames, controls and
a session journal over HTTP and WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yml)")
	rootCmd.AddCommand(serveCmd, emulateCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
