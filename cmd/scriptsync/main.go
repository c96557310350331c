package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scriptsync",
	Short: "Transcript timecode mapping and real-time sync server",
	Long: `scriptsync maps transcript sentences to audio time ranges and keeps
every connected client in sync while the mappings change.

Scripts are loaded from a watched directory of JSON files, sentence
mappings are versioned in SQLite with a full edit history, and a
websocket gateway broadcasts position and mapping updates to everyone
viewing the same script.

Common usage:
  scriptsync serve                 # Start the sync server
  scriptsync sync                  # One-shot import of the scripts directory
  scriptsync align <script-id>     # Run automatic alignment from segment data
  scriptsync token --user alice    # Mint an access token`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: scriptsync.yaml in cwd)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
