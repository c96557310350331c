package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/bini59/scriptsync/internal/catalog"
	"github.com/bini59/scriptsync/internal/config"
	"github.com/bini59/scriptsync/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import the scripts directory into the database",
	Long: `Run a one-shot import of every script file in the scripts directory.

Each *.json file is parsed and upserted into the catalog: new scripts
are created, existing scripts have their metadata and sentences
updated. Files that fail to parse are logged and skipped. Scripts are
never deleted by a sync, even when their file is gone.

This is the same import the server performs on startup; use it to
preload a database or verify script files without starting the server.

Example usage:
  scriptsync sync
  scriptsync sync --config /etc/scriptsync.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
			os.Exit(1)
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize schema: %v\n", err)
			os.Exit(1)
		}

		loader, err := catalog.NewWithConfig(st, cfg.ScriptsDir, &catalog.Config{
			Logger: log.New(os.Stderr, "[catalog] ", log.LstdFlags),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create script loader: %v\n", err)
			os.Exit(1)
		}
		defer loader.Stop()

		if err := loader.PerformFullSync(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Synced scripts from %s\n", cfg.ScriptsDir)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
