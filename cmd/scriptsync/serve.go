package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bini59/scriptsync/internal/align"
	"github.com/bini59/scriptsync/internal/api"
	"github.com/bini59/scriptsync/internal/catalog"
	"github.com/bini59/scriptsync/internal/config"
	"github.com/bini59/scriptsync/internal/gateway"
	"github.com/bini59/scriptsync/internal/logging"
	"github.com/bini59/scriptsync/internal/room"
	"github.com/bini59/scriptsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the scriptsync server.

The server opens the mapping database, imports and then watches the
scripts directory, and serves two surfaces on one port:

  ws://localhost:<port>/ws/sync/{script_id}   # Real-time sync gateway
  http://localhost:<port>/api/v1/sync/        # REST API

Websocket clients joining the same script share a room: position
updates, mapping edits, and membership changes are broadcast to every
member in a single total order.

Example usage:
  scriptsync serve
  scriptsync serve --port 9000
  scriptsync serve --config /etc/scriptsync.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
			os.Exit(1)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
			os.Exit(1)
		}

		sink := logging.NewSink(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})

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

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		loader, err := catalog.NewWithConfig(st, cfg.ScriptsDir, &catalog.Config{
			Logger: sink.Logger("catalog"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create script loader: %v\n", err)
			os.Exit(1)
		}
		loaderDone := make(chan error, 1)
		go func() {
			loaderDone <- loader.Start(ctx)
		}()

		hub := room.NewHub(sink.Logger("room"))
		engine := align.NewEngine(alignParams(cfg))
		runner := align.NewRunner(engine, st, sink.Logger("align"))
		auth := gateway.NewAuthenticator([]byte(cfg.AuthSecret), cfg.AllowAnonymous)
		handler := api.New(st, runner, hub, auth, sink.Logger("api"))

		server := gateway.NewServer(st, hub, handler, &gateway.Config{
			Port:           cfg.Port,
			PingInterval:   cfg.Heartbeat.PingInterval,
			PongTimeout:    cfg.Heartbeat.PongTimeout,
			MaxMissedPongs: cfg.Heartbeat.MaxMissedPongs,
			AuthSecret:     []byte(cfg.AuthSecret),
			AllowAnonymous: cfg.AllowAnonymous,
			Logger:         sink.Logger("gateway"),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("scriptsync server started on http://localhost:%d\n", cfg.Port)
		fmt.Printf("Websocket endpoint: ws://localhost:%d/ws/sync/{script_id}\n", cfg.Port)
		fmt.Printf("REST API: http://localhost:%d/api/v1/sync/\n", cfg.Port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		runner.Shutdown()
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		if err := <-loaderDone; err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "Error: script loader: %v\n", err)
		}

		fmt.Println("scriptsync server stopped")
	},
}

func alignParams(cfg *config.Config) align.Params {
	return align.Params{
		SnapTolerance:            cfg.Align.SnapTolerance,
		BaseConfidence:           cfg.Align.BaseConfidence,
		DistancePenaltyPerSecond: cfg.Align.DistancePenaltyPerSecond,
		ShortSentenceSecs:        cfg.Align.ShortSentenceSecs,
		ShortSentencePenalty:     cfg.Align.ShortSentencePenalty,
		FallbackConfidence:       cfg.Align.FallbackConfidence,
	}
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
