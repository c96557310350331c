package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bini59/scriptsync/internal/align"
	"github.com/bini59/scriptsync/internal/config"
	"github.com/bini59/scriptsync/internal/store"
)

var alignCmd = &cobra.Command{
	Use:   "align <script-id>",
	Short: "Run automatic alignment for a script",
	Args:  cobra.ExactArgs(1),
	Long: `Run automatic alignment for one script using detected speech segments.

Segments are read from a JSON file: an array of {"start": s, "end": s}
time ranges (seconds) where speech was detected in the audio. Sentences
are split proportionally across the audio and boundaries are snapped to
nearby segment edges; each candidate gets a confidence score.

Candidates at or above the confidence threshold are activated as new
mapping versions. Candidates below it are flagged for manual review and
left unwritten. Sentences that were edited by hand while the job ran
keep their manual mapping.

Example usage:
  scriptsync align ep01 --segments segments.json
  scriptsync align ep01 --segments segments.json --threshold 0.8 --actor batch`,
	Run: func(cmd *cobra.Command, args []string) {
		scriptID := args[0]
		segmentsPath, _ := cmd.Flags().GetString("segments")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		actor, _ := cmd.Flags().GetString("actor")

		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
			os.Exit(1)
		}

		var segments []align.Segment
		if segmentsPath != "" {
			data, err := os.ReadFile(segmentsPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read segments file: %v\n", err)
				os.Exit(1)
			}
			if err := json.Unmarshal(data, &segments); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid segments file: %v\n", err)
				os.Exit(1)
			}
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		engine := align.NewEngine(alignParams(cfg))
		runner := align.NewRunner(engine, st, log.New(os.Stderr, "[align] ", log.LstdFlags))
		defer runner.Shutdown()

		jobID, err := runner.Start(context.Background(), align.JobRequest{
			ScriptID:  scriptID,
			Segments:  segments,
			Threshold: threshold,
			Actor:     actor,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start alignment: %v\n", err)
			os.Exit(1)
		}

		job := waitForJob(runner, jobID)
		switch job.State {
		case align.JobCompleted:
			fmt.Printf("Alignment complete: %d activated, %d flagged for review\n", job.Activated, job.Flagged)
			for _, c := range job.Candidates {
				marker := ""
				if c.NeedsReview {
					marker = "  (needs review)"
				}
				fmt.Printf("  %-20s [%8.3f, %8.3f)  confidence %.2f%s\n", c.SentenceID, c.StartTime, c.EndTime, c.Confidence, marker)
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: alignment %s: %s\n", job.State, job.Error)
			os.Exit(1)
		}
	},
}

func waitForJob(runner *align.Runner, jobID string) *align.Job {
	for {
		job, err := runner.Status(jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		switch job.State {
		case align.JobQueued, align.JobRunning:
			time.Sleep(50 * time.Millisecond)
		default:
			return job
		}
	}
}

func init() {
	alignCmd.Flags().String("segments", "", "Path to JSON file with detected speech segments")
	alignCmd.Flags().Float64("threshold", 0.3, "Confidence threshold for activating candidates")
	alignCmd.Flags().String("actor", "aligner", "User ID recorded on activated mappings")

	rootCmd.AddCommand(alignCmd)
}
