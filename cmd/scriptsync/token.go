package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bini59/scriptsync/internal/config"
	"github.com/bini59/scriptsync/internal/gateway"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for a user",
	Long: `Mint a signed access token for connecting to the sync gateway.

The token is signed with the configured auth secret and carries the
user ID as its subject. Pass it as a Bearer header or a ?token= query
parameter when connecting.

Example usage:
  scriptsync token --user alice
  scriptsync token --user alice --ttl 168h`,
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if userID == "" {
			fmt.Fprintf(os.Stderr, "Error: --user is required\n")
			os.Exit(1)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
			os.Exit(1)
		}
		if cfg.AuthSecret == "" {
			fmt.Fprintf(os.Stderr, "Error: auth_secret is not configured\n")
			os.Exit(1)
		}

		token, err := gateway.NewToken([]byte(cfg.AuthSecret), userID, ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to mint token: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(token)
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "User ID to embed as the token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
