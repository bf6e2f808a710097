package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcaptcha/scrapeguard/internal/kv"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile <identity>",
	Short: "Print the stored behavioral profile of a client",
	Long: `Print the stored profile of a client identity (usually an IP address)
as JSON, including its last suspicion score and any active ban.

This reads the configured Redis store; with the in-memory store there is
nothing to inspect from a separate process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := kv.Open(cfg.Server.RedisURL)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		return printProfile(ctx, cmd.OutOrStdout(), store, args[0])
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
}

func printProfile(ctx context.Context, w io.Writer, store kv.Store, identity string) error {
	profiles := profile.NewStore(store, profile.Options{Logger: logging.WithComponent("profile")})
	p, err := profiles.Get(ctx, identity)
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("no profile stored for %s", identity)
	}
	if err != nil {
		return fmt.Errorf("read profile %s: %w", identity, err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
