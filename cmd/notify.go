package cmd

import (
	"fmt"
	"log"

	"github.com/Plarpoon/Red/red"
	"github.com/spf13/cobra"
)

// notifyResyncCmd asks running bot instances sharing the same postgres
// database to run a full directory sync, via NOTIFY. SQLite has no
// cross-process notification channel, so it's postgres-only.
var notifyResyncCmd = &cobra.Command{
	Use:   "notify-resync",
	Short: "Ask running bot instances to resync the guild directory (postgres only)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType != "postgres" {
			log.Fatal("notify-resync requires database_type=postgres")
		}

		db, err := red.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error connecting to database: %v", err)
		}

		err = db.WithContext(ctx).Exec(
			"SELECT pg_notify(?, ?)",
			red.NotifyChannelResync,
			"cli",
		).Error
		if err != nil {
			log.Fatalf("Error sending resync notification: %v", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Sent resync notification.")
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(notifyResyncCmd)
}
