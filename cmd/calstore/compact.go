package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"calstore/internal/cache"
	"calstore/internal/store"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Purge expired tombstones, cache entries, and dead outbox items",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, log, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		result, err := db.Compact(ctx, store.SweepOptions{
			DeletedMaxAge:     cfg.DeletedMaxAge,
			OutboxMaxAge:      cfg.OutboxMaxAge,
			OutboxMaxAttempts: cfg.OutboxMaxAttempts,
		})
		if err != nil {
			return err
		}

		purged, err := cache.New(db.RawDB(), log).PurgeExpired(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Purged %d deleted event(s), reaped %d outbox entr(ies), dropped %d cache entr(ies)\n",
			result.EventsPurged, result.OutboxReaped, purged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
