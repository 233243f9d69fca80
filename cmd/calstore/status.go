package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"calstore/internal/cache"
	"calstore/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database, outbox, and metrics summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, _, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		fmt.Printf("Database: %s\n", cfg.DBPath)

		counts := map[string]string{
			"events":  `SELECT COUNT(*) FROM events WHERE is_deleted = 0`,
			"deleted": `SELECT COUNT(*) FROM events WHERE is_deleted = 1`,
			"outbox":  `SELECT COUNT(*) FROM outbox`,
			"backups": `SELECT COUNT(*) FROM backups`,
			"cache":   `SELECT COUNT(*) FROM query_cache`,
		}
		for _, name := range []string{"events", "deleted", "outbox", "backups", "cache"} {
			var n int
			if err := db.RawDB().QueryRowContext(ctx, counts[name]).Scan(&n); err != nil {
				return fmt.Errorf("failed to count %s: %w", name, err)
			}
			fmt.Printf("  %-8s %d\n", name, n)
		}

		stats, err := metrics.New(db.RawDB()).Stats(ctx)
		if err != nil {
			return err
		}
		if len(stats) > 0 {
			fmt.Println("Operations:")
			for _, s := range stats {
				fmt.Printf("  %-24s count=%-6d avg=%-12s max=%s\n",
					s.Operation, s.Count, s.AvgDuration, s.MaxDuration)
			}
		}
		return nil
	},
}

var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Suggest indexes for slow, frequent query shapes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, _, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := cache.NewAdvisor(metrics.New(db.RawDB())).Analyze(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Analyzed %d operation(s)\n", report.Analyzed)
		if len(report.Suggestions) == 0 {
			fmt.Println("No index suggestions.")
			return nil
		}
		for _, s := range report.Suggestions {
			fmt.Printf("\n%s (count=%d avg=%s)\n  %s\n", s.Operation, s.Count, s.AvgDuration, s.DDL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(adviseCmd)
}
