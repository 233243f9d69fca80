package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"calstore/internal/bulk"
	"calstore/internal/metrics"
)

var (
	importOwner string
	importSkip  bool
	importBatch int
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Bulk import and tuning",
}

var bulkImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import events from a JSON array of rows",
	Long: `Import events from a JSON file containing an array of objects
with title, start_time, and optional description, location, end_time,
all_day, and category_id fields.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importOwner == "" {
			return fmt.Errorf("--owner is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("failed to parse import file: %w", err)
		}

		db, cfg, log, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		batch := importBatch
		if batch <= 0 {
			batch = cfg.BatchSize
		}
		engine := bulk.New(db, metrics.New(db.RawDB()), log)
		result, err := engine.BulkImport(cmd.Context(), rows, nil, bulk.ImportOptions{
			Options:        bulk.Options{BatchSize: batch},
			OwnerID:        importOwner,
			SkipDuplicates: importSkip,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Imported %d, failed %d, skipped %d in %s\n",
			result.Success, result.Failed, result.Skipped, result.Duration)
		for _, ie := range result.Errors {
			fmt.Printf("  row %d: %v\n", ie.Index, ie.Err)
		}
		return nil
	},
}

var bulkCalibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure bulk throughput and pick a batch size",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, log, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		engine := bulk.New(db, metrics.New(db.RawDB()), log)
		best, results, err := engine.Calibrate(cmd.Context(), nil, 0)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("  batch=%-4d total=%-12s per-item=%s\n", r.BatchSize, r.Total, r.PerItem)
		}
		fmt.Printf("Best batch size: %d\n", best)
		return nil
	},
}

func init() {
	bulkImportCmd.Flags().StringVar(&importOwner, "owner", "", "owner to import under (required)")
	bulkImportCmd.Flags().BoolVar(&importSkip, "skip-duplicates", true, "skip rows matching existing events")
	bulkImportCmd.Flags().IntVar(&importBatch, "batch-size", 0, "items per transaction (default from config)")

	bulkCmd.AddCommand(bulkImportCmd)
	bulkCmd.AddCommand(bulkCalibrateCmd)
	rootCmd.AddCommand(bulkCmd)
}
