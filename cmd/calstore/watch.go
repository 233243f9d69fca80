package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"calstore/internal/backup"
	"calstore/internal/metrics"
)

var watchStrict bool

var watchCmd = &cobra.Command{
	Use:   "import-watch",
	Short: "Watch the import directory and restore dropped backup files",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, log, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := os.MkdirAll(cfg.ImportDir, 0755); err != nil {
			return fmt.Errorf("failed to create import directory: %w", err)
		}

		mgr := backup.NewManager(db, metrics.New(db.RawDB()), log, cfg.BackupDir, cfg.BackupKeep)
		// Merge mode keeps a re-dropped file from duplicating records.
		watcher := backup.NewImportWatcher(mgr, backup.WatcherConfig{
			Dir:     cfg.ImportDir,
			Restore: backup.RestoreOptions{Mode: backup.ModeMerge, Strict: watchStrict},
		}, log)

		if err := watcher.Start(cmd.Context()); err != nil {
			return err
		}
		defer watcher.Stop()

		fmt.Printf("Watching %s, drop *.backup.json files to restore. Ctrl-C to stop.\n", cfg.ImportDir)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
		case <-cmd.Context().Done():
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchStrict, "strict", false, "refuse restores on checksum mismatch")
	rootCmd.AddCommand(watchCmd)
}
