package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the pending sync queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List an owner's pending mutations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, _, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.Outbox().List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-6d %-7s %-12s %-20s attempts=%d", e.ID, e.Op, e.Kind, e.TargetID, e.Attempts)
			if e.LastError != "" {
				fmt.Printf(" last_error=%q", e.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

var outboxReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Discard undeliverable entries past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, _, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.Outbox().Reap(cmd.Context(), cfg.OutboxMaxAge, cfg.OutboxMaxAttempts)
		if err != nil {
			return err
		}
		fmt.Printf("Reaped %d entr(ies)\n", n)
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxReapCmd)
	rootCmd.AddCommand(outboxCmd)
}
