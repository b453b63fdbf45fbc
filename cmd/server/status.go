package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/sync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued work and recent sync passes from the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		stats, err := queue.New(s, cfg.Sync.DefaultMaxRetries).Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		fmt.Println("Sync queue:")
		fmt.Printf("  Pending:          %d\n", stats.Total)
		fmt.Printf("  Critical pending: %d\n", stats.Critical)
		fmt.Printf("  Parked:           %d\n", stats.Parked)

		lastSync := "never"
		if v, ok, err := s.GetMeta(ctx, sync.MetaLastSyncAt); err == nil && ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				lastSync = time.UnixMilli(ms).Format(time.RFC3339)
			}
		}
		fmt.Printf("  Last sync:        %s\n", lastSync)

		history, err := s.GetSyncHistory(ctx, 5, 0)
		if err != nil {
			return fmt.Errorf("failed to read sync history: %w", err)
		}
		if len(history) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Println("Recent passes:")
		for _, h := range history {
			fmt.Printf("  %s  %-10s %-22s synced=%d failed=%d conflicts=%d\n",
				h.StartedAt.Format(time.RFC3339), h.Trigger, h.Status, h.Synced, h.Failed, h.ConflictsDetected)
		}
		return nil
	},
}
