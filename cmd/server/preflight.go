package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(purgeCmd)
}

var preflightCmd = &cobra.Command{
	Use:   "preflight <excursion-id>",
	Short: "Download and cache an excursion for offline use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.loader.Load(cmd.Context(), args[0], func(phase string, pct int) {
			fmt.Printf("  [%3d%%] %s\n", pct, phase)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Cached %s: %d students, %d checkpoints, %d tasks\n", res.ExcursionID, res.Students, res.Checkpoints, res.Tasks)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <excursion-id>",
	Short: "Remove an excursion's cached roster, checkpoints and tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.loader.Clear(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Purged cache for %s\n", args[0])
		return nil
	},
}
