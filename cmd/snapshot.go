package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/queue"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the saved queue snapshot for transfer to another machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := queue.LoadSnapshotFile(config.GetSnapshotPath())
		if err != nil {
			return err
		}
		data, err := queue.MarshalSnapshot(snap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0644); err != nil {
			return err
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("Exported %d item(s) to %s", len(snap.Items), args[0])))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a queue snapshot, replacing the saved queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		snap, err := queue.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, it := range snap.Items {
			if seen[it.ID] {
				return fmt.Errorf("snapshot has duplicate item id %q", it.ID)
			}
			seen[it.ID] = true
		}
		if err := config.EnsureDirs(); err != nil {
			return err
		}
		out, err := queue.MarshalSnapshot(snap)
		if err != nil {
			return err
		}
		tmp := config.GetSnapshotPath() + ".tmp"
		if err := os.WriteFile(tmp, out, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, config.GetSnapshotPath()); err != nil {
			return err
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("Imported %d item(s); they will be picked up on the next run", len(snap.Items))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
