package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/history"
)

var flagHistoryLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished downloads",
	RunE:  runHistoryList,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all history records and orphaned partial files",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(config.GetHistoryPath())
		if err != nil {
			return err
		}
		defer store.Close()
		maxAge := 48 * time.Hour
		if settings, err := config.LoadSettings(); err == nil {
			maxAge = settings.General.StalePartMaxAge
		}
		removed := removeStaleParts(store, maxAge)
		if err := store.Clear(); err != nil {
			return err
		}
		msg := "History cleared"
		if removed > 0 {
			msg += fmt.Sprintf(", %d partial file(s) removed", removed)
		}
		fmt.Println(headerStyle.Render(msg))
		return nil
	},
}

// removeStaleParts deletes working files left behind by records that never
// completed, once they are older than maxAge (<= 0 removes regardless of
// age). Best-effort; the paths may have moved since.
func removeStaleParts(store *history.Store, maxAge time.Duration) int {
	paths, err := store.UnfinishedPaths()
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range paths {
		for _, candidate := range []string{path + extractor.IncompleteSuffix, path + ".ytdl"} {
			if maxAge > 0 {
				info, err := os.Stat(candidate)
				if err != nil || time.Since(info.ModTime()) < maxAge {
					continue
				}
			}
			if err := os.Remove(candidate); err == nil {
				removed++
			}
		}
	}
	return removed
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of records to show")
	historyCmd.AddCommand(historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := history.Open(config.GetHistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(flagHistoryLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println(faintStyle.Render("No history yet."))
		return nil
	}

	for _, rec := range records {
		name := rec.Title
		if name == "" {
			name = rec.URL
		}
		switch rec.State {
		case "completed":
			size := ""
			if rec.SizeBytes > 0 {
				size = " (" + humanize.Bytes(uint64(rec.SizeBytes)) + ")"
			}
			fmt.Println(successStyle.Render("✔ " + name + size))
			if rec.OutputPath != "" {
				detail := rec.OutputPath
				if rec.ContentType != "" {
					detail += "  [" + rec.ContentType + "]"
				}
				fmt.Println(faintStyle.Render("    " + detail))
			}
		case "failed":
			fmt.Println(errorStyle.Render("✘ " + name))
			fmt.Println(faintStyle.Render("    " + rec.ErrorKind + ": " + rec.Error))
		default:
			fmt.Println(warnStyle.Render("− " + name + " (" + rec.State + ")"))
			if rec.Error != "" {
				fmt.Println(faintStyle.Render("    " + rec.Error))
			}
		}
		fmt.Println(faintStyle.Render("    " + humanize.Time(rec.FinishedAt)))
	}
	return nil
}
