package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/intake"
	"github.com/mediacrate/mediacrate/internal/logging"
	"github.com/mediacrate/mediacrate/internal/pool"
	"github.com/mediacrate/mediacrate/internal/thumbs"
)

var (
	flagProbeParallel int
	flagProbeThumbs   bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>...",
	Short: "Show available formats and qualities without downloading",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().IntVar(&flagProbeParallel, "parallel", 4, "concurrent probes")
	probeCmd.Flags().BoolVar(&flagProbeThumbs, "thumbnails", false, "fetch thumbnails into the local cache")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := logging.Init(settings.General.LogLevel, settings.General.LogFile); err != nil {
		return err
	}
	defer logging.Sync()

	var urls []string
	for _, raw := range args {
		if !intake.ValidateURL(raw) {
			fmt.Println(warnStyle.Render("  ignoring invalid URL: " + raw))
			continue
		}
		urls = append(urls, intake.CoerceHTTPURL(raw))
	}
	if len(urls) == 0 {
		return fmt.Errorf("no valid URLs to probe")
	}

	controller := pool.New(settings.Queue.MaxConcurrent, false, 0)
	client := buildClient(settings, controller)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	results, failures := extractor.ProbeBatch(ctx, client, urls, flagProbeParallel)

	var cache *thumbs.Cache
	if flagProbeThumbs {
		cache = thumbs.New(config.GetThumbsDir(), 0)
	}

	for _, url := range urls {
		if err, failed := failures[url]; failed {
			fmt.Println(errorStyle.Render("✘ " + url))
			fmt.Println(faintStyle.Render("    " + err.Error()))
			continue
		}
		res := results[url]
		printProbeResult(url, res)
		if cache != nil && res.ThumbnailURL != "" {
			if path, err := cache.Fetch(ctx, res.ThumbnailURL); err == nil {
				fmt.Println(faintStyle.Render("    thumbnail: " + path))
			}
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d probes failed", len(failures), len(urls))
	}
	return nil
}

func printProbeResult(url string, res *extractor.ProbeResult) {
	title := res.Title
	if title == "" {
		title = url
	}
	fmt.Println(headerStyle.Render("• " + title))
	if res.SourceLabel != "" {
		fmt.Println(faintStyle.Render("    source:    " + res.SourceLabel))
	}
	if res.DurationSeconds > 0 {
		fmt.Println(faintStyle.Render("    duration:  " + (time.Duration(res.DurationSeconds) * time.Second).String()))
	}
	if res.ExpectedSizeBytes > 0 {
		fmt.Println(faintStyle.Render("    size:      ~" + humanize.Bytes(uint64(res.ExpectedSizeBytes))))
	}
	fmt.Println(faintStyle.Render("    formats:   " + strings.Join(res.Formats, ", ")))
	fmt.Println(faintStyle.Render("    qualities: " + strings.Join(res.Qualities, ", ")))
}
