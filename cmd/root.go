package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/events"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/history"
	"github.com/mediacrate/mediacrate/internal/intake"
	"github.com/mediacrate/mediacrate/internal/logging"
	"github.com/mediacrate/mediacrate/internal/pool"
	"github.com/mediacrate/mediacrate/internal/queue"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	flagBatchFile      string
	flagFormat         string
	flagQuality        string
	flagOutputDir      string
	flagMaxConcurrent  int
	flagSpeedLimit     string
	flagConflictPolicy string
	flagRetryProfile   string
	flagProxy          string
	flagCookiesBrowser string
	flagWatchClipboard bool
	flagNoHistory      bool
	flagNoResume       bool
)

var rootCmd = &cobra.Command{
	Use:   "mediacrate [url]...",
	Short: "A download queue orchestrator for media URLs",
	Long: `MediaCrate queues media URLs, resolves available formats and qualities
through yt-dlp, and downloads them under bounded concurrency with retry,
fallback and conflict policies.`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runQueue,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mediacrate %s (built %s)\n", Version, BuildTime))

	flags := rootCmd.Flags()
	flags.StringVarP(&flagBatchFile, "batch", "b", "", "file with one URL per line")
	flags.StringVarP(&flagFormat, "format", "f", "", "requested format (auto, video, audio, mp4, mp3)")
	flags.StringVarP(&flagQuality, "quality", "q", "", "requested quality (best, 1080p, 720p, ...)")
	flags.StringVarP(&flagOutputDir, "output-dir", "o", "", "download directory")
	flags.IntVarP(&flagMaxConcurrent, "max-concurrent", "c", 0, "maximum parallel downloads")
	flags.StringVar(&flagSpeedLimit, "speed-limit", "", "global speed limit, e.g. 2MB or 500KB")
	flags.StringVar(&flagConflictPolicy, "conflict", "", "existing-file policy: skip, overwrite, rename, prompt")
	flags.StringVar(&flagRetryProfile, "retry-profile", "", "retry profile: off, basic, aggressive")
	flags.StringVar(&flagProxy, "proxy", "", "proxy URL forwarded to the extractor")
	flags.StringVar(&flagCookiesBrowser, "cookies-from-browser", "", "browser to read cookies from")
	flags.BoolVarP(&flagWatchClipboard, "watch-clipboard", "w", false, "keep running and queue URLs copied to the clipboard")
	flags.BoolVar(&flagNoHistory, "no-history", false, "do not record finished downloads")
	flags.BoolVar(&flagNoResume, "no-resume", false, "discard the previous session's queue")
}

// loadSettings merges flag overrides into the persisted settings.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if flagOutputDir != "" {
		settings.General.DownloadDir = flagOutputDir
	}
	if flagMaxConcurrent > 0 {
		settings.Queue.MaxConcurrent = flagMaxConcurrent
	}
	if flagConflictPolicy != "" {
		settings.Queue.ConflictPolicy = flagConflictPolicy
	}
	if flagRetryProfile != "" {
		settings.Retry.Profile = flagRetryProfile
	}
	if flagProxy != "" {
		settings.Extractor.ProxyURL = flagProxy
	}
	if flagCookiesBrowser != "" {
		settings.Extractor.CookiesFromBrowser = flagCookiesBrowser
	}
	if flagNoHistory {
		settings.General.DisableHistory = true
	}
	if flagSpeedLimit != "" {
		limit, err := humanize.ParseBytes(flagSpeedLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid --speed-limit %q: %w", flagSpeedLimit, err)
		}
		settings.Queue.SpeedLimitBytesPerSec = int64(limit)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// buildClient assembles the extractor chain: yt-dlp, the direct-HTTP
// fallback, and the session probe cache keyed by normalized URL.
func buildClient(settings *config.Settings, controller *pool.Controller) extractor.Client {
	ytdlp := &extractor.YTDLP{
		BinaryPath:     settings.Extractor.YTDLPPath,
		ProxyURL:       settings.Extractor.ProxyURL,
		CookiesBrowser: settings.Extractor.CookiesFromBrowser,
		ProbeTimeout:   settings.Extractor.ProbeTimeout,
	}
	var client extractor.Client = ytdlp
	if settings.Extractor.FallbackDirectDownload {
		direct := &extractor.Direct{
			Limiter: controller.Limiter(),
			Timeout: settings.Extractor.ProbeTimeout,
		}
		client = extractor.NewFallbackClient(ytdlp, direct)
	}
	return extractor.NewCachingClient(client, extractor.NewCache(), intake.Normalize)
}

func runQueue(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := logging.Init(settings.General.LogLevel, settings.General.LogFile); err != nil {
		return err
	}
	defer logging.Sync()
	if err := config.EnsureDirs(); err != nil {
		return err
	}

	// One queue per machine; a second instance would fight over the snapshot.
	lock := flock.New(config.GetLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another mediacrate instance is already running")
	}
	defer lock.Unlock()

	controller := pool.New(settings.Queue.MaxConcurrent, settings.Queue.AdaptiveConcurrency,
		settings.Queue.SpeedLimitBytesPerSec)
	client := buildClient(settings, controller)

	var store *history.Store
	if !settings.General.DisableHistory {
		store, err = history.Open(config.GetHistoryPath())
		if err != nil {
			// History is best-effort; the queue runs without it.
			logging.Warn("history disabled", zap.Error(err))
		} else {
			defer store.Close()
		}
	}

	mgr := queue.New(queue.Options{
		Settings:     settings,
		Client:       client,
		Pool:         controller,
		History:      store,
		SnapshotPath: config.GetSnapshotPath(),
	})
	defer mgr.Close()

	if restored := restoreSession(mgr); restored > 0 {
		fmt.Println(infoStyle.Render(fmt.Sprintf("Recovered %d item(s) from the previous session", restored)))
	}

	text, err := gatherInput(args)
	if err != nil {
		return err
	}
	if text != "" {
		printAddResults(mgr.Add(text, queue.AddOptions{Format: flagFormat, Quality: flagQuality}))
	}

	hasWork := false
	for _, it := range mgr.Items() {
		if !it.State.Terminal() {
			hasWork = true
			break
		}
	}
	if !hasWork && !flagWatchClipboard {
		return cmd.Help()
	}

	if err := mgr.StartAll(); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	if flagWatchClipboard {
		go watchClipboard(mgr, interrupt)
	}

	return consumeEvents(mgr, interrupt)
}

// restoreSession loads the previous snapshot from disk, demoting states that
// cannot survive a restart. --no-resume starts clean.
func restoreSession(mgr *queue.Manager) int {
	if flagNoResume {
		return 0
	}
	snap, err := queue.LoadSnapshotFile(config.GetSnapshotPath())
	if err != nil {
		logging.Warn("snapshot restore failed", zap.Error(err))
		return 0
	}
	if len(snap.Items) == 0 {
		return 0
	}
	if err := mgr.ImportSnapshot(snap); err != nil {
		logging.Warn("snapshot import failed", zap.Error(err))
		return 0
	}
	return mgr.Normalize()
}

// gatherInput merges URL arguments with the optional batch file.
func gatherInput(args []string) (string, error) {
	lines := append([]string(nil), args...)
	if flagBatchFile != "" {
		data, err := os.ReadFile(flagBatchFile)
		if err != nil {
			return "", fmt.Errorf("read batch file: %w", err)
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n"), nil
}

func printAddResults(results []queue.AddResult) {
	added, dups, invalid := 0, 0, 0
	for _, res := range results {
		switch {
		case res.Added:
			added++
		case res.Invalid:
			invalid++
			fmt.Println(warnStyle.Render("  ignoring: " + res.RawURL + " (" + res.Reason + ")"))
		default:
			dups++
			fmt.Println(warnStyle.Render("  duplicate: " + res.RawURL))
		}
	}
	summary := fmt.Sprintf("Queued %d URL(s)", added)
	if dups > 0 {
		summary += fmt.Sprintf(", %d duplicate(s)", dups)
	}
	if invalid > 0 {
		summary += fmt.Sprintf(", %d invalid", invalid)
	}
	fmt.Println(headerStyle.Render(summary))
}

// watchClipboard polls the system clipboard and queues any URL it has not
// seen yet.
func watchClipboard(mgr *queue.Manager, stop <-chan os.Signal) {
	last := ""
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		text, err := clipboard.ReadAll()
		if err != nil || text == last {
			continue
		}
		last = text
		if !intake.ValidateURL(strings.TrimSpace(text)) {
			continue
		}
		results := mgr.Add(text, queue.AddOptions{Format: flagFormat, Quality: flagQuality})
		if len(results) > 0 && results[0].Added {
			fmt.Println(infoStyle.Render("Clipboard: queued " + strings.TrimSpace(text)))
			mgr.StartAll()
		}
	}
}

// consumeEvents renders the queue's event stream until it drains or the user
// interrupts.
func consumeEvents(mgr *queue.Manager, interrupt <-chan os.Signal) error {
	lastPercent := map[string]int{}
	for {
		select {
		case <-interrupt:
			fmt.Println()
			fmt.Println(warnStyle.Render("Interrupted, stopping queue..."))
			mgr.StopAll()
			return nil
		case ev := <-mgr.Events():
			switch e := ev.(type) {
			case events.ItemStarted:
				fmt.Println(infoStyle.Render("▶ " + displayName(mgr, e.ID)))
			case events.ItemProgress:
				// Print at 25% steps to keep headless output readable.
				step := int(e.Percent) / 25
				if step > lastPercent[e.ID] && e.Percent < 100 {
					lastPercent[e.ID] = step
					fmt.Printf("  %s %3.0f%% of %s\n", displayName(mgr, e.ID), e.Percent, humanize.Bytes(uint64(e.Total)))
				}
			case events.ItemRetrying:
				fmt.Println(warnStyle.Render(fmt.Sprintf("↻ retry %d in %s: %s", e.Attempt+1, e.Delay.Round(time.Millisecond), displayName(mgr, e.ID))))
			case events.ItemFallback:
				fmt.Println(warnStyle.Render(fmt.Sprintf("↓ falling back to %s/%s: %s", e.Format, e.Quality, displayName(mgr, e.ID))))
			case events.ItemCompleted:
				fmt.Println(successStyle.Render(fmt.Sprintf("✔ %s (%s in %s)",
					e.OutputPath, humanize.Bytes(uint64(e.Total)), e.Elapsed.Round(time.Second))))
			case events.ItemFailed:
				fmt.Println(errorStyle.Render(fmt.Sprintf("✘ %s: %s (%s)", displayName(mgr, e.ID), e.Err, e.Kind)))
			case events.ItemSkipped:
				fmt.Println(warnStyle.Render(fmt.Sprintf("− skipped %s: %s", displayName(mgr, e.ID), e.Reason)))
			case events.ItemCancelled:
				fmt.Println(warnStyle.Render("□ cancelled " + displayName(mgr, e.ID)))
			case events.DecisionRequired:
				fmt.Println(warnStyle.Render(fmt.Sprintf(
					"? %s already exists; waiting until %s for a decision (skipped after that)",
					e.ExistingPath, e.Deadline.Format(time.Kitchen))))
			case events.ConcurrencyChanged:
				fmt.Println(infoStyle.Render(fmt.Sprintf("≈ concurrency now %d/%d (%s)", e.Effective, e.Max, e.Reason)))
			case events.QueueDrained:
				printDrainSummary(e)
				if !flagWatchClipboard {
					return nil
				}
			}
		}
	}
}

func displayName(mgr *queue.Manager, id string) string {
	if it, ok := mgr.Get(id); ok {
		if it.Title != "" {
			return it.Title
		}
		return it.SourceURL
	}
	return id
}

func printDrainSummary(e events.QueueDrained) {
	fmt.Println()
	fmt.Println(headerStyle.Render("Queue finished"))
	fmt.Println(successStyle.Render(fmt.Sprintf("  completed: %d", e.Completed)))
	if e.Failed > 0 {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  failed:    %d", e.Failed)))
	}
	if e.Skipped > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  skipped:   %d", e.Skipped)))
	}
	if e.Cancelled > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  cancelled: %d", e.Cancelled)))
	}
}
