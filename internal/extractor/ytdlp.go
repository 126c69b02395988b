package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/logging"
)

// YTDLP drives the yt-dlp binary as the extraction backend.
type YTDLP struct {
	// BinaryPath overrides PATH lookup when set.
	BinaryPath string
	// ProxyURL and CookiesBrowser are forwarded verbatim (validated upstream).
	ProxyURL       string
	CookiesBrowser string
	ProbeTimeout   time.Duration
}

var _ Client = (*YTDLP)(nil)

var (
	progressRE = regexp.MustCompile(`(?P<percent>\d+(?:\.\d+)?)%`)
	totalRE    = regexp.MustCompile(`of\s+~?\s*(?P<size>[0-9.]+\s*[KMGT]?i?B)`)
)

// Available reports whether the yt-dlp binary can be found.
func (y *YTDLP) Available() bool {
	_, err := y.resolveBinary()
	return err == nil
}

func (y *YTDLP) resolveBinary() (string, error) {
	if y.BinaryPath != "" {
		if _, err := os.Stat(y.BinaryPath); err != nil {
			return "", fmt.Errorf("yt-dlp executable was not found at %s", y.BinaryPath)
		}
		return y.BinaryPath, nil
	}
	path, err := exec.LookPath("yt-dlp")
	if err != nil {
		return "", errors.New("yt-dlp executable was not found on PATH")
	}
	return path, nil
}

// probeInfo is the subset of yt-dlp's -J output the orchestrator reads.
type probeInfo struct {
	Title            string  `json:"title"`
	Thumbnail        string  `json:"thumbnail"`
	Duration         float64 `json:"duration"`
	Filesize         int64   `json:"filesize"`
	FilesizeApprox   int64   `json:"filesize_approx"`
	WebpageURLDomain string  `json:"webpage_url_domain"`
	Extractor        string  `json:"extractor_key"`
	Formats          []struct {
		Height         int    `json:"height"`
		Vcodec         string `json:"vcodec"`
		Filesize       int64  `json:"filesize"`
		FilesizeApprox int64  `json:"filesize_approx"`
	} `json:"formats"`
}

// Probe asks yt-dlp for metadata without downloading. Errors come back as
// *ProbeError so the retry engine can interpret them.
func (y *YTDLP) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	binary, err := y.resolveBinary()
	if err != nil {
		return nil, &ProbeError{Kind: ProbeUnsupportedSource, Err: err}
	}

	timeout := y.ProbeTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-J", "--no-playlist", "--no-warnings",
		"--retries", "0", "--extractor-retries", "0",
		"--socket-timeout", fmt.Sprintf("%d", int(timeout.Seconds()))}
	args = y.appendPassthrough(args)
	args = append(args, url)

	cmd := exec.CommandContext(probeCtx, binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, y.probeError(probeCtx, ctx, stderr.String(), err)
	}

	var info probeInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, &ProbeError{Kind: ProbeUnsupportedSource, Err: fmt.Errorf("unreadable probe output: %w", err)}
	}
	return buildProbeResult(&info, url), nil
}

func (y *YTDLP) probeError(probeCtx, parent context.Context, stderr string, err error) error {
	clean := SanitizeErrorText(stderr)
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		return &ProbeError{Kind: ProbeTimeout, Err: fmt.Errorf("probe timed out: %s", firstLine(clean))}
	}
	switch Classify(clean) {
	case KindPermanent, KindFormatUnavailable:
		return &ProbeError{Kind: ProbeUnsupportedSource, Err: errors.New(firstLine(clean))}
	case KindTransient:
		return &ProbeError{Kind: ProbeNetworkError, Err: errors.New(firstLine(clean))}
	}
	if clean == "" {
		clean = err.Error()
	}
	return &ProbeError{Kind: ProbeNetworkError, Err: errors.New(firstLine(clean))}
}

func buildProbeResult(info *probeInfo, url string) *ProbeResult {
	heights := map[int]bool{}
	var bestSize int64
	for _, fmtItem := range info.Formats {
		if fmtItem.Height > 0 && fmtItem.Vcodec != "" && fmtItem.Vcodec != "none" {
			heights[fmtItem.Height] = true
		}
		size := fmtItem.Filesize
		if size == 0 {
			size = fmtItem.FilesizeApprox
		}
		if size > bestSize {
			bestSize = size
		}
	}
	sorted := make([]int, 0, len(heights))
	for h := range heights {
		sorted = append(sorted, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	qualities := []string{BestQuality}
	for _, h := range sorted {
		qualities = append(qualities, fmt.Sprintf("%dp", h))
	}

	expected := info.Filesize
	if expected == 0 {
		expected = info.FilesizeApprox
	}
	if expected == 0 {
		expected = bestSize
	}

	label := info.WebpageURLDomain
	if label == "" {
		label = hostOf(url)
	}
	if label == "" && info.Extractor != "" && !strings.EqualFold(info.Extractor, "generic") {
		label = info.Extractor
	}

	return &ProbeResult{
		Title:             info.Title,
		Formats:           append([]string(nil), DefaultFormats...),
		Qualities:         qualities,
		ThumbnailURL:      info.Thumbnail,
		ExpectedSizeBytes: expected,
		DurationSeconds:   int64(info.Duration),
		SourceLabel:       label,
	}
}

// FormatSelector translates a format/quality choice into a yt-dlp -f selector
// plus any extra arguments (audio extraction, container merge).
func FormatSelector(format, quality string) (selector string, extraArgs []string) {
	choice := strings.ToLower(strings.TrimSpace(format))
	height := QualityHeight(quality)
	heightSel := ""
	if height > 0 {
		heightSel = fmt.Sprintf("[height<=%d]", height)
	}

	switch choice {
	case "audio":
		return "bestaudio", nil
	case "mp3":
		return "bestaudio", []string{"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0"}
	case "mp4":
		sel := fmt.Sprintf("bestvideo[ext=mp4]%s+bestaudio[ext=m4a]/best[ext=mp4]%s/best%s",
			heightSel, heightSel, heightSel)
		return sel, []string{"--merge-output-format", "mp4"}
	case "", AutoFormat, "video":
		return fmt.Sprintf("bestvideo%s+bestaudio/best%s/best", heightSel, heightSel), nil
	}
	// Explicit container/extension choice.
	return fmt.Sprintf("bestvideo[ext=%s]%s+bestaudio/best[ext=%s]%s", choice, heightSel, choice, heightSel), nil
}

func (y *YTDLP) appendPassthrough(args []string) []string {
	if y.ProxyURL != "" {
		args = append(args, "--proxy", y.ProxyURL)
	}
	if y.CookiesBrowser != "" {
		args = append(args, "--cookies-from-browser", y.CookiesBrowser)
	}
	return args
}

// Download runs one yt-dlp attempt for the job. Cancellation is observed at
// output-line boundaries: CommandContext kills the process tree and the call
// returns ctx.Err().
func (y *YTDLP) Download(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	binary, err := y.resolveBinary()
	if err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}

	selector, extra := FormatSelector(job.Format, job.Quality)
	args := []string{"--newline", "--no-playlist", "--no-warnings",
		"-f", selector, "-o", job.OutputPath}
	if job.Overwrite {
		args = append(args, "--force-overwrites")
	} else {
		args = append(args, "--no-overwrites")
	}
	if job.SpeedLimitBytes > 0 {
		args = append(args, "--limit-rate", fmt.Sprintf("%dK", maxInt64(1, job.SpeedLimitBytes/1024)))
	}
	args = y.appendPassthrough(args)
	args = append(args, extra...)
	args = append(args, job.URL)

	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}
	cmd.Stderr = cmd.Stdout // interleave; yt-dlp reports errors on stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}
	logging.Debug("extractor attempt started",
		zap.String("job", job.ID), zap.String("selector", selector))

	var (
		lastError         string
		outputPath        = job.OutputPath
		total             int64
		downloaded        int64
		alreadyDownloaded bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	for scanner.Scan() {
		clean := SanitizeErrorText(scanner.Text())
		if clean == "" {
			continue
		}
		lastError = clean
		lowered := strings.ToLower(clean)

		if strings.Contains(lowered, "has already been downloaded") {
			alreadyDownloaded = true
		}
		if path := parseDestination(clean); path != "" {
			outputPath = path
		}
		if m := totalRE.FindStringSubmatch(clean); m != nil {
			if parsed, err := humanize.ParseBytes(strings.ReplaceAll(m[1], " ", "")); err == nil {
				total = int64(parsed)
			}
		}
		if m := progressRE.FindStringSubmatch(clean); m != nil && progress != nil {
			percent := parsePercent(m[1])
			if total > 0 {
				downloaded = int64(percent / 100 * float64(total))
			}
			progress(Progress{Downloaded: downloaded, Total: total, Percent: percent})
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		msg := lastError
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, &DownloadError{Kind: Classify(msg), Msg: msg}
	}

	return &Result{
		OutputPath:        outputPath,
		AlreadyDownloaded: alreadyDownloaded,
		TotalBytes:        total,
		Elapsed:           time.Since(start),
	}, nil
}

// parseDestination pulls the output path out of yt-dlp's known status lines.
func parseDestination(line string) string {
	if idx := strings.Index(line, "Destination:"); idx != -1 {
		return strings.TrimSpace(line[idx+len("Destination:"):])
	}
	if idx := strings.Index(line, "Merging formats into"); idx != -1 {
		return strings.Trim(strings.TrimSpace(line[idx+len("Merging formats into"):]), `"`)
	}
	return ""
}

func parsePercent(s string) float64 {
	var p float64
	_, _ = fmt.Sscanf(s, "%f", &p)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return text
}

func hostOf(rawurl string) string {
	if idx := strings.Index(rawurl, "://"); idx != -1 {
		rest := rawurl[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			rest = rest[:slash]
		}
		return strings.TrimPrefix(strings.ToLower(rest), "www.")
	}
	return ""
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
