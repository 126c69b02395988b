// Package extractor is the boundary to the external media-extraction backend.
// The orchestrator treats it as a black box: probe a URL for formats and
// qualities, then download a selection to a path with progress callbacks and
// cooperative cancellation.
package extractor

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// BestQuality is the sentinel quality meaning "resolve best available".
const BestQuality = "best"

// AutoFormat is the sentinel format meaning "resolve best available".
const AutoFormat = "auto"

// DefaultFormats are always offered even before a successful probe.
var DefaultFormats = []string{"video", "audio", "mp4", "mp3"}

// IncompleteSuffix marks a working file that has not been finalized yet.
const IncompleteSuffix = ".part"

// ProbeResult is the session-cached answer for one URL.
type ProbeResult struct {
	Title             string
	Formats           []string // requested-format choices, best first
	Qualities         []string // quality tiers, best first ("best", "1080p", ...)
	ThumbnailURL      string
	ExpectedSizeBytes int64 // 0 when unknown
	DurationSeconds   int64
	SourceLabel       string // host or extractor name, for display/history
}

// Job carries everything the extractor needs for one download attempt.
type Job struct {
	ID              string
	URL             string
	Format          string
	Quality         string
	OutputPath      string
	Overwrite       bool
	SpeedLimitBytes int64 // per-job budget, 0 = unlimited
	ProxyURL        string
	CookiesBrowser  string
}

// Progress is one callback payload during a transfer.
type Progress struct {
	Downloaded int64
	Total      int64
	Percent    float64
}

// ProgressFunc receives transfer progress. Called from the downloading
// goroutine; implementations must be fast and must not block.
type ProgressFunc func(Progress)

// Result is the outcome of a finished (non-error) download attempt.
type Result struct {
	OutputPath        string
	AlreadyDownloaded bool
	TotalBytes        int64
	Elapsed           time.Duration
}

// Client is the extractor contract the queue manager depends on.
type Client interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	Download(ctx context.Context, job Job, progress ProgressFunc) (*Result, error)
}

// QualityHeight parses a "720p"-style tier into its pixel height. Best-quality
// sentinels return 0.
func QualityHeight(quality string) int {
	cleaned := strings.ToLower(strings.TrimSpace(quality))
	if cleaned == "" || cleaned == "best" || cleaned == "best quality" {
		return 0
	}
	cleaned = strings.TrimSuffix(cleaned, "p")
	height, err := strconv.Atoi(cleaned)
	if err != nil || height < 0 {
		return 0
	}
	return height
}

// DegradeSelection returns the next lower selection for a fallback attempt:
// first the next quality tier down, then the next format in the probe's list.
// ok is false when nothing lower exists.
func DegradeSelection(res *ProbeResult, format, quality string) (newFormat, newQuality string, ok bool) {
	qualities := DefaultQualities(res)
	formats := DefaultFormatList(res)

	qi := indexFold(qualities, quality)
	if qi >= 0 && qi+1 < len(qualities) {
		return format, qualities[qi+1], true
	}

	fi := indexFold(formats, format)
	if fi >= 0 && fi+1 < len(formats) {
		// Reset to the best tier for the degraded format.
		best := BestQuality
		if len(qualities) > 0 {
			best = qualities[0]
		}
		return formats[fi+1], best, true
	}
	return format, quality, false
}

// DefaultQualities returns the probe's quality tiers, or the single best tier
// when the probe is missing or empty.
func DefaultQualities(res *ProbeResult) []string {
	if res != nil && len(res.Qualities) > 0 {
		return res.Qualities
	}
	return []string{BestQuality}
}

// DefaultFormatList returns the probe's formats, or the static defaults.
func DefaultFormatList(res *ProbeResult) []string {
	if res != nil && len(res.Formats) > 0 {
		return res.Formats
	}
	return DefaultFormats
}

func indexFold(list []string, value string) int {
	for i, item := range list {
		if strings.EqualFold(item, value) {
			return i
		}
	}
	return -1
}
