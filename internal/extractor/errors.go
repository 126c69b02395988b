package extractor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FailureKind classifies a download failure for the retry/fallback engine.
type FailureKind string

const (
	// KindTransient covers network timeouts, rate limits and partial writes;
	// worth retrying with the same parameters.
	KindTransient FailureKind = "transient"
	// KindFormatUnavailable means the requested format does not exist for
	// this URL; retrying the same selection cannot succeed.
	KindFormatUnavailable FailureKind = "format_unavailable"
	// KindQualityUnavailable means the requested quality tier does not exist.
	KindQualityUnavailable FailureKind = "quality_unavailable"
	// KindPermanent covers invalid URLs, access denied, removed content and
	// missing dependencies; retry and fallback are both pointless.
	KindPermanent FailureKind = "permanent"
	// KindUnknown is everything the token tables don't match. Treated as
	// permanent by the retry engine.
	KindUnknown FailureKind = "unknown"
)

// ProbeErrorKind classifies a failed probe.
type ProbeErrorKind string

const (
	ProbeTimeout           ProbeErrorKind = "probe_timeout"
	ProbeUnsupportedSource ProbeErrorKind = "probe_unsupported_source"
	ProbeNetworkError      ProbeErrorKind = "probe_network_error"
)

// ProbeError is a typed probe failure. The retry engine maps its kind onto a
// FailureKind to decide whether probing should be retried.
type ProbeError struct {
	Kind ProbeErrorKind
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// FailureKind maps a probe failure to the retry taxonomy.
func (e *ProbeError) FailureKind() FailureKind {
	switch e.Kind {
	case ProbeTimeout, ProbeNetworkError:
		return KindTransient
	case ProbeUnsupportedSource:
		return KindPermanent
	}
	return KindUnknown
}

// DownloadError is a classified failure from a download attempt.
type DownloadError struct {
	Kind FailureKind
	Msg  string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// ClassifyError extracts a FailureKind from any error, using wrapped typed
// errors when present and the token tables otherwise.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.FailureKind()
	}
	return Classify(err.Error())
}

// Token tables for classifying raw extractor output. Matched case-insensitively
// against the sanitized message; first table wins.
var (
	formatUnavailableTokens = []string{
		"requested format is not available",
		"requested format not available",
		"format not available",
		"no such format",
	}
	qualityUnavailableTokens = []string{
		"requested quality is not available",
		"no video formats found for the requested quality",
	}
	permanentTokens = []string{
		"unsupported url",
		"unsupported",
		"unable to extract",
		"private video",
		"members-only",
		"sign in",
		"login required",
		"geo",
		"not available in your country",
		"video unavailable",
		"has been removed",
		"permission denied",
		"access is denied",
		"no space left",
		"read-only file system",
		"ffmpeg not found",
		"yt-dlp executable was not found",
	}
	transientTokens = []string{
		"temporary",
		"temporarily",
		"timeout",
		"timed out",
		"connection reset",
		"connection aborted",
		"connection refused",
		"network is unreachable",
		"name resolution",
		"dns",
		"429",
		"too many requests",
		"rate limit",
		"try again later",
		"service unavailable",
		"partial write",
		"unexpected eof",
	}
)

// Classify maps raw extractor output to a FailureKind.
func Classify(message string) FailureKind {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return KindUnknown
	}
	for _, token := range formatUnavailableTokens {
		if strings.Contains(text, token) {
			return KindFormatUnavailable
		}
	}
	for _, token := range qualityUnavailableTokens {
		if strings.Contains(text, token) {
			return KindQualityUnavailable
		}
	}
	for _, token := range permanentTokens {
		if strings.Contains(text, token) {
			return KindPermanent
		}
	}
	for _, token := range transientTokens {
		if strings.Contains(text, token) {
			return KindTransient
		}
	}
	return KindUnknown
}

var (
	ansiEscapeRE  = regexp.MustCompile(`\x1B\[[0-?]*[ -/]*[@-~]`)
	controlCharRE = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// SanitizeErrorText strips ANSI escapes and control characters from extractor
// output so messages are safe for logs and history records.
func SanitizeErrorText(text string) string {
	if text == "" {
		return ""
	}
	clean := ansiEscapeRE.ReplaceAllString(text, "")
	clean = controlCharRE.ReplaceAllString(clean, "")
	clean = strings.ReplaceAll(clean, "\r", "\n")
	for strings.Contains(clean, "\n\n\n") {
		clean = strings.ReplaceAll(clean, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(clean)
}
