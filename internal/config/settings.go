package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General   GeneralSettings   `json:"general"`
	Queue     QueueSettings     `json:"queue"`
	Retry     RetrySettings     `json:"retry"`
	Extractor ExtractorSettings `json:"extractor"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DownloadDir         string        `json:"download_dir"`
	ClipboardMonitor    bool          `json:"clipboard_monitor"`
	KeepPartialOnCancel bool          `json:"keep_partial_on_cancel"`
	DisableHistory      bool          `json:"disable_history"`
	LogLevel            string        `json:"log_level"`
	LogFile             string        `json:"log_file"`
	StalePartMaxAge     time.Duration `json:"stale_part_max_age"`
}

// QueueSettings contains queue orchestration parameters.
type QueueSettings struct {
	MaxConcurrent          int           `json:"max_concurrent"`
	AdaptiveConcurrency    bool          `json:"adaptive_concurrency"`
	ConflictPolicy         string        `json:"conflict_policy"` // skip, overwrite, rename, prompt
	DecisionTimeout        time.Duration `json:"decision_timeout"`
	AllowBatch             bool          `json:"allow_batch"`
	MaxBatchLines          int           `json:"max_batch_lines"`
	EnableFallbackForBatch bool          `json:"enable_fallback_for_batch"`
	SpeedLimitBytesPerSec  int64         `json:"speed_limit_bytes_per_sec"` // 0 = unlimited
}

// RetrySettings contains the retry/fallback profile.
type RetrySettings struct {
	Profile           string        `json:"profile"` // off, basic, aggressive
	MaxAttempts       int           `json:"max_attempts"`
	MaxFallbackDepth  int           `json:"max_fallback_depth"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	BackoffCeiling    time.Duration `json:"backoff_ceiling"`
}

// ExtractorSettings contains options forwarded to the external extractor.
type ExtractorSettings struct {
	YTDLPPath              string        `json:"ytdlp_path"` // empty = look up on PATH
	ProxyURL               string        `json:"proxy_url"`
	CookiesFromBrowser     string        `json:"cookies_from_browser"`
	ProbeTimeout           time.Duration `json:"probe_timeout"`
	DisableMetadataFetch   bool          `json:"disable_metadata_fetch"`
	FallbackDirectDownload bool          `json:"fallback_direct_download"`
}

// cookieBrowsers is the fixed set of browser names yt-dlp accepts for
// --cookies-from-browser. The orchestrator validates the name and forwards it
// without interpreting cookie contents.
var cookieBrowsers = map[string]bool{
	"brave":    true,
	"chrome":   true,
	"chromium": true,
	"edge":     true,
	"firefox":  true,
	"opera":    true,
	"safari":   true,
	"vivaldi":  true,
}

// ValidCookieBrowser reports whether name is an accepted browser source.
// The empty string means "no cookies" and is valid.
func ValidCookieBrowser(name string) bool {
	if strings.TrimSpace(name) == "" {
		return true
	}
	return cookieBrowsers[strings.ToLower(strings.TrimSpace(name))]
}

// ValidateProxyURL checks the scheme://[user:pass@]host:port shape before the
// value is forwarded to the extractor. Empty means no proxy.
func ValidateProxyURL(raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("proxy URL %q has no host", value)
	}
	if parsed.Port() == "" {
		return fmt.Errorf("proxy URL %q has no port", value)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("proxy URL %q must not have a path", value)
	}
	return nil
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DownloadDir:         defaultDir,
			ClipboardMonitor:    false,
			KeepPartialOnCancel: false,
			DisableHistory:      false,
			LogLevel:            "info",
			StalePartMaxAge:     48 * time.Hour,
		},
		Queue: QueueSettings{
			MaxConcurrent:          3,
			AdaptiveConcurrency:    true,
			ConflictPolicy:         "skip",
			DecisionTimeout:        2 * time.Minute,
			AllowBatch:             true,
			MaxBatchLines:          200,
			EnableFallbackForBatch: true,
			SpeedLimitBytesPerSec:  0,
		},
		Retry: RetrySettings{
			Profile:           "basic",
			MaxAttempts:       3,
			MaxFallbackDepth:  2,
			BackoffBase:       500 * time.Millisecond,
			BackoffMultiplier: 2.0,
			BackoffCeiling:    30 * time.Second,
		},
		Extractor: ExtractorSettings{
			ProbeTimeout:           20 * time.Second,
			FallbackDirectDownload: true,
		},
	}
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if the file doesn't
// exist. Missing fields keep their default values.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// Validate checks cross-field constraints that JSON decoding can't express.
func (s *Settings) Validate() error {
	if s.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be >= 1, got %d", s.Queue.MaxConcurrent)
	}
	if s.Queue.MaxBatchLines < 1 {
		return fmt.Errorf("queue.max_batch_lines must be >= 1, got %d", s.Queue.MaxBatchLines)
	}
	if s.Retry.MaxAttempts < 0 || s.Retry.MaxFallbackDepth < 0 {
		return fmt.Errorf("retry limits must be non-negative")
	}
	if s.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %v", s.Retry.BackoffMultiplier)
	}
	if err := ValidateProxyURL(s.Extractor.ProxyURL); err != nil {
		return err
	}
	if !ValidCookieBrowser(s.Extractor.CookiesFromBrowser) {
		return fmt.Errorf("unknown cookies_from_browser %q", s.Extractor.CookiesFromBrowser)
	}
	switch strings.ToLower(s.Queue.ConflictPolicy) {
	case "skip", "overwrite", "rename", "prompt":
	default:
		return fmt.Errorf("unknown conflict_policy %q", s.Queue.ConflictPolicy)
	}
	return nil
}
