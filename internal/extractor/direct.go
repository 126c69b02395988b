package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/mediacrate/mediacrate/internal/logging"
)

const directChunkSize = 256 * 1024

// Direct is a plain single-connection HTTP downloader used when the media
// backend cannot handle a URL but the URL itself serves the file. It writes
// to a .part working file and renames on completion.
type Direct struct {
	// Limiter is a shared byte budget across concurrent transfers. Nil means
	// unlimited.
	Limiter *rate.Limiter

	Timeout time.Duration
}

var _ Client = (*Direct)(nil)

// Probe issues a HEAD request to learn size and reachability. Direct sources
// have no format/quality ladder, only the static defaults.
func (d *Direct) Probe(ctx context.Context, rawurl string) (*ProbeResult, error) {
	client, err := d.httpClient("")
	if err != nil {
		return nil, &ProbeError{Kind: ProbeNetworkError, Err: err}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, &ProbeError{Kind: ProbeUnsupportedSource, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ProbeError{Kind: ProbeTimeout, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProbeError{Kind: ProbeNetworkError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		kind := ProbeUnsupportedSource
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ProbeNetworkError
		}
		return nil, &ProbeError{Kind: kind, Err: fmt.Errorf("server returned %s", resp.Status)}
	}

	return &ProbeResult{
		Title:             filenameFromURL(rawurl),
		Formats:           []string{"file"},
		Qualities:         []string{BestQuality},
		ExpectedSizeBytes: resp.ContentLength,
		SourceLabel:       hostOf(rawurl),
	}, nil
}

// Download streams the URL body to job.OutputPath. Cancellation is observed
// between chunks; the partial file is left for the caller to clean up or keep.
func (d *Direct) Download(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	client, err := d.httpClient(job.ProxyURL)
	if err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}

	if !job.Overwrite {
		if _, statErr := os.Stat(job.OutputPath); statErr == nil {
			return &Result{OutputPath: job.OutputPath, AlreadyDownloaded: true}, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DownloadError{Kind: KindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		kind := KindPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = KindTransient
		}
		return nil, &DownloadError{Kind: kind, Msg: fmt.Sprintf("server returned %s", resp.Status)}
	}

	workPath := job.OutputPath + IncompleteSuffix
	out, err := os.Create(workPath)
	if err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}

	start := time.Now()
	total := resp.ContentLength
	var downloaded int64
	buf := make([]byte, directChunkSize)
	limiter := d.effectiveLimiter(job.SpeedLimitBytes)

	for {
		if ctx.Err() != nil {
			out.Close()
			return nil, ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if waitErr := limiter.WaitN(ctx, n); waitErr != nil {
					out.Close()
					return nil, ctx.Err()
				}
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return nil, &DownloadError{Kind: Classify(writeErr.Error()), Msg: writeErr.Error()}
			}
			downloaded += int64(n)
			if progress != nil {
				progress(Progress{Downloaded: downloaded, Total: total, Percent: percentOf(downloaded, total)})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &DownloadError{Kind: KindTransient, Msg: readErr.Error()}
		}
	}

	if err := out.Close(); err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}
	if total > 0 && downloaded < total {
		return nil, &DownloadError{Kind: KindTransient,
			Msg: fmt.Sprintf("partial write: got %d of %d bytes", downloaded, total)}
	}
	if err := os.Rename(workPath, job.OutputPath); err != nil {
		return nil, &DownloadError{Kind: KindPermanent, Msg: err.Error()}
	}

	logging.Debug("direct download finished",
		zap.String("job", job.ID), zap.Int64("bytes", downloaded))
	return &Result{
		OutputPath: job.OutputPath,
		TotalBytes: downloaded,
		Elapsed:    time.Since(start),
	}, nil
}

// effectiveLimiter prefers the per-job budget over the shared one so the
// concurrency controller's division is honored.
func (d *Direct) effectiveLimiter(perJobBytes int64) *rate.Limiter {
	if perJobBytes > 0 {
		return rate.NewLimiter(rate.Limit(perJobBytes), directChunkSize)
	}
	return d.Limiter
}

// httpClient builds a client honoring an optional proxy URL. SOCKS5 goes
// through x/net/proxy; http(s) proxies use the transport's own support.
func (d *Direct) httpClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy: %w", err)
			}
			if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = contextDialer.DialContext
			}
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
	}

	return &http.Client{Transport: transport}, nil
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func filenameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	base := filepath.Base(parsed.Path)
	if base == "." || base == "/" {
		return parsed.Host
	}
	return base
}
