package extractor

import (
	"context"
	"errors"
	"sync"
)

// FallbackClient tries the media backend first and falls back to a plain
// HTTP transfer for URLs the backend cannot handle (direct file links,
// unsupported hosts). The choice made at probe time sticks for the download.
type FallbackClient struct {
	Primary   Client
	Secondary Client

	mu     sync.Mutex
	direct map[string]bool // URL -> use Secondary
}

var _ Client = (*FallbackClient)(nil)

func NewFallbackClient(primary, secondary Client) *FallbackClient {
	return &FallbackClient{Primary: primary, Secondary: secondary, direct: make(map[string]bool)}
}

func (f *FallbackClient) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	res, err := f.Primary.Probe(ctx, url)
	if err == nil {
		f.remember(url, false)
		return res, nil
	}
	var pe *ProbeError
	if f.Secondary == nil || !errors.As(err, &pe) || pe.Kind != ProbeUnsupportedSource {
		return nil, err
	}
	res, secondErr := f.Secondary.Probe(ctx, url)
	if secondErr != nil {
		// The primary's answer is the more useful one to report.
		return nil, err
	}
	f.remember(url, true)
	return res, nil
}

func (f *FallbackClient) Download(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	if f.useDirect(job.URL) {
		return f.Secondary.Download(ctx, job, progress)
	}
	return f.Primary.Download(ctx, job, progress)
}

func (f *FallbackClient) remember(url string, direct bool) {
	f.mu.Lock()
	f.direct[url] = direct
	f.mu.Unlock()
}

func (f *FallbackClient) useDirect(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Secondary != nil && f.direct[url]
}
