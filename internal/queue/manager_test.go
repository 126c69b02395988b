package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/events"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/pool"
)

// scriptedClient is a fake extractor whose per-URL behavior is scripted:
// a sequence of attempt errors followed by success, optional blocking until
// released, and canned probe answers.
type scriptedClient struct {
	mu         sync.Mutex
	probeErr   map[string]error
	probes     map[string]*extractor.ProbeResult
	probeBlock map[string]chan struct{}
	failures   map[string][]error // consumed front to back; nil entry = success
	blocking   map[string]chan struct{}
	probeCalls map[string]int
	calls      map[string]int
	downloads  []extractor.Job
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		probeErr:   map[string]error{},
		probes:     map[string]*extractor.ProbeResult{},
		probeBlock: map[string]chan struct{}{},
		failures:   map[string][]error{},
		blocking:   map[string]chan struct{}{},
		probeCalls: map[string]int{},
		calls:      map[string]int{},
	}
}

func (c *scriptedClient) Probe(ctx context.Context, url string) (*extractor.ProbeResult, error) {
	c.mu.Lock()
	c.probeCalls[url]++
	block := c.probeBlock[url]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, &extractor.ProbeError{Kind: extractor.ProbeNetworkError, Err: ctx.Err()}
		case <-block:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.probeErr[url]; err != nil {
		return nil, err
	}
	if res, ok := c.probes[url]; ok {
		return res, nil
	}
	return &extractor.ProbeResult{Title: "clip-" + filepath.Base(url), Qualities: []string{"best"}}, nil
}

func (c *scriptedClient) Download(ctx context.Context, job extractor.Job, progress extractor.ProgressFunc) (*extractor.Result, error) {
	c.mu.Lock()
	c.calls[job.URL]++
	c.downloads = append(c.downloads, job)
	var next error
	if queue := c.failures[job.URL]; len(queue) > 0 {
		next = queue[0]
		c.failures[job.URL] = queue[1:]
	}
	block := c.blocking[job.URL]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if next != nil {
		return nil, next
	}
	if progress != nil {
		progress(extractor.Progress{Downloaded: 10, Total: 10, Percent: 100})
	}
	if err := os.WriteFile(job.OutputPath, []byte("media"), 0644); err != nil {
		return nil, &extractor.DownloadError{Kind: extractor.KindPermanent, Msg: err.Error()}
	}
	return &extractor.Result{OutputPath: job.OutputPath, TotalBytes: 10}, nil
}

func (c *scriptedClient) callCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[url]
}

func (c *scriptedClient) probeCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeCalls[url]
}

func testSettings(t *testing.T) *config.Settings {
	s := config.DefaultSettings()
	s.General.DownloadDir = t.TempDir()
	s.Queue.MaxConcurrent = 2
	s.Queue.AdaptiveConcurrency = false
	s.Queue.ConflictPolicy = "skip"
	s.Queue.DecisionTimeout = time.Minute
	s.Retry.Profile = "custom"
	s.Retry.MaxAttempts = 3
	s.Retry.MaxFallbackDepth = 2
	s.Retry.BackoffBase = time.Millisecond
	s.Retry.BackoffMultiplier = 1.0
	s.Retry.BackoffCeiling = 5 * time.Millisecond
	return s
}

func newTestManager(t *testing.T, s *config.Settings, client extractor.Client) *Manager {
	t.Helper()
	m := New(Options{
		Settings: s,
		Client:   client,
		Pool:     pool.New(s.Queue.MaxConcurrent, s.Queue.AdaptiveConcurrency, 0),
	})
	t.Cleanup(m.Close)
	return m
}

func transientErr() error {
	return &extractor.DownloadError{Kind: extractor.KindTransient, Msg: "connection reset"}
}

func stateOf(m *Manager, id string) State {
	it, _ := m.Get(id)
	return it.State
}

func waitForState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return stateOf(m, id) == want },
		5*time.Second, 5*time.Millisecond, "item %s never reached %s (now %s)", id, want, stateOf(m, id))
}

func TestAddBatchFlagsDuplicatesAndInvalid(t *testing.T) {
	client := newScriptedClient()
	m := newTestManager(t, testSettings(t), client)

	results := m.Add("https://example.com/v/a\nnot a url\nhttps://EXAMPLE.com/v/a/\nhttps://example.com/v/b", AddOptions{})
	require.Len(t, results, 4)

	assert.True(t, results[0].Added)
	assert.True(t, results[1].Invalid)
	assert.False(t, results[2].Added)
	assert.Equal(t, results[0].ID, results[2].DuplicateOfID)
	assert.Equal(t, "duplicate", results[2].Reason)
	assert.True(t, results[3].Added)

	items := m.Items()
	require.Len(t, items, 3) // invalid line produced no item
	assert.Equal(t, StatePending, items[0].State)
	assert.Equal(t, StateSkipped, items[1].State)
	assert.Equal(t, "duplicate", items[1].SkipReason)
	assert.Equal(t, StatePending, items[2].State)
}

func TestDuplicateAgainstLiveQueue(t *testing.T) {
	client := newScriptedClient()
	m := newTestManager(t, testSettings(t), client)

	first := m.Add("https://example.com/v/a", AddOptions{})
	second := m.Add("https://example.com/v/a?utm_source=x", AddOptions{})
	require.Len(t, second, 1)
	assert.False(t, second[0].Added)
	assert.Equal(t, first[0].ID, second[0].DuplicateOfID)
}

func TestRunToCompletion(t *testing.T) {
	client := newScriptedClient()
	s := testSettings(t)
	m := newTestManager(t, s, client)

	results := m.Add("https://example.com/v/a", AddOptions{Format: "mp4", Quality: "best"})
	id := results[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, 1, it.Attempt)
	assert.Equal(t, 0, it.FallbackLevel)
	assert.Empty(t, it.LastError)
	assert.FileExists(t, it.OutputPath)
	assert.Equal(t, int64(10), it.TotalBytes)
	assert.Equal(t, int64(10), it.ProgressBytes)
}

func TestThreeTransientFailuresEndInFailed(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/flaky"
	client.failures[url] = []error{transientErr(), transientErr(), transientErr()}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)

	it, _ := m.Get(id)
	assert.Equal(t, 3, it.Attempt, "attempt never exceeds maxAttempts")
	assert.Equal(t, "transient", it.LastErrorKind)
	assert.Equal(t, 3, client.callCount(url))
}

func TestFormatUnavailableFallsBackWithoutBurningRetries(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/nofmt"
	client.probes[url] = &extractor.ProbeResult{
		Title:     "nofmt",
		Formats:   []string{"video", "audio"},
		Qualities: []string{"best", "720p"},
	}
	client.failures[url] = []error{
		&extractor.DownloadError{Kind: extractor.KindFormatUnavailable, Msg: "requested format is not available"},
	}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{Format: "video", Quality: "best"})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, 1, it.FallbackLevel)
	assert.Equal(t, "720p", it.Quality, "fallback degrades to the next quality tier")
	assert.Equal(t, "video", it.Format)
	assert.Equal(t, 1, it.Attempt, "the fallback re-entry consumed no retry budget")
}

func TestTransientProbeFailuresAreBounded(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/deadprobe"
	client.probeErr[url] = &extractor.ProbeError{
		Kind: extractor.ProbeTimeout,
		Err:  errors.New("probe timed out"),
	}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)

	it, _ := m.Get(id)
	assert.Equal(t, 3, it.Attempt, "probe failures consume the retry budget")
	assert.Equal(t, "transient", it.LastErrorKind)
	assert.Equal(t, 3, client.probeCount(url))
	assert.Equal(t, 0, client.callCount(url), "a failed probe never downloads")
}

func TestAttemptStaysBoundedAcrossFallback(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/mixed"
	client.probes[url] = &extractor.ProbeResult{
		Title:     "mixed",
		Formats:   []string{"video"},
		Qualities: []string{"best", "720p"},
	}
	client.failures[url] = []error{
		transientErr(),
		transientErr(),
		&extractor.DownloadError{Kind: extractor.KindFormatUnavailable, Msg: "requested format is not available"},
	}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{Format: "video", Quality: "best"})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.LessOrEqual(t, it.Attempt, 3, "attempt never exceeds maxAttempts")
	assert.Equal(t, 3, it.Attempt)
	assert.Equal(t, 1, it.FallbackLevel)
}

func TestBatchEntriesCanBePinnedToRequestedFormat(t *testing.T) {
	client := newScriptedClient()
	urlA := "https://example.com/v/pinned"
	urlB := "https://example.com/v/fine"
	client.probes[urlA] = &extractor.ProbeResult{
		Title:     "pinned",
		Formats:   []string{"video"},
		Qualities: []string{"best", "720p"},
	}
	client.failures[urlA] = []error{
		&extractor.DownloadError{Kind: extractor.KindFormatUnavailable, Msg: "requested format is not available"},
	}

	s := testSettings(t)
	s.Queue.EnableFallbackForBatch = false
	m := newTestManager(t, s, client)

	results := m.Add(urlA+"\n"+urlB, AddOptions{Format: "video", Quality: "best"})
	idA, idB := results[0].ID, results[1].ID
	require.NoError(t, m.StartAll())

	waitForState(t, m, idA, StateFailed)
	waitForState(t, m, idB, StateCompleted)

	it, _ := m.Get(idA)
	assert.Equal(t, 0, it.FallbackLevel, "batch entries do not degrade when batch fallback is off")
	assert.Equal(t, "best", it.Quality)
	assert.Equal(t, "format_unavailable", it.LastErrorKind)
}

func TestSingleEntryStillFallsBackWhenBatchFallbackIsOff(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/solo"
	client.probes[url] = &extractor.ProbeResult{
		Title:     "solo",
		Formats:   []string{"video"},
		Qualities: []string{"best", "720p"},
	}
	client.failures[url] = []error{
		&extractor.DownloadError{Kind: extractor.KindFormatUnavailable, Msg: "requested format is not available"},
	}

	s := testSettings(t)
	s.Queue.EnableFallbackForBatch = false
	m := newTestManager(t, s, client)

	id := m.Add(url, AddOptions{Format: "video", Quality: "best"})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, 1, it.FallbackLevel, "the setting only constrains batch intake")
}

func TestFallbackDepthExhaustedFails(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/never"
	client.probes[url] = &extractor.ProbeResult{
		Formats:   []string{"video"},
		Qualities: []string{"best", "1080p", "720p", "480p"},
	}
	formatErr := func() error {
		return &extractor.DownloadError{Kind: extractor.KindFormatUnavailable, Msg: "requested format is not available"}
	}
	client.failures[url] = []error{formatErr(), formatErr(), formatErr(), formatErr()}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{Format: "video", Quality: "best"})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)

	it, _ := m.Get(id)
	assert.Equal(t, 2, it.FallbackLevel, "fallbackLevel never exceeds maxFallbackDepth")
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/gone"
	client.failures[url] = []error{
		&extractor.DownloadError{Kind: extractor.KindPermanent, Msg: "video unavailable"},
	}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)
	assert.Equal(t, 1, client.callCount(url), "no retries for permanent failures")
}

func TestStopDownloadingItemCancels(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/slow"
	client.blocking[url] = make(chan struct{})

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateDownloading)

	require.True(t, m.Stop(id))
	waitForState(t, m, id, StateCancelled)

	// Completion must never be reported for a cancelled item.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateCancelled, stateOf(m, id))
	for {
		select {
		case ev := <-m.Events():
			if _, isCompleted := ev.(events.ItemCompleted); isCompleted {
				t.Fatal("completed event after cancellation")
			}
			continue
		default:
		}
		break
	}
}

func TestStopCancelsPendingRetryTimer(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/flaky"
	client.failures[url] = []error{transientErr()}

	s := testSettings(t)
	// The re-entry timer would fire far in the future; the ceiling must not
	// cap it back down or the retry races the Stop.
	s.Retry.BackoffBase = time.Hour
	s.Retry.BackoffCeiling = time.Hour
	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateRetrying)

	require.True(t, m.Stop(id))
	assert.Equal(t, StateCancelled, stateOf(m, id))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCancelled, stateOf(m, id), "cancellation wins over the backoff timer")
}

func TestPauseAndResume(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/slow"
	block := make(chan struct{})
	client.blocking[url] = block

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateDownloading)

	require.True(t, m.Pause(id))
	waitForState(t, m, id, StatePaused)

	close(block) // later attempts pass straight through
	require.True(t, m.Resume(id))
	waitForState(t, m, id, StateCompleted)
}

func TestBatchOfThreeWithDuplicateAndSingleSlot(t *testing.T) {
	client := newScriptedClient()
	urlA := "https://example.com/v/a"
	urlB := "https://example.com/v/b"
	blockA := make(chan struct{})
	client.blocking[urlA] = blockA

	s := testSettings(t)
	s.Queue.MaxConcurrent = 1
	m := newTestManager(t, s, client)

	results := m.Add(urlA+"\n"+urlA+"\n"+urlB, AddOptions{})
	require.Len(t, results, 3)
	idA, idB := results[0].ID, results[2].ID
	assert.Equal(t, "duplicate", results[1].Reason)

	require.NoError(t, m.StartAll())
	waitForState(t, m, idA, StateDownloading)
	// With one slot, B cannot run while A holds it.
	assert.NotEqual(t, StateDownloading, stateOf(m, idB))

	close(blockA)
	waitForState(t, m, idA, StateCompleted)
	waitForState(t, m, idB, StateCompleted)
}

func TestSamePathNeverDownloadsTwiceConcurrently(t *testing.T) {
	client := newScriptedClient()
	urlA := "https://example.com/x/same"
	urlB := "https://example.com/y/same"
	// Both probe to the same title, so both resolve to the same output path.
	shared := &extractor.ProbeResult{Title: "identical", Qualities: []string{"best"}}
	client.probes[urlA] = shared
	client.probes[urlB] = shared
	blockA := make(chan struct{})
	client.blocking[urlA] = blockA
	// Hold B's probe until A owns the path, so B is the one that must wait.
	probeGateB := make(chan struct{})
	client.probeBlock[urlB] = probeGateB

	s := testSettings(t)
	s.Queue.ConflictPolicy = "overwrite"
	m := newTestManager(t, s, client)

	idA := m.Add(urlA, AddOptions{})[0].ID
	idB := m.Add(urlB, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, idA, StateDownloading)
	close(probeGateB)

	// B resolves to the occupied path and must wait in Queued.
	require.Eventually(t, func() bool {
		it, _ := m.Get(idB)
		return it.OutputPath != "" && it.State == StateQueued
	}, 5*time.Second, 5*time.Millisecond)

	itA, _ := m.Get(idA)
	itB, _ := m.Get(idB)
	assert.Equal(t, itA.OutputPath, itB.OutputPath)
	assert.NotEqual(t, StateDownloading, itB.State)

	close(blockA)
	waitForState(t, m, idA, StateCompleted)
	waitForState(t, m, idB, StateCompleted)
}

func TestRetryCommandResetsCounters(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/flaky"
	client.failures[url] = []error{transientErr(), transientErr(), transientErr()}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)

	require.True(t, m.Retry(id))
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, id, it.ID, "retry preserves the original item id")
	assert.Equal(t, 1, it.Attempt)
	assert.Empty(t, it.LastError)
}

func TestRetryRejectsNonTerminalAndCompleted(t *testing.T) {
	client := newScriptedClient()
	m := newTestManager(t, testSettings(t), client)
	id := m.Add("https://example.com/v/a", AddOptions{})[0].ID

	assert.False(t, m.Retry(id), "pending items cannot be retried")
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)
	assert.False(t, m.Retry(id), "completed items are not resurrected")
}

func TestRemoveWhere(t *testing.T) {
	client := newScriptedClient()
	m := newTestManager(t, testSettings(t), client)
	m.Add("https://example.com/v/a\nhttps://example.com/v/b", AddOptions{})

	removed := m.RemoveWhere(func(it Item) bool {
		return it.SourceURL == "https://example.com/v/b"
	})
	assert.Equal(t, 1, removed)
	require.Len(t, m.Items(), 1)
	assert.Equal(t, "https://example.com/v/a", m.Items()[0].SourceURL)
}

func TestStartAllWithZeroCapacityIsFatal(t *testing.T) {
	client := newScriptedClient()
	s := testSettings(t)
	s.Queue.MaxConcurrent = 0
	m := New(Options{Settings: s, Client: client, Pool: pool.New(0, false, 0)})
	t.Cleanup(m.Close)

	m.Add("https://example.com/v/a", AddOptions{})
	assert.ErrorIs(t, m.StartAll(), pool.ErrNoCapacity)
}

func TestProbeErrorFeedsRetryEngine(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/unsupported"
	client.probeErr[url] = &extractor.ProbeError{
		Kind: extractor.ProbeUnsupportedSource,
		Err:  errors.New("unsupported url"),
	}

	m := newTestManager(t, testSettings(t), client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateFailed)

	it, _ := m.Get(id)
	assert.Equal(t, "permanent", it.LastErrorKind)
}
