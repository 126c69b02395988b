package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/conflict"
	"github.com/mediacrate/mediacrate/internal/events"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/logging"
	"github.com/mediacrate/mediacrate/internal/retrypolicy"
)

// dispatchLoop is the scheduling authority: it picks Queued items in FIFO
// order and starts them while slots are free. Dispatch is triggered by kick(),
// never by polling.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.dispatch:
		}
		for m.startNext() {
		}
		m.checkDrained()
	}
}

// startNext claims the oldest runnable item and a slot, then hands the item
// to a worker goroutine. Returns false when nothing more can start.
func (m *Manager) startNext() bool {
	m.mu.Lock()
	it := m.nextRunnableLocked()
	if it == nil {
		m.mu.Unlock()
		return false
	}
	if !m.pool.TryAcquire() {
		m.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancels[it.ID] = cancel
	if it.OutputPath == "" {
		m.transitionLocked(it, StateResolving)
		m.publish(events.ItemResolving{ID: it.ID, URL: it.SourceURL})
	} else {
		m.claimDownloadLocked(it)
	}
	id := it.ID
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runItem(ctx, id)
	}()
	return true
}

// nextRunnableLocked returns the FIFO-first Queued item whose output path is
// not currently being written by another item.
func (m *Manager) nextRunnableLocked() *Item {
	var candidates []*Item
	for _, id := range m.order {
		it := m.items[id]
		if !it.State.Runnable() {
			continue
		}
		if it.OutputPath != "" {
			if owner, busy := m.activePaths[it.OutputPath]; busy && owner != it.ID {
				continue
			}
		}
		candidates = append(candidates, it)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Seq < candidates[j].Seq
	})
	return candidates[0]
}

func (m *Manager) claimDownloadLocked(it *Item) {
	m.activePaths[it.OutputPath] = it.ID
	it.Attempt++
	m.transitionLocked(it, StateDownloading)
}

// runItem drives one slot-holding execution: resolve if needed, then download.
// It releases the slot on every exit path and re-kicks the dispatcher.
func (m *Manager) runItem(ctx context.Context, id string) {
	defer func() {
		m.mu.Lock()
		if cancel := m.cancels[id]; cancel != nil {
			cancel()
			delete(m.cancels, id)
		}
		m.mu.Unlock()
		m.pool.Release()
		m.kick()
	}()

	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State.Terminal() || it.State == StatePaused {
		m.mu.Unlock()
		return
	}
	resolving := it.State == StateResolving
	m.mu.Unlock()

	if resolving {
		if !m.resolve(ctx, id) {
			return
		}
		// Re-claim as Downloading; another item may have taken the path.
		m.mu.Lock()
		it, ok = m.items[id]
		if !ok || it.State != StateQueued {
			m.mu.Unlock()
			return
		}
		if owner, busy := m.activePaths[it.OutputPath]; busy && owner != it.ID {
			// Leave it Queued; the dispatcher retries once the path frees.
			m.mu.Unlock()
			return
		}
		m.claimDownloadLocked(it)
		m.mu.Unlock()
	}

	m.download(ctx, id)
}

// resolve probes the URL, picks the output path and applies the conflict
// policy. Returns true when the item is Queued and ready to download.
func (m *Manager) resolve(ctx context.Context, id string) bool {
	m.mu.Lock()
	it := m.items[id]
	url := it.SourceURL
	policy := conflict.ParsePolicy(m.settings.Queue.ConflictPolicy)
	skipProbe := m.settings.Extractor.DisableMetadataFetch
	downloadDir := m.settings.General.DownloadDir
	decisionTimeout := m.settings.Queue.DecisionTimeout
	m.mu.Unlock()

	var probe *extractor.ProbeResult
	if !skipProbe {
		var err error
		probe, err = m.client.Probe(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				m.onInterrupted(id)
				return false
			}
			m.onAttemptError(id, err)
			return false
		}
	}

	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateResolving {
		m.mu.Unlock()
		return false
	}
	if probe != nil {
		m.probeCache[it.NormalizedURL] = probe
		it.Title = probe.Title
		it.SourceLabel = probe.SourceLabel
		if probe.ExpectedSizeBytes > 0 {
			it.TotalBytes = probe.ExpectedSizeBytes
		}
	}
	candidate := outputPathFor(downloadDir, it, probe)
	it.ConflictPolicy = policy.String()

	decision, err := conflict.Resolve(candidate, policy)
	if err != nil {
		// Resolution exhausted: terminal, surfaced to history with reason.
		it.SkipReason = "conflict: " + err.Error()
		m.transitionLocked(it, StateSkipped)
		m.recordTerminalLocked(it)
		m.publish(skippedEvent(it))
		m.mu.Unlock()
		return false
	}

	switch decision.Kind {
	case conflict.SkipItem:
		it.SkipReason = "conflict: file exists"
		m.transitionLocked(it, StateSkipped)
		m.recordTerminalLocked(it)
		m.publish(skippedEvent(it))
		m.mu.Unlock()
		return false
	case conflict.RequireUserDecision:
		// Park the item and free the slot; only this item waits.
		it.OutputPath = candidate
		deadline := time.Now().Add(decisionTimeout)
		m.transitionLocked(it, StateAwaitingDecision)
		m.decisionTimers[id] = time.AfterFunc(decisionTimeout, func() { m.onDecisionTimeout(id) })
		m.publish(events.DecisionRequired{ID: id, ExistingPath: candidate, Deadline: deadline})
		m.mu.Unlock()
		return false
	case conflict.UseRenamed:
		it.OutputPath = decision.Path
	default:
		it.OutputPath = decision.Path
		it.Overwrite = policy == conflict.Overwrite
	}
	m.transitionLocked(it, StateQueued)
	m.mu.Unlock()
	return true
}

// onDecisionTimeout skips an item whose conflict prompt expired.
func (m *Manager) onDecisionTimeout(id string) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateAwaitingDecision {
		m.mu.Unlock()
		return
	}
	delete(m.decisionTimers, id)
	it.SkipReason = "conflict prompt timed out"
	m.transitionLocked(it, StateSkipped)
	m.recordTerminalLocked(it)
	m.publish(skippedEvent(it))
	m.mu.Unlock()
	m.checkDrained()
}

// download runs one transfer attempt and routes the outcome.
func (m *Manager) download(ctx context.Context, id string) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateDownloading {
		m.mu.Unlock()
		return
	}
	job := extractor.Job{
		ID:              it.ID,
		URL:             it.SourceURL,
		Format:          it.Format,
		Quality:         it.Quality,
		OutputPath:      it.OutputPath,
		Overwrite:       it.Overwrite,
		SpeedLimitBytes: m.pool.PerJobRateBytes(),
		ProxyURL:        m.settings.Extractor.ProxyURL,
		CookiesBrowser:  m.settings.Extractor.CookiesFromBrowser,
	}
	m.publish(events.ItemStarted{ID: it.ID, URL: it.SourceURL, OutputPath: it.OutputPath, Total: it.TotalBytes})
	m.mu.Unlock()

	res, err := m.client.Download(ctx, job, func(p extractor.Progress) {
		m.onProgress(id, p)
	})
	if err != nil {
		if ctx.Err() != nil {
			m.onInterrupted(id)
			return
		}
		m.onAttemptError(id, err)
		return
	}
	m.onCompleted(id, res)
}

// onProgress applies a progress callback. Progress is monotonic while
// Downloading; stale callbacks after a transition are dropped.
func (m *Manager) onProgress(id string, p extractor.Progress) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateDownloading {
		m.mu.Unlock()
		return
	}
	if p.Total > 0 {
		it.TotalBytes = p.Total
	}
	if p.Downloaded > it.ProgressBytes {
		it.ProgressBytes = p.Downloaded
	}
	ev := events.ItemProgress{ID: id, Downloaded: it.ProgressBytes, Total: it.TotalBytes, Percent: p.Percent}
	m.mu.Unlock()
	m.publish(ev)
}

// onCompleted finishes a successful attempt.
func (m *Manager) onCompleted(id string, res *extractor.Result) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateDownloading {
		// A stop raced the completion; never report Completed after Cancelled.
		m.mu.Unlock()
		return
	}
	if res.OutputPath != "" {
		delete(m.activePaths, it.OutputPath)
		it.OutputPath = res.OutputPath
	}
	if res.TotalBytes > 0 {
		it.TotalBytes = res.TotalBytes
		it.ProgressBytes = res.TotalBytes
	}
	it.LastError = ""
	it.LastErrorKind = ""
	m.transitionLocked(it, StateCompleted)
	m.recordTerminalLocked(it)
	ev := events.ItemCompleted{ID: id, OutputPath: it.OutputPath, Total: it.TotalBytes, Elapsed: res.Elapsed}
	m.mu.Unlock()

	m.pool.ReportOutcome(false)
	m.publish(ev)
}

// onInterrupted cleans up after a cancelled attempt. The terminal state was
// already set by the Stop/Pause command; this only handles the partial file.
func (m *Manager) onInterrupted(id string) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	path := it.OutputPath
	cancelled := it.State == StateCancelled
	keep := m.settings.General.KeepPartialOnCancel
	// A resumed item may have re-claimed the path already; leave that alone.
	if owner, busy := m.activePaths[path]; busy && owner == id && it.State != StateDownloading {
		delete(m.activePaths, path)
	}
	m.mu.Unlock()

	if cancelled && !keep && path != "" {
		removePartial(path)
	}
}

// onAttemptError classifies a failure and applies the retry/fallback decision.
func (m *Manager) onAttemptError(id string, attemptErr error) {
	kind := extractor.ClassifyError(attemptErr)
	message := extractor.SanitizeErrorText(attemptErr.Error())

	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State.Terminal() || it.State == StatePaused {
		m.mu.Unlock()
		return
	}
	if owner, busy := m.activePaths[it.OutputPath]; busy && owner == id {
		delete(m.activePaths, it.OutputPath)
	}
	if it.State == StateResolving {
		// The attempt counter is normally bumped when the download is
		// claimed; a failed probe never gets that far but still consumed
		// an attempt, otherwise a flaky probe could retry forever.
		it.Attempt++
	}
	it.LastErrorKind = string(kind)
	it.LastError = message
	it.ProgressBytes = 0

	decision := retrypolicy.Decide(it.Attempt, it.FallbackLevel, kind, m.profile)
	switch decision.Action {
	case retrypolicy.RetrySame:
		m.transitionLocked(it, StateRetrying)
		m.scheduleReentryLocked(it, decision.Delay)
		ev := events.ItemRetrying{ID: id, Attempt: it.Attempt, Delay: decision.Delay, Err: message}
		m.mu.Unlock()
		m.pool.ReportOutcome(true)
		m.publish(ev)
		return
	case retrypolicy.RetryWithFallback:
		if it.FallbackDisabled {
			break
		}
		probe := m.probeCache[it.NormalizedURL]
		format, quality, degraded := extractor.DegradeSelection(probe, it.Format, it.Quality)
		if !degraded {
			break
		}
		// The failed execution was already counted at claim time, but a
		// fallback re-entry does not consume the retry budget; without
		// this the attempt counter could pass MaxAttempts while the item
		// is still running.
		it.Attempt--
		it.Format = format
		it.Quality = quality
		it.FallbackLevel++
		m.transitionLocked(it, StateFallback)
		m.scheduleReentryLocked(it, decision.Delay)
		ev := events.ItemFallback{ID: id, Format: format, Quality: quality, Level: it.FallbackLevel, Delay: decision.Delay}
		m.mu.Unlock()
		m.pool.ReportOutcome(kind == extractor.KindTransient)
		m.publish(ev)
		return
	}

	m.transitionLocked(it, StateFailed)
	m.recordTerminalLocked(it)
	ev := events.ItemFailed{ID: id, Kind: string(kind), Err: message}
	m.mu.Unlock()
	m.pool.ReportOutcome(kind == extractor.KindTransient)
	m.publish(ev)
}

// scheduleReentryLocked arms the backoff timer that moves a Retrying/Fallback
// item back to Queued. Modeled as a scheduled re-entry event so Stop can
// pre-empt it without interrupting a sleeping goroutine.
func (m *Manager) scheduleReentryLocked(it *Item, delay time.Duration) {
	id := it.ID
	m.retryTimers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.retryTimers, id)
		item, ok := m.items[id]
		if !ok || (item.State != StateRetrying && item.State != StateFallback) {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(item, StateQueued)
		m.mu.Unlock()
		m.kick()
	})
}

// checkDrained emits QueueDrained once no live work remains.
func (m *Manager) checkDrained() {
	m.mu.Lock()
	if !m.started || m.drained {
		m.mu.Unlock()
		return
	}
	summary := events.QueueDrained{}
	live := 0
	for _, id := range m.order {
		switch m.items[id].State {
		case StateCompleted:
			summary.Completed++
		case StateFailed:
			summary.Failed++
		case StateSkipped:
			summary.Skipped++
		case StateCancelled:
			summary.Cancelled++
		case StatePaused, StatePending:
			// Parked but not live; the queue can drain around them.
		default:
			live++
		}
	}
	done := live == 0 && summary.Completed+summary.Failed+summary.Skipped+summary.Cancelled > 0
	if done {
		m.drained = true
	}
	m.mu.Unlock()
	if done {
		m.publish(summary)
	}
}

// outputPathFor computes the candidate output path before conflict
// resolution: probe title when known, otherwise a name derived from the URL.
func outputPathFor(dir string, it *Item, probe *extractor.ProbeResult) string {
	name := ""
	if probe != nil {
		name = sanitizeFilename(probe.Title)
	}
	if name == "" {
		name = sanitizeFilename(filepath.Base(strings.TrimRight(it.SourceURL, "/")))
	}
	if name == "" {
		name = it.ID
	}
	if filepath.Ext(name) == "" {
		name += extensionFor(it.Format)
	}
	return filepath.Join(dir, name)
}

func extensionFor(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return ".mp3"
	case "audio":
		return ".m4a"
	case "webm":
		return ".webm"
	}
	return ".mp4"
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "", "\"", "", "<", "", ">", "", "|", "_",
)

func sanitizeFilename(name string) string {
	cleaned := strings.TrimSpace(filenameReplacer.Replace(name))
	cleaned = strings.Trim(cleaned, ".")
	const maxLen = 150
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}

// removePartial deletes the incomplete artifacts of a cancelled attempt. The
// finalized path is removed only if it still carries the working suffix.
func removePartial(path string) {
	for _, candidate := range []string{path + extractor.IncompleteSuffix, path + ".ytdl"} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Debug("partial cleanup failed", zap.String("path", candidate), zap.Error(err))
		}
	}
}

// sniffContentType inspects the finished file's magic bytes.
func sniffContentType(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	head := make([]byte, 261)
	n, _ := f.Read(head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// Event constructors shared by manager and runner.

func queuedEvent(it *Item) events.ItemQueued {
	return events.ItemQueued{ID: it.ID, URL: it.SourceURL}
}

func skippedEvent(it *Item) events.ItemSkipped {
	return events.ItemSkipped{ID: it.ID, Reason: it.SkipReason}
}

func pausedEvent(it *Item) events.ItemPaused {
	return events.ItemPaused{ID: it.ID}
}

func resumedEvent(it *Item) events.ItemResumed {
	return events.ItemResumed{ID: it.ID}
}

func cancelledEvent(it *Item) events.ItemCancelled {
	return events.ItemCancelled{ID: it.ID}
}
