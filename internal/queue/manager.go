package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/config"
	"github.com/mediacrate/mediacrate/internal/conflict"
	"github.com/mediacrate/mediacrate/internal/events"
	"github.com/mediacrate/mediacrate/internal/extractor"
	"github.com/mediacrate/mediacrate/internal/history"
	"github.com/mediacrate/mediacrate/internal/intake"
	"github.com/mediacrate/mediacrate/internal/logging"
	"github.com/mediacrate/mediacrate/internal/pool"
	"github.com/mediacrate/mediacrate/internal/retrypolicy"
)

// UserDecision answers a conflict prompt for one parked item.
type UserDecision string

const (
	DecisionOverwrite UserDecision = "overwrite"
	DecisionRename    UserDecision = "rename"
	DecisionSkip      UserDecision = "skip"
)

// Options configures a Manager.
type Options struct {
	Settings *config.Settings
	Client   extractor.Client
	Pool     *pool.Controller
	// History may be nil to disable recording.
	History *history.Store
	// SnapshotPath may be empty to disable persistence.
	SnapshotPath string
	// EventBuffer sizes the event channel; 0 means 256.
	EventBuffer int
}

// Manager owns the queue. All item mutation happens under its single mutex;
// worker goroutines call back into it for every transition.
type Manager struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string
	seq   int

	client       extractor.Client
	pool         *pool.Controller
	settings     *config.Settings
	profile      retrypolicy.Profile
	hist         *history.Store
	snapshotPath string

	events   chan any
	dispatch chan struct{}
	saveCh   chan struct{}

	cancels        map[string]context.CancelFunc
	retryTimers    map[string]*time.Timer
	decisionTimers map[string]*time.Timer
	// activePaths maps a resolved output path to the single item allowed to
	// be Downloading into it.
	activePaths map[string]string
	// probeCache keeps session probe results by normalized URL; the fallback
	// ladder consults it for available quality tiers.
	probeCache map[string]*extractor.ProbeResult

	started bool
	drained bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager and starts its dispatcher and persistence goroutines.
func New(opts Options) *Manager {
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		items:          make(map[string]*Item),
		client:         opts.Client,
		pool:           opts.Pool,
		settings:       opts.Settings,
		profile:        profileFromSettings(opts.Settings.Retry),
		hist:           opts.History,
		snapshotPath:   opts.SnapshotPath,
		events:         make(chan any, buffer),
		dispatch:       make(chan struct{}, 1),
		saveCh:         make(chan struct{}, 1),
		cancels:        make(map[string]context.CancelFunc),
		retryTimers:    make(map[string]*time.Timer),
		decisionTimers: make(map[string]*time.Timer),
		activePaths:    make(map[string]string),
		probeCache:     make(map[string]*extractor.ProbeResult),
		ctx:            ctx,
		cancel:         cancel,
	}

	m.pool.OnChange(func(effective, max int, reason string) {
		m.publish(events.ConcurrencyChanged{Effective: effective, Max: max, Reason: reason})
		m.kick()
	})

	m.wg.Add(1)
	go m.dispatchLoop()
	if m.snapshotPath != "" {
		m.wg.Add(1)
		go m.saveLoop()
	}
	return m
}

func profileFromSettings(r config.RetrySettings) retrypolicy.Profile {
	if name := strings.ToLower(strings.TrimSpace(r.Profile)); name == "off" || name == "none" {
		return retrypolicy.ProfileOff
	}
	p := retrypolicy.Profile{
		MaxAttempts:       r.MaxAttempts,
		MaxFallbackDepth:  r.MaxFallbackDepth,
		BackoffBase:       r.BackoffBase,
		BackoffMultiplier: r.BackoffMultiplier,
		BackoffCeiling:    r.BackoffCeiling,
		Jitter:            true,
	}
	if p.MaxAttempts == 0 && p.BackoffBase == 0 {
		p = retrypolicy.ByName(r.Profile)
	}
	return p
}

// Events returns the stream of state-change events. The channel is never
// closed while the Manager runs; slow consumers lose events rather than
// blocking transitions.
func (m *Manager) Events() <-chan any { return m.events }

func (m *Manager) publish(event any) {
	select {
	case m.events <- event:
	default:
		logging.Debug("event dropped, consumer too slow")
	}
}

// LookupNormalized implements intake.ExistingIndex against the live queue.
func (m *Manager) LookupNormalized(normalized string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		it := m.items[id]
		if it.NormalizedURL == normalized && it.State != StateSkipped {
			return id, true
		}
	}
	return "", false
}

// AddResult reports what happened to one intake line.
type AddResult struct {
	ID            string
	RawURL        string
	NormalizedURL string
	Added         bool
	Invalid       bool
	DuplicateOfID string
	Reason        string
}

// Add parses raw text into queue items. Malformed lines are reported, not
// queued; duplicates become Skipped items so they stay visible.
func (m *Manager) Add(text string, opts AddOptions) []AddResult {
	maxLines := m.settings.Queue.MaxBatchLines
	if !m.settings.Queue.AllowBatch {
		maxLines = 1
	}
	entries := intake.ParseBatch(text, maxLines, m)
	batch := len(entries) > 1

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	results := make([]AddResult, 0, len(entries))
	// Maps batch-local duplicate markers to the ids assigned in this call.
	assigned := make(map[int]string, len(entries))

	for i, entry := range entries {
		res := AddResult{RawURL: entry.RawURL, NormalizedURL: entry.NormalizedURL}
		if !entry.Valid {
			res.Invalid = true
			res.Reason = entry.Reason
			results = append(results, res)
			continue
		}

		m.seq++
		item := &Item{
			ID:               uuid.NewString(),
			SourceURL:        entry.RawURL,
			NormalizedURL:    entry.NormalizedURL,
			RequestedFormat:  defaultString(opts.Format, extractor.AutoFormat),
			RequestedQuality: defaultString(opts.Quality, extractor.BestQuality),
			FallbackDisabled: batch && !m.settings.Queue.EnableFallbackForBatch,
			CreatedAt:        now,
			UpdatedAt:        now,
			Seq:              m.seq,
		}
		item.Format = item.RequestedFormat
		item.Quality = item.RequestedQuality

		if entry.DuplicateOfID != "" {
			dupID := entry.DuplicateOfID
			if idx := intake.BatchLocalIndex(dupID); idx >= 0 {
				dupID = assigned[idx]
			}
			item.State = StateSkipped
			item.SkipReason = "duplicate"
			res.DuplicateOfID = dupID
			res.Reason = "duplicate"
			m.insertLocked(item)
			m.recordTerminalLocked(item)
			m.publish(skippedEvent(item))
			results = append(results, res)
			continue
		}

		item.State = StatePending
		assigned[i] = item.ID
		m.insertLocked(item)
		res.ID = item.ID
		res.Added = true
		results = append(results, res)
	}

	m.markDirtyLocked()
	return results
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func (m *Manager) insertLocked(item *Item) {
	m.items[item.ID] = item
	m.order = append(m.order, item.ID)
}

// Items returns copies of all queue items in insertion order.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.items[id])
	}
	return out
}

// Get returns a copy of one item.
func (m *Manager) Get(id string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// StartAll moves every Pending item into the scheduling pool. Returns
// pool.ErrNoCapacity when the pool is configured so nothing can ever run.
func (m *Manager) StartAll() error {
	if m.settings.Queue.MaxConcurrent < 1 {
		return pool.ErrNoCapacity
	}
	m.mu.Lock()
	m.started = true
	for _, id := range m.order {
		it := m.items[id]
		if it.State == StatePending {
			m.transitionLocked(it, StateQueued)
			m.publish(queuedEvent(it))
		}
	}
	m.mu.Unlock()
	m.kick()
	return nil
}

// Pause parks one non-terminal item. A mid-transfer item has its attempt
// cancelled; the partial file is kept so a resume can pick it back up.
func (m *Manager) Pause(id string) bool {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State.Terminal() || it.State == StatePaused {
		m.mu.Unlock()
		return false
	}
	m.stopTimersLocked(id)
	cancel := m.cancels[id]
	m.transitionLocked(it, StatePaused)
	m.publish(pausedEvent(it))
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.kick()
	return true
}

// PauseAll pauses every non-terminal item.
func (m *Manager) PauseAll() int {
	return m.forEachID(func(id string) bool { return m.Pause(id) })
}

// Resume re-enters a Paused item into the scheduling pool.
func (m *Manager) Resume(id string) bool {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StatePaused {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(it, StateQueued)
	m.publish(resumedEvent(it))
	m.mu.Unlock()
	m.kick()
	return true
}

// ResumeAll resumes every Paused item.
func (m *Manager) ResumeAll() int {
	return m.forEachID(func(id string) bool { return m.Resume(id) })
}

// Stop cancels one item immediately and unconditionally: in-flight transfers
// are killed, pending backoff timers and conflict prompts are discarded.
// Cancellation always wins.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.stopTimersLocked(id)
	cancel := m.cancels[id]
	m.transitionLocked(it, StateCancelled)
	m.recordTerminalLocked(it)
	m.publish(cancelledEvent(it))
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.kick()
	return true
}

// StopAll cancels every non-terminal item.
func (m *Manager) StopAll() int {
	return m.forEachID(func(id string) bool { return m.Stop(id) })
}

func (m *Manager) forEachID(fn func(id string) bool) int {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if fn(id) {
			n++
		}
	}
	return n
}

// Retry re-enters a terminal Failed or Cancelled item at Pending with fresh
// counters. The item id and its prior history records are preserved.
func (m *Manager) Retry(id string) bool {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || (it.State != StateFailed && it.State != StateCancelled) {
		m.mu.Unlock()
		return false
	}
	it.Attempt = 0
	it.FallbackLevel = 0
	it.Format = it.RequestedFormat
	it.Quality = it.RequestedQuality
	it.OutputPath = ""
	it.ConflictPolicy = ""
	it.Overwrite = false
	it.ProgressBytes = 0
	it.LastError = ""
	it.LastErrorKind = ""
	it.SkipReason = ""
	m.transitionLocked(it, StatePending)
	started := m.started
	if started {
		m.transitionLocked(it, StateQueued)
		m.publish(queuedEvent(it))
	}
	m.mu.Unlock()
	m.kick()
	return true
}

// RemoveWhere deletes every item matching the predicate, cancelling any that
// are still running. Returns how many were removed.
func (m *Manager) RemoveWhere(pred func(Item) bool) int {
	m.mu.Lock()
	var removed []string
	var cancels []context.CancelFunc
	for _, id := range m.order {
		it := m.items[id]
		if !pred(*it) {
			continue
		}
		m.stopTimersLocked(id)
		if cancel := m.cancels[id]; cancel != nil {
			cancels = append(cancels, cancel)
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		delete(m.items, id)
	}
	if len(removed) > 0 {
		kept := m.order[:0]
		for _, id := range m.order {
			if _, present := m.items[id]; present {
				kept = append(kept, id)
			}
		}
		m.order = kept
		m.markDirtyLocked()
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(removed) > 0 {
		m.kick()
	}
	return len(removed)
}

// ResolveConflict answers a pending conflict prompt for one parked item.
func (m *Manager) ResolveConflict(id string, decision UserDecision) bool {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok || it.State != StateAwaitingDecision {
		m.mu.Unlock()
		return false
	}
	if timer := m.decisionTimers[id]; timer != nil {
		timer.Stop()
		delete(m.decisionTimers, id)
	}

	switch decision {
	case DecisionSkip:
		it.SkipReason = "conflict: user skipped"
		m.transitionLocked(it, StateSkipped)
		m.recordTerminalLocked(it)
		m.publish(skippedEvent(it))
		m.mu.Unlock()
		m.checkDrained()
		return true
	case DecisionRename:
		renamed, err := conflict.NextFreePath(it.OutputPath)
		if err != nil {
			it.SkipReason = "conflict: " + err.Error()
			m.transitionLocked(it, StateSkipped)
			m.recordTerminalLocked(it)
			m.publish(skippedEvent(it))
			m.mu.Unlock()
			m.checkDrained()
			return true
		}
		it.OutputPath = renamed
	case DecisionOverwrite:
		it.Overwrite = true
	default:
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(it, StateQueued)
	m.mu.Unlock()
	m.kick()
	return true
}

// SetMaxConcurrent adjusts the pool ceiling at runtime.
func (m *Manager) SetMaxConcurrent(n int) {
	m.mu.Lock()
	m.settings.Queue.MaxConcurrent = n
	m.mu.Unlock()
	m.pool.SetMaxConcurrent(n)
	m.kick()
}

// transitionLocked applies a state change and stamps the item. Transitions to
// a terminal state clear execution bookkeeping.
func (m *Manager) transitionLocked(it *Item, next State) {
	prev := it.State
	it.State = next
	it.UpdatedAt = time.Now()
	if next == StateQueued {
		m.drained = false
	}
	if next.Terminal() {
		if owner, ok := m.activePaths[it.OutputPath]; ok && owner == it.ID {
			delete(m.activePaths, it.OutputPath)
		}
	}
	logging.Debug("item transition",
		zap.String("id", it.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	m.markDirtyLocked()
}

func (m *Manager) stopTimersLocked(id string) {
	if timer := m.retryTimers[id]; timer != nil {
		timer.Stop()
		delete(m.retryTimers, id)
	}
	if timer := m.decisionTimers[id]; timer != nil {
		timer.Stop()
		delete(m.decisionTimers, id)
	}
}

// recordTerminalLocked appends a history record for a terminal transition.
// Persistence failures are logged and never fatal.
func (m *Manager) recordTerminalLocked(it *Item) {
	if m.hist == nil || m.settings.General.DisableHistory {
		return
	}
	rec := history.Record{
		ItemID:     it.ID,
		URL:        it.SourceURL,
		Title:      it.Title,
		State:      string(it.State),
		OutputPath: it.OutputPath,
		ErrorKind:  it.LastErrorKind,
		Error:      it.LastError,
		SizeBytes:  it.TotalBytes,
	}
	if it.State == StateSkipped {
		rec.Error = it.SkipReason
	}
	if it.State == StateCompleted {
		rec.ContentType = sniffContentType(it.OutputPath)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.hist.Append(rec); err != nil {
			logging.Warn("history append failed", zap.Error(err))
		}
	}()
}

// kick wakes the dispatcher without blocking.
func (m *Manager) kick() {
	select {
	case m.dispatch <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher, cancels all in-flight work and flushes a final
// snapshot. The Manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id := range m.retryTimers {
		m.retryTimers[id].Stop()
	}
	for id := range m.decisionTimers {
		m.decisionTimers[id].Stop()
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if m.snapshotPath != "" {
		if err := m.SaveSnapshot(); err != nil {
			logging.Warn("final snapshot save failed", zap.Error(err))
		}
	}
}
