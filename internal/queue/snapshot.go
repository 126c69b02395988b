package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/logging"
)

// saveInterval coalesces bursts of transitions into one disk write.
const saveInterval = 200 * time.Millisecond

// ExportSnapshot produces a point-in-time copy of the queue. Item states and
// counters are exported verbatim; importing the result into a fresh Manager
// reproduces them exactly.
func (m *Manager) ExportSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportLocked()
}

func (m *Manager) exportLocked() Snapshot {
	snap := Snapshot{SavedAt: time.Now(), Items: make([]Item, 0, len(m.order))}
	for _, id := range m.order {
		it := m.items[id]
		snap.Items = append(snap.Items, *it)
		switch it.State {
		case StateCompleted:
			snap.Completed++
		case StateFailed:
			snap.Failed++
		case StateSkipped:
			snap.Skipped++
		case StateCancelled:
			snap.Cancelled++
		case StateDownloading, StateResolving:
			snap.Active++
		}
	}
	return snap
}

// ImportSnapshot replaces the queue contents with the snapshot's items,
// verbatim: ids, states and attempt counters survive the round trip. Running
// items must not exist; call only on a fresh or stopped Manager.
func (m *Manager) ImportSnapshot(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cancels) > 0 {
		return fmt.Errorf("cannot import while %d items are in flight", len(m.cancels))
	}

	m.items = make(map[string]*Item, len(snap.Items))
	m.order = m.order[:0]
	m.seq = 0
	for i := range snap.Items {
		it := snap.Items[i].clone()
		if _, dup := m.items[it.ID]; dup {
			return fmt.Errorf("snapshot has duplicate item id %q", it.ID)
		}
		if it.Seq > m.seq {
			m.seq = it.Seq
		}
		m.insertLocked(it)
	}
	m.markDirtyLocked()
	return nil
}

// Normalize demotes states that cannot survive a process restart: anything
// that was running or waiting when the snapshot was written re-enters the
// scheduling pool as Queued, with a note of the recovery. Applied only to
// disk-restored snapshots, never to explicit imports.
func (m *Manager) Normalize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	demoted := 0
	for _, id := range m.order {
		it := m.items[id]
		switch it.State {
		case StateResolving, StateDownloading, StateRetrying, StateFallback, StateAwaitingDecision:
			it.OutputPath = ""
			it.Overwrite = false
			it.ProgressBytes = 0
			it.LastError = "recovered from previous session"
			it.LastErrorKind = ""
			m.transitionLocked(it, StateQueued)
			demoted++
		}
	}
	if demoted > 0 {
		m.markDirtyLocked()
	}
	return demoted
}

// MarshalSnapshot renders a snapshot in the on-disk/export wire shape.
func MarshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// UnmarshalSnapshot parses the export/import wire shape.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse queue snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot writes the current queue state atomically (temp file, then
// rename). Failures are the caller's to log; they never stop the queue.
func (m *Manager) SaveSnapshot() error {
	if m.snapshotPath == "" {
		return nil
	}
	data, err := MarshalSnapshot(m.ExportSnapshot())
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		return fmt.Errorf("finalize queue snapshot: %w", err)
	}
	return nil
}

// LoadSnapshotFile reads a snapshot file. A missing file is an empty queue,
// not an error.
func LoadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read queue snapshot: %w", err)
	}
	return UnmarshalSnapshot(data)
}

// markDirtyLocked schedules an asynchronous persistence pass. The transition
// that triggered it never waits on disk.
func (m *Manager) markDirtyLocked() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop is the best-effort persister: it debounces dirty marks and writes
// the snapshot off the critical path.
func (m *Manager) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.saveCh:
		}
		timer := time.NewTimer(saveInterval)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := m.SaveSnapshot(); err != nil {
			logging.Warn("queue snapshot save failed", zap.Error(err))
		}
	}
}
