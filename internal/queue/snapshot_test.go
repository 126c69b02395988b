package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacrate/mediacrate/internal/pool"
)

func TestSnapshotRoundTripIsIdentical(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/flaky"
	client.failures[url] = []error{transientErr(), transientErr(), transientErr()}

	m := newTestManager(t, testSettings(t), client)
	m.Add(url+"\nhttps://example.com/v/ok\nnot-started-url.example.com/v/x", AddOptions{})
	require.NoError(t, m.StartAll())
	require.Eventually(t, func() bool {
		for _, it := range m.Items() {
			if !it.State.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	exported := m.ExportSnapshot()
	data, err := MarshalSnapshot(exported)
	require.NoError(t, err)
	parsed, err := UnmarshalSnapshot(data)
	require.NoError(t, err)

	fresh := newTestManager(t, testSettings(t), newScriptedClient())
	require.NoError(t, fresh.ImportSnapshot(parsed))

	orig := m.Items()
	restored := fresh.Items()
	require.Equal(t, len(orig), len(restored))
	for i := range orig {
		assert.Equal(t, orig[i].ID, restored[i].ID)
		assert.Equal(t, orig[i].State, restored[i].State)
		assert.Equal(t, orig[i].Attempt, restored[i].Attempt)
		assert.Equal(t, orig[i].FallbackLevel, restored[i].FallbackLevel)
		assert.Equal(t, orig[i].NormalizedURL, restored[i].NormalizedURL)
	}
}

func TestImportRejectsDuplicateIDs(t *testing.T) {
	m := newTestManager(t, testSettings(t), newScriptedClient())
	snap := Snapshot{Items: []Item{
		{ID: "x", State: StatePending},
		{ID: "x", State: StateCompleted},
	}}
	assert.Error(t, m.ImportSnapshot(snap))
}

func TestNormalizeDemotesRunningStates(t *testing.T) {
	m := newTestManager(t, testSettings(t), newScriptedClient())
	require.NoError(t, m.ImportSnapshot(Snapshot{Items: []Item{
		{ID: "a", State: StateDownloading, OutputPath: "/tmp/a.mp4", ProgressBytes: 10},
		{ID: "b", State: StateRetrying},
		{ID: "c", State: StateCompleted},
		{ID: "d", State: StatePaused},
		{ID: "e", State: StateAwaitingDecision, OutputPath: "/tmp/e.mp4"},
	}}))

	assert.Equal(t, 3, m.Normalize())

	byID := map[string]Item{}
	for _, it := range m.Items() {
		byID[it.ID] = it
	}
	assert.Equal(t, StateQueued, byID["a"].State)
	assert.Empty(t, byID["a"].OutputPath, "stale path claims do not survive a restart")
	assert.Zero(t, byID["a"].ProgressBytes)
	assert.Equal(t, "recovered from previous session", byID["a"].LastError)
	assert.Equal(t, StateQueued, byID["b"].State)
	assert.Equal(t, StateCompleted, byID["c"].State, "terminal states are untouched")
	assert.Equal(t, StatePaused, byID["d"].State, "paused stays paused")
	assert.Equal(t, StateQueued, byID["e"].State)
}

func TestSnapshotPersistedToDisk(t *testing.T) {
	client := newScriptedClient()
	s := testSettings(t)
	path := filepath.Join(t.TempDir(), "queue.json")
	m := New(Options{
		Settings:     s,
		Client:       client,
		Pool:         pool.New(s.Queue.MaxConcurrent, false, 0),
		SnapshotPath: path,
	})

	id := m.Add("https://example.com/v/a", AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)
	m.Close() // flushes the final snapshot

	snap, err := LoadSnapshotFile(path)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, id, snap.Items[0].ID)
	assert.Equal(t, StateCompleted, snap.Items[0].State)
	assert.Equal(t, 1, snap.Completed)
}

func TestLoadSnapshotMissingFileIsEmpty(t *testing.T) {
	snap, err := LoadSnapshotFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
}

func TestLoadSnapshotCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0644))
	_, err := LoadSnapshotFile(path)
	assert.Error(t, err)
}
