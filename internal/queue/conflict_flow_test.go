package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacrate/mediacrate/internal/events"
	"github.com/mediacrate/mediacrate/internal/extractor"
)

func occupyOutputPath(t *testing.T, dir, title string) string {
	t.Helper()
	path := filepath.Join(dir, title+".mp4")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))
	return path
}

func probeTitled(title string) *extractor.ProbeResult {
	return &extractor.ProbeResult{Title: title, Qualities: []string{"best"}}
}

func TestConflictSkipPolicy(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "skip"
	existing := occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateSkipped)

	it, _ := m.Get(id)
	assert.Equal(t, "conflict: file exists", it.SkipReason)
	// The existing file is untouched.
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestConflictRenamePolicy(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "rename"
	occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, filepath.Join(s.General.DownloadDir, "taken (1).mp4"), it.OutputPath)
	assert.FileExists(t, it.OutputPath)
}

func TestConflictOverwritePolicy(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "overwrite"
	existing := occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateCompleted)

	it, _ := m.Get(id)
	assert.Equal(t, existing, it.OutputPath)
	assert.True(t, it.Overwrite)
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "media", string(data))
}

func TestConflictPromptResolvedByUser(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "prompt"
	occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateAwaitingDecision)

	// The prompt event carries the contested path.
	var prompted bool
	deadline := time.After(time.Second)
	for !prompted {
		select {
		case ev := <-m.Events():
			if dr, ok := ev.(events.DecisionRequired); ok {
				assert.Equal(t, id, dr.ID)
				assert.NotEmpty(t, dr.ExistingPath)
				prompted = true
			}
		case <-deadline:
			t.Fatal("no DecisionRequired event")
		}
	}

	require.True(t, m.ResolveConflict(id, DecisionRename))
	waitForState(t, m, id, StateCompleted)
	it, _ := m.Get(id)
	assert.Equal(t, filepath.Join(s.General.DownloadDir, "taken (1).mp4"), it.OutputPath)
}

func TestConflictPromptDoesNotBlockOtherItems(t *testing.T) {
	client := newScriptedClient()
	urlA := "https://example.com/v/a"
	urlB := "https://example.com/v/b"
	client.probes[urlA] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.MaxConcurrent = 1
	s.Queue.ConflictPolicy = "prompt"
	occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	idA := m.Add(urlA, AddOptions{})[0].ID
	idB := m.Add(urlB, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())

	// A is parked on the prompt; with one slot, B must still run through.
	waitForState(t, m, idA, StateAwaitingDecision)
	waitForState(t, m, idB, StateCompleted)
	assert.Equal(t, StateAwaitingDecision, stateOf(m, idA))
}

func TestConflictPromptTimesOut(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "prompt"
	s.Queue.DecisionTimeout = 30 * time.Millisecond
	occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateSkipped)

	it, _ := m.Get(id)
	assert.Equal(t, "conflict prompt timed out", it.SkipReason)
}

func TestConflictPromptSkipDecision(t *testing.T) {
	client := newScriptedClient()
	url := "https://example.com/v/a"
	client.probes[url] = probeTitled("taken")

	s := testSettings(t)
	s.Queue.ConflictPolicy = "prompt"
	occupyOutputPath(t, s.General.DownloadDir, "taken")

	m := newTestManager(t, s, client)
	id := m.Add(url, AddOptions{})[0].ID
	require.NoError(t, m.StartAll())
	waitForState(t, m, id, StateAwaitingDecision)

	require.True(t, m.ResolveConflict(id, DecisionSkip))
	waitForState(t, m, id, StateSkipped)
}

func TestResolveConflictRejectsWrongState(t *testing.T) {
	client := newScriptedClient()
	m := newTestManager(t, testSettings(t), client)
	id := m.Add("https://example.com/v/a", AddOptions{})[0].ID
	assert.False(t, m.ResolveConflict(id, DecisionSkip))
	assert.False(t, m.ResolveConflict("missing", DecisionOverwrite))
}
