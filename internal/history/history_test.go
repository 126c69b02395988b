package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Record{
		ItemID:     "a",
		URL:        "https://example.com/v/1",
		Title:      "first",
		State:      "completed",
		OutputPath: "/tmp/first.mp4",
		SizeBytes:  1234,
	}))
	require.NoError(t, store.Append(Record{
		ItemID:    "b",
		URL:       "https://example.com/v/2",
		State:     "failed",
		ErrorKind: "transient",
		Error:     "timed out",
	}))

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, "b", records[0].ItemID)
	assert.Equal(t, "failed", records[0].State)
	assert.Equal(t, "transient", records[0].ErrorKind)
	assert.Equal(t, "a", records[1].ItemID)
	assert.Equal(t, int64(1234), records[1].SizeBytes)
	assert.WithinDuration(t, time.Now(), records[0].FinishedAt, time.Minute)
}

func TestByItemAccumulatesAttempts(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Record{ItemID: "a", URL: "u", State: "failed"}))
	require.NoError(t, store.Append(Record{ItemID: "a", URL: "u", State: "completed"}))
	require.NoError(t, store.Append(Record{ItemID: "other", URL: "u2", State: "cancelled"}))

	records, err := store.ByItem("a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Oldest first: the failed attempt precedes the successful retry.
	assert.Equal(t, "failed", records[0].State)
	assert.Equal(t, "completed", records[1].State)
}

func TestGet(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Append(Record{ItemID: "a", URL: "u", State: "completed"}))

	records, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got, err := store.Get(records[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ItemID)

	missing, err := store.Get(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUnfinishedPaths(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Record{ItemID: "a", URL: "u", State: "completed", OutputPath: "/tmp/done.mp4"}))
	require.NoError(t, store.Append(Record{ItemID: "b", URL: "u2", State: "failed", OutputPath: "/tmp/broken.mp4"}))
	require.NoError(t, store.Append(Record{ItemID: "b", URL: "u2", State: "failed", OutputPath: "/tmp/broken.mp4"}))
	require.NoError(t, store.Append(Record{ItemID: "c", URL: "u3", State: "cancelled", OutputPath: "/tmp/stopped.mp4"}))
	require.NoError(t, store.Append(Record{ItemID: "d", URL: "u4", State: "failed"}))

	paths, err := store.UnfinishedPaths()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/tmp/broken.mp4", "/tmp/stopped.mp4"}, paths)
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Append(Record{ItemID: "a", URL: "u", State: "completed"}))
	require.NoError(t, store.Clear())

	records, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
