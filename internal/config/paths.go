package config

import (
	"os"
	"path/filepath"
)

// appDirName is the hidden directory under the user home that holds all
// orchestrator state: settings, queue snapshot, history database, thumbnails.
const appDirName = ".mediacrate"

// GetAppDir returns the root application state directory.
func GetAppDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return appDirName
	}
	return filepath.Join(homeDir, appDirName)
}

// GetSnapshotPath returns the path of the persisted queue snapshot.
func GetSnapshotPath() string {
	return filepath.Join(GetAppDir(), "queue.json")
}

// GetHistoryPath returns the path of the history database.
func GetHistoryPath() string {
	return filepath.Join(GetAppDir(), "history.db")
}

// GetThumbsDir returns the thumbnail cache directory.
func GetThumbsDir() string {
	return filepath.Join(GetAppDir(), "thumbs")
}

// GetLockPath returns the single-instance lock file path.
func GetLockPath() string {
	return filepath.Join(GetAppDir(), "instance.lock")
}

// EnsureDirs creates the application directories if they don't exist.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetThumbsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
