// Package conflict decides what to do when a download's output path is
// already occupied.
package conflict

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Policy is the configured reaction to an existing output file.
type Policy int

const (
	// Skip marks the item Skipped and leaves the file alone.
	Skip Policy = iota
	// Overwrite replaces the existing file.
	Overwrite
	// RenameWithSuffix finds a free "name (N).ext" path.
	RenameWithSuffix
	// PromptEachTime defers to the user, one decision per item.
	PromptEachTime
)

func (p Policy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case RenameWithSuffix:
		return "rename"
	case PromptEachTime:
		return "prompt"
	}
	return "skip"
}

// ParsePolicy reads a configured policy name. Unknown names fall back to Skip.
func ParsePolicy(name string) Policy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "overwrite":
		return Overwrite
	case "rename", "rename_with_suffix":
		return RenameWithSuffix
	case "prompt", "ask":
		return PromptEachTime
	}
	return Skip
}

// DecisionKind is the resolver's answer for one path.
type DecisionKind int

const (
	// UseAsIs means the path is free (or may be overwritten).
	UseAsIs DecisionKind = iota
	// UseRenamed carries an alternative free path.
	UseRenamed
	// SkipItem means the item should be skipped.
	SkipItem
	// RequireUserDecision means the caller must park the item and wait.
	RequireUserDecision
)

// Decision is the resolver output. Path is set for UseAsIs and UseRenamed.
type Decision struct {
	Kind DecisionKind
	Path string
}

// maxRenameProbes bounds the suffix search before giving up.
const maxRenameProbes = 1000

// ErrResolutionExhausted is returned when no free suffixed path exists within
// the probe bound.
var ErrResolutionExhausted = errors.New("conflict resolution exhausted: no free path within probe limit")

// Resolve applies the policy to a candidate output path. The filesystem check
// happens here, once, at resolution time; later policy changes do not affect
// already-resolved items.
func Resolve(path string, policy Policy) (Decision, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Decision{Kind: UseAsIs, Path: path}, nil
	}

	switch policy {
	case Overwrite:
		return Decision{Kind: UseAsIs, Path: path}, nil
	case RenameWithSuffix:
		renamed, err := NextFreePath(path)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Kind: UseRenamed, Path: renamed}, nil
	case PromptEachTime:
		return Decision{Kind: RequireUserDecision}, nil
	}
	return Decision{Kind: SkipItem}, nil
}

// NextFreePath probes "name (1).ext", "name (2).ext", ... until a free path is
// found, bounded by maxRenameProbes.
func NextFreePath(path string) (string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	for n := 1; n <= maxRenameProbes; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", ErrResolutionExhausted
}
