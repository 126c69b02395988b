// Package queue is the stateful core: it owns the ordered collection of
// download items, their lifecycle, and the orchestration of probing, conflict
// resolution, retry/fallback and bounded execution. All mutation flows through
// the Manager's single critical section.
package queue

import "time"

// State is a queue item's lifecycle phase.
type State string

const (
	StatePending     State = "pending"
	StateResolving   State = "resolving"
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateRetrying    State = "retrying"
	StateFallback    State = "fallback"
	// StateAwaitingDecision parks an item on a conflict prompt. The slot is
	// released; only this item waits, not the queue.
	StateAwaitingDecision State = "awaiting_decision"

	StateCompleted State = "completed"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions may occur (except an
// explicit user retry on Failed/Cancelled).
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateSkipped, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Runnable reports whether the dispatcher may start this item.
func (s State) Runnable() bool { return s == StateQueued }

// InFlight reports whether a worker goroutine currently owns the item.
func (s State) InFlight() bool {
	return s == StateResolving || s == StateDownloading
}

// Item is one URL's download intent. Fields are mutated only by the Manager
// under its lock; callers receive copies.
type Item struct {
	ID            string `json:"id"`
	SourceURL     string `json:"source_url"`
	NormalizedURL string `json:"normalized_url"`

	RequestedFormat  string `json:"requested_format"`
	RequestedQuality string `json:"requested_quality"`
	// Current selection; diverges from the request as fallback degrades it.
	Format  string `json:"format"`
	Quality string `json:"quality"`

	State         State `json:"state"`
	Attempt       int   `json:"attempt"`
	FallbackLevel int   `json:"fallback_level"`
	// FallbackDisabled pins the item to its requested format/quality; a
	// format failure then fails the item instead of degrading it. Stamped
	// at intake for batch entries when the config disallows batch fallback.
	FallbackDisabled bool `json:"fallback_disabled,omitempty"`

	// OutputPath is resolved once, when the conflict decision is made, and is
	// immutable for the remainder of that attempt.
	OutputPath string `json:"output_path,omitempty"`
	// ConflictPolicy is captured at resolution time; later config changes do
	// not retroactively apply.
	ConflictPolicy string `json:"conflict_policy,omitempty"`
	Overwrite      bool   `json:"overwrite,omitempty"`

	Title         string `json:"title,omitempty"`
	SourceLabel   string `json:"source_label,omitempty"`
	ProgressBytes int64  `json:"progress_bytes"`
	TotalBytes    int64  `json:"total_bytes"`

	LastErrorKind string `json:"last_error_kind,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	SkipReason    string `json:"skip_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Seq breaks createdAt ties for FIFO dispatch.
	Seq int `json:"seq"`
}

func (it *Item) clone() *Item {
	dup := *it
	return &dup
}

// Snapshot is the serializable projection of the whole queue, used for
// persistence, import and export.
type Snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Items   []Item    `json:"items"`

	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// AddOptions carries the per-batch intake settings.
type AddOptions struct {
	Format  string
	Quality string
	// OutputDir overrides the configured download directory for this batch.
	OutputDir string
}
