// Package events defines the messages streamed to the presentation boundary.
// Consumers receive them over a plain channel; no UI types leak into the core.
package events

import "time"

// ItemQueued is sent when an item enters the scheduling pool.
type ItemQueued struct {
	ID  string
	URL string
}

// ItemResolving is sent when format/quality probing begins for an item.
type ItemResolving struct {
	ID  string
	URL string
}

// ItemStarted is sent when the byte transfer actually begins.
type ItemStarted struct {
	ID         string
	URL        string
	OutputPath string
	Total      int64
}

// ItemProgress carries a progress update from the extractor.
type ItemProgress struct {
	ID         string
	Downloaded int64
	Total      int64
	Percent    float64
}

// ItemRetrying is sent when a failed attempt is scheduled for re-entry.
type ItemRetrying struct {
	ID      string
	Attempt int
	Delay   time.Duration
	Err     string
}

// ItemFallback is sent when the next attempt degrades format/quality.
type ItemFallback struct {
	ID      string
	Format  string
	Quality string
	Level   int
	Delay   time.Duration
}

type ItemPaused struct {
	ID string
}

type ItemResumed struct {
	ID string
}

// ItemCompleted signals a successful terminal transition.
type ItemCompleted struct {
	ID         string
	OutputPath string
	Total      int64
	Elapsed    time.Duration
}

// ItemSkipped signals a terminal skip (duplicate, conflict-skip, prompt timeout).
type ItemSkipped struct {
	ID     string
	Reason string
}

// ItemFailed signals a terminal failure.
type ItemFailed struct {
	ID   string
	Kind string
	Err  string
}

type ItemCancelled struct {
	ID string
}

// DecisionRequired is sent when a conflict needs a user decision. The consumer
// answers via the queue manager's ResolveConflict before Deadline, otherwise
// the item is skipped.
type DecisionRequired struct {
	ID           string
	ExistingPath string
	Deadline     time.Time
}

// ConcurrencyChanged reports an adaptive adjustment of the effective ceiling.
type ConcurrencyChanged struct {
	Effective int
	Max       int
	Reason    string
}

// QueueDrained is sent when no runnable items remain.
type QueueDrained struct {
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
}
