// Package retrypolicy decides what happens after a failed download attempt.
// The decision function is pure: it inspects the attempt counters and the
// failure kind and never touches the queue, the clock or the network.
package retrypolicy

import (
	"math/rand"
	"strings"
	"time"

	"github.com/mediacrate/mediacrate/internal/extractor"
)

// Action is what the queue manager should do with a failed item.
type Action int

const (
	// GiveUp transitions the item to Failed.
	GiveUp Action = iota
	// RetrySame re-enters the item with unchanged format/quality after Delay.
	RetrySame
	// RetryWithFallback re-enters the item with a degraded selection.
	RetryWithFallback
)

func (a Action) String() string {
	switch a {
	case RetrySame:
		return "retry"
	case RetryWithFallback:
		return "fallback"
	}
	return "give_up"
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Profile bounds retry behavior. Zero values mean "no retries".
type Profile struct {
	MaxAttempts       int
	MaxFallbackDepth  int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCeiling    time.Duration
	// Jitter disables the random backoff component when false; decisions
	// become fully deterministic (used by tests).
	Jitter bool
}

// Named profiles. "off" never retries, "basic" is the default, "aggressive"
// tries harder with a taller fallback ladder.
var (
	ProfileOff = Profile{}

	ProfileBasic = Profile{
		MaxAttempts:       3,
		MaxFallbackDepth:  2,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffCeiling:    30 * time.Second,
		Jitter:            true,
	}

	ProfileAggressive = Profile{
		MaxAttempts:       5,
		MaxFallbackDepth:  4,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		BackoffCeiling:    60 * time.Second,
		Jitter:            true,
	}
)

// ByName resolves a configured profile name, defaulting to basic.
func ByName(name string) Profile {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "off", "none":
		return ProfileOff
	case "aggressive":
		return ProfileAggressive
	}
	return ProfileBasic
}

// Decide evaluates the policy for a just-failed attempt.
//
// attempt is the 1-based number of the attempt that failed; fallbackLevel is
// how many fallback steps the item has already taken. The rules:
//
//   - transient failures retry with the same parameters until MaxAttempts,
//     then give up — degrading format/quality cannot fix a flaky network;
//   - format/quality-unavailable failures skip straight to fallback without
//     burning retry attempts, until MaxFallbackDepth;
//   - permanent and unknown failures give up immediately.
func Decide(attempt, fallbackLevel int, kind extractor.FailureKind, p Profile) Decision {
	switch kind {
	case extractor.KindTransient:
		if attempt < p.MaxAttempts {
			return Decision{Action: RetrySame, Delay: BackoffDelay(attempt, p)}
		}
	case extractor.KindFormatUnavailable, extractor.KindQualityUnavailable:
		if fallbackLevel < p.MaxFallbackDepth {
			return Decision{Action: RetryWithFallback, Delay: BackoffDelay(fallbackLevel+1, p)}
		}
	}
	return Decision{Action: GiveUp}
}

// BackoffDelay computes the exponential delay before re-entry number
// attempt+1. With Jitter set, up to 25% of the computed delay is added.
func BackoffDelay(attempt int, p Profile) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.BackoffCeiling > 0 && delay >= float64(p.BackoffCeiling) {
			delay = float64(p.BackoffCeiling)
			break
		}
	}
	if p.BackoffCeiling > 0 && delay > float64(p.BackoffCeiling) {
		delay = float64(p.BackoffCeiling)
	}
	if p.Jitter {
		delay += rand.Float64() * delay * 0.25
		if p.BackoffCeiling > 0 && delay > float64(p.BackoffCeiling) {
			delay = float64(p.BackoffCeiling)
		}
	}
	return time.Duration(delay)
}
