// Package emptypage tracks runs of empty import pages so the caller can slow
// down polling on idle partitions.
package emptypage

import "fmt"

// Tracker counts consecutive empty pages up to a configured ceiling.
// It is not safe for concurrent use.
type Tracker struct {
	maxEmptyPages int
	streak        int
}

// NewTracker creates a tracker with the given ceiling (must be >= 1).
func NewTracker(maxEmptyPages int) (*Tracker, error) {
	if maxEmptyPages < 1 {
		return nil, fmt.Errorf("max empty pages must be >= 1 (got %d)", maxEmptyPages)
	}
	return &Tracker{maxEmptyPages: maxEmptyPages}, nil
}

// OnFetchCompleted records the outcome of a successful fetch.
// Empty pages on a cursor that has never seen a sequence field are ignored.
// Exceeding the ceiling wraps the streak back to zero and reports a completed
// idle cycle.
func (t *Tracker) OnFetchCompleted(resultWasEmpty, cursorHasSeenSequenceField bool) (cycleCompleted bool) {
	if !resultWasEmpty {
		t.streak = 0
		return false
	}
	if !cursorHasSeenSequenceField {
		return false
	}

	t.streak++
	if t.streak > t.maxEmptyPages {
		t.streak = 0
		return true
	}
	return false
}

// EmptyStreak returns the current number of consecutive empty pages.
func (t *Tracker) EmptyStreak() int {
	return t.streak
}

// MaxEmptyPages returns the configured ceiling.
func (t *Tracker) MaxEmptyPages() int {
	return t.maxEmptyPages
}
