// Package batchsize implements the adaptive page size used when importing
// records from the search backend. The size is halved on every failed fetch
// and restored step by step after a run of successful fetches.
package batchsize

import (
	"errors"
	"fmt"
)

// MinSize is the smallest batch size the controller ever shrinks to.
const MinSize = 1

// ErrInvalidConfig is returned when a controller is built from an invalid config.
var ErrInvalidConfig = errors.New("invalid batch size config")

// Config holds the values a controller copies at construction.
type Config struct {
	// DefaultSize is the ceiling batch size and the size the controller
	// converges back to (max import page size).
	DefaultSize int

	// SuccessThreshold is the number of consecutive successful fetches
	// required for one restoration step.
	SuccessThreshold int
}

// Validate checks that both values are at least 1.
func (c Config) Validate() error {
	if c.DefaultSize < MinSize {
		return fmt.Errorf("%w: default size must be >= %d (got %d)", ErrInvalidConfig, MinSize, c.DefaultSize)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("%w: success threshold must be >= 1 (got %d)", ErrInvalidConfig, c.SuccessThreshold)
	}
	return nil
}

// Controller owns the batch size state of a single partition.
// It is not safe for concurrent use.
type Controller struct {
	defaultSize      int
	successThreshold int

	currentSize          int
	consecutiveSuccesses int

	// history is a stack of sizes adopted after failures; the last element is the top.
	history []int
}

// NewController creates a controller that starts at cfg.DefaultSize.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Controller{
		defaultSize:      cfg.DefaultSize,
		successThreshold: cfg.SuccessThreshold,
		currentSize:      cfg.DefaultSize,
	}, nil
}

// CurrentBatchSize returns the size to use for the next query.
func (c *Controller) CurrentBatchSize() int {
	return c.currentSize
}

// DefaultSize returns the configured ceiling.
func (c *Controller) DefaultSize() int {
	return c.defaultSize
}

// ConsecutiveSuccessfulFetches returns the successes counted towards the next restoration step.
func (c *Controller) ConsecutiveSuccessfulFetches() int {
	return c.consecutiveSuccesses
}

// History returns a snapshot of the size stack, top of the stack first.
func (c *Controller) History() []int {
	snapshot := make([]int, len(c.history))
	for i, size := range c.history {
		snapshot[len(c.history)-1-i] = size
	}
	return snapshot
}

// IsFullyOpen reports whether the controller is back at its default size.
func (c *Controller) IsFullyOpen() bool {
	return c.currentSize == c.defaultSize
}

// OnFailure halves the batch size (floor MinSize) and remembers the new size.
// At the floor the size and history stay unchanged.
func (c *Controller) OnFailure() {
	proposed := c.currentSize / 2
	if proposed < MinSize {
		proposed = MinSize
	}

	if proposed != c.currentSize {
		c.history = append(c.history, proposed)
		c.currentSize = proposed
	}

	c.consecutiveSuccesses = 0
}

// OnSuccess counts a successful fetch and performs one restoration step once
// SuccessThreshold consecutive successes have been seen.
//
// A restoration step pops the top of the history. The popped value can equal
// the current size (the size pushed by the failure that produced it), in which
// case the visible size only changes on a later step. With an empty history the
// size jumps straight back to the default.
func (c *Controller) OnSuccess() {
	if c.currentSize == c.defaultSize {
		return
	}

	c.consecutiveSuccesses++
	if c.consecutiveSuccesses < c.successThreshold {
		return
	}

	if n := len(c.history); n > 0 {
		c.currentSize = c.history[n-1]
		c.history = c.history[:n-1]
	} else {
		c.currentSize = c.defaultSize
	}

	c.consecutiveSuccesses = 0
}
