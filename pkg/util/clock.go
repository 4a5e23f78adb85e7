package util

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// BlockClock reports the height and timestamp of the block being executed, so
// every tx in a block observes the same "now" regardless of how long
// execution takes.
type BlockClock struct {
	mu     sync.RWMutex
	now    time.Time
	height uint64
}

func NewBlockClock(start time.Time) *BlockClock {
	return &BlockClock{now: start}
}

// Set advances the clock to the next block's time.
func (c *BlockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// SetBlock moves the clock to the block being executed.
func (c *BlockClock) SetBlock(height uint64, t time.Time) {
	c.mu.Lock()
	c.height = height
	c.now = t
	c.mu.Unlock()
}

func (c *BlockClock) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

func (c *BlockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}
