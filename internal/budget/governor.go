package budget

import (
	"fmt"
	"sync"
	"time"
)

// Governor enforces the turn budget for one task. Every orchestration step
// consumes exactly one turn; once the limit is reached the governor keeps
// refusing, so turns_used never passes MaxTurns.
type Governor struct {
	config    Config
	turnsUsed int
	startTime time.Time
	mu        sync.Mutex
}

// NewGovernor clones the provided config and starts tracking usage.
func NewGovernor(cfg Config) *Governor {
	return &Governor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Consume claims one turn, returning ErrExceeded when the budget is spent.
// The refusal is monotone: after the first failure every later call fails.
func (g *Governor) Consume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.turnsUsed >= g.config.MaxTurns {
		return ErrExceeded{
			Kind:  "turns",
			Usage: fmt.Sprintf("%d turns", g.turnsUsed),
			Limit: fmt.Sprintf("%d turns", g.config.MaxTurns),
		}
	}
	g.turnsUsed++
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (g *Governor) CheckTime() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.config.MaxWallSeconds == nil || *g.config.MaxWallSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(g.startTime)
	limit := time.Duration(*g.config.MaxWallSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Used returns the number of turns consumed so far.
func (g *Governor) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turnsUsed
}

// Remaining returns the number of turns still available.
func (g *Governor) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.turnsUsed >= g.config.MaxTurns {
		return 0
	}
	return g.config.MaxTurns - g.turnsUsed
}

// Limit returns the configured turn ceiling.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config.MaxTurns
}

// Usage returns the accumulated metrics.
func (g *Governor) Usage() (turns int, elapsed time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turnsUsed, time.Since(g.startTime)
}

// Config returns a clone of the underlying budget config.
func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config.Clone()
}
