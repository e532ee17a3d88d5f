package core

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/report"
)

// Aggregator collects emitted report sections across handlers. Emissions
// for the same category overwrite earlier ones; malformed or unauthorized
// emissions are downgraded to warnings so one bad payload cannot sink the
// whole task.
type Aggregator struct {
	registry *capability.Registry
	logger   *log.Logger

	rep      report.Report
	emitted  []report.Category
	warnings []string
	mu       sync.Mutex
}

func NewAggregator(registry *capability.Registry) *Aggregator {
	return &Aggregator{
		registry: registry,
		logger:   log.New(log.Writer(), "[AGGREGATOR] ", log.LstdFlags),
	}
}

// Merge applies one emission. It returns false, with a recorded warning,
// when the category is unknown, the handler is not allowed to emit it, or
// the payload fails category schema validation.
func (a *Aggregator) Merge(handler string, category report.Category, payload json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !report.Known(category) {
		a.warn(fmt.Sprintf("handler %s emitted unknown category %q", handler, category))
		return false
	}
	if a.registry != nil && !a.registry.CanEmit(handler, category) {
		a.warn(fmt.Sprintf("handler %s is not allowed to emit category %s", handler, category))
		return false
	}
	if err := a.rep.Apply(category, payload); err != nil {
		a.warn(fmt.Sprintf("malformed output from %s for category %s: %v", handler, category, err))
		return false
	}

	if !containsCategory(a.emitted, category) {
		a.emitted = append(a.emitted, category)
	}
	return true
}

// Warn records a task-level warning outside the emission path, e.g. a
// failed capability call during fan-out.
func (a *Aggregator) Warn(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warn(msg)
}

func (a *Aggregator) warn(msg string) {
	a.logger.Printf("warn: %s", msg)
	a.warnings = append(a.warnings, msg)
}

// Emitted returns the categories applied so far, in first-emission order.
func (a *Aggregator) Emitted() []report.Category {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]report.Category, len(a.emitted))
	copy(out, a.emitted)
	return out
}

// Warnings returns the warnings recorded so far.
func (a *Aggregator) Warnings() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.warnings))
	copy(out, a.warnings)
	return out
}

// Finalize stamps the report and returns it. A partial report keeps every
// section that was successfully emitted before the task stopped.
func (a *Aggregator) Finalize(partial bool) report.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	rep := a.rep
	rep.Partial = partial
	rep.Warnings = append([]string(nil), a.warnings...)
	rep.GeneratedAt = time.Now().UTC()
	return rep
}

func containsCategory(list []report.Category, c report.Category) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
