package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opwatch/opwatch/config"
)

// Telemetry provides monitoring and cost tracking for analysis tasks
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Task metrics
	TotalTasks            int64
	SuccessfulTasks       int64
	FailedTasks           int64
	PartialTasks          int64
	AverageProcessingTime time.Duration
	TurnsUsedTotal        int64

	// Handler metrics
	HandlerExecutions   map[string]int64
	HandlerSuccessRates map[string]float64
	HandlerAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Capability metrics
	CapabilityCalls        map[string]int64
	CapabilitySuccessRates map[string]float64
	CapabilityAverageTimes map[string]time.Duration
	CapabilityShortCircuit map[string]int64
}

// CostTracker tracks costs across LLM models and operations
type CostTracker struct {
	ModelCosts  map[string]float64 // model -> cost
	TotalCost   float64
	TotalTokens int64
}

// TaskEvent represents one complete analysis task
type TaskEvent struct {
	ID             string
	SessionID      string
	RequestText    string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Partial        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	TurnsUsed      int
	HandlersUsed   []string
	LLMModelsUsed  []string
}

// HandlerEvent represents one handler activation within a task
type HandlerEvent struct {
	ID         string
	Handler    string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// ToolEvent represents one capability invocation
type ToolEvent struct {
	ID           string
	Capability   string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Success      bool
	ShortCircuit bool
	Error        string
	Attempts     int
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			HandlerExecutions:      make(map[string]int64),
			HandlerSuccessRates:    make(map[string]float64),
			HandlerAverageTimes:    make(map[string]time.Duration),
			LLMRequests:            make(map[string]int64),
			LLMTokensUsed:          make(map[string]int64),
			CapabilityCalls:        make(map[string]int64),
			CapabilitySuccessRates: make(map[string]float64),
			CapabilityAverageTimes: make(map[string]time.Duration),
			CapabilityShortCircuit: make(map[string]int64),
		},
		costTracker: &CostTracker{
			ModelCosts: make(map[string]float64),
		},
	}

	// Periodic logs can be disabled via config
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordTaskEvent records a completed analysis task
func (t *Telemetry) RecordTaskEvent(ctx context.Context, event TaskEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTasks++
	if event.Success {
		t.metrics.SuccessfulTasks++
	} else {
		t.metrics.FailedTasks++
	}
	if event.Partial {
		t.metrics.PartialTasks++
	}
	t.metrics.TurnsUsedTotal += int64(event.TurnsUsed)

	if t.metrics.TotalTasks == 1 {
		t.metrics.AverageProcessingTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageProcessingTime * time.Duration(t.metrics.TotalTasks-1)
		t.metrics.AverageProcessingTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalTasks)
	}

	// Handler execution counts come from handler events; adding them here
	// too would double count.
	for _, model := range event.LLMModelsUsed {
		t.metrics.LLMRequests[model]++
		t.metrics.LLMTokensUsed[model] += event.TokensUsed
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Task Event: ID=%s, Success=%t, Partial=%t, Turns=%d, Duration=%v, Cost=$%.4f",
		event.ID, event.Success, event.Partial, event.TurnsUsed, event.ProcessingTime, event.Cost)
}

// RecordHandlerEvent records a handler activation
func (t *Telemetry) RecordHandlerEvent(ctx context.Context, event HandlerEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.HandlerExecutions[event.Handler]++

	currentExecutions := t.metrics.HandlerExecutions[event.Handler]
	successes := t.metrics.HandlerSuccessRates[event.Handler] * float64(currentExecutions-1)
	if event.Success {
		successes++
	}
	t.metrics.HandlerSuccessRates[event.Handler] = successes / float64(currentExecutions)

	currentAvg := t.metrics.HandlerAverageTimes[event.Handler]
	if currentExecutions == 1 {
		t.metrics.HandlerAverageTimes[event.Handler] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.HandlerAverageTimes[event.Handler] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}

	// Task totals (cost, tokens) are accounted once by the task event.
	t.logger.Printf("Handler Event: Handler=%s, Success=%t, Duration=%v, Cost=$%.4f",
		event.Handler, event.Success, event.Duration, event.Cost)
}

// RecordToolEvent records a capability invocation
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.CapabilityCalls[event.Capability]++
	if event.ShortCircuit {
		t.metrics.CapabilityShortCircuit[event.Capability]++
	}

	currentCalls := t.metrics.CapabilityCalls[event.Capability]
	successes := t.metrics.CapabilitySuccessRates[event.Capability] * float64(currentCalls-1)
	if event.Success {
		successes++
	}
	t.metrics.CapabilitySuccessRates[event.Capability] = successes / float64(currentCalls)

	currentAvg := t.metrics.CapabilityAverageTimes[event.Capability]
	if currentCalls == 1 {
		t.metrics.CapabilityAverageTimes[event.Capability] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentCalls-1)
		t.metrics.CapabilityAverageTimes[event.Capability] = (total + event.Duration) / time.Duration(currentCalls)
	}

	t.logger.Printf("Tool Event: Capability=%s, Success=%t, ShortCircuit=%t, Attempts=%d, Duration=%v",
		event.Capability, event.Success, event.ShortCircuit, event.Attempts, event.Duration)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Deep copy to avoid handing out shared maps
	metrics := *t.metrics
	metrics.HandlerExecutions = make(map[string]int64)
	metrics.HandlerSuccessRates = make(map[string]float64)
	metrics.HandlerAverageTimes = make(map[string]time.Duration)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	metrics.CapabilityCalls = make(map[string]int64)
	metrics.CapabilitySuccessRates = make(map[string]float64)
	metrics.CapabilityAverageTimes = make(map[string]time.Duration)
	metrics.CapabilityShortCircuit = make(map[string]int64)

	for k, v := range t.metrics.HandlerExecutions {
		metrics.HandlerExecutions[k] = v
	}
	for k, v := range t.metrics.HandlerSuccessRates {
		metrics.HandlerSuccessRates[k] = v
	}
	for k, v := range t.metrics.HandlerAverageTimes {
		metrics.HandlerAverageTimes[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.CapabilityCalls {
		metrics.CapabilityCalls[k] = v
	}
	for k, v := range t.metrics.CapabilitySuccessRates {
		metrics.CapabilitySuccessRates[k] = v
	}
	for k, v := range t.metrics.CapabilityAverageTimes {
		metrics.CapabilityAverageTimes[k] = v
	}
	for k, v := range t.metrics.CapabilityShortCircuit {
		metrics.CapabilityShortCircuit[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64),
	}

	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Tasks=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulTasks, metrics.TotalTasks,
			metrics.AverageProcessingTime, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	t.logger.Println("Shutting down telemetry system...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Tasks: %d", metrics.TotalTasks)
	if metrics.TotalTasks > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulTasks)/float64(metrics.TotalTasks)*100)
	}
	t.logger.Printf("  Average Processing Time: %v", metrics.AverageProcessingTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	successPct := 0.0
	failedPct := 0.0
	if metrics.TotalTasks > 0 {
		successPct = float64(metrics.SuccessfulTasks) / float64(metrics.TotalTasks) * 100
		failedPct = float64(metrics.FailedTasks) / float64(metrics.TotalTasks) * 100
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Tasks: %d
  Successful: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Partial Reports: %d
  Average Processing Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Handler Performance:
`, metrics.TotalTasks, metrics.SuccessfulTasks, successPct,
		metrics.FailedTasks, failedPct, metrics.PartialTasks,
		metrics.AverageProcessingTime, costs.TotalCost, costs.TotalTokens)

	for handler, executions := range metrics.HandlerExecutions {
		successRate := metrics.HandlerSuccessRates[handler]
		avgTime := metrics.HandlerAverageTimes[handler]
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			handler, executions, successRate*100, avgTime)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	report += "\nCapability Performance:\n"
	for capability, calls := range metrics.CapabilityCalls {
		successRate := metrics.CapabilitySuccessRates[capability]
		avgTime := metrics.CapabilityAverageTimes[capability]
		shorted := metrics.CapabilityShortCircuit[capability]
		report += fmt.Sprintf("  %s: %d calls, %.2f%% success, %v avg time, %d short-circuited\n",
			capability, calls, successRate*100, avgTime, shorted)
	}

	return report
}
