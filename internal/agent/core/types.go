package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opwatch/opwatch/internal/budget"
	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/corpus"
	"github.com/opwatch/opwatch/internal/report"
	"github.com/opwatch/opwatch/session/session_models"
)

// AnalysisRequest represents a user's public-opinion analysis request
type AnalysisRequest struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Platforms []string               `json:"platforms,omitempty"`
	Keywords  []string               `json:"keywords,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Budget    *budget.Config         `json:"budget,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AnalysisResult represents the final result of processing a request
type AnalysisResult struct {
	ID             string          `json:"id"`
	Request        AnalysisRequest `json:"request"`
	SessionID      string          `json:"session_id"`
	Report         report.Report   `json:"report"`
	Status         string          `json:"status"` // completed, partial, failed
	TurnsUsed      int             `json:"turns_used"`
	HandlersUsed   []string        `json:"handlers_used"`
	LLMModelsUsed  []string        `json:"llm_models_used,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`
	CostEstimate   float64         `json:"cost_estimate"`
	TokensUsed     int64           `json:"tokens_used"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ActionKind enumerates what a handler decision can request next.
type ActionKind string

const (
	ActionToolCalls ActionKind = "tool_calls"
	ActionHandoff   ActionKind = "handoff"
	ActionEmit      ActionKind = "emit"
	ActionFinish    ActionKind = "finish"
)

// ToolRequest is one capability invocation requested by a decision.
// Multiple requests in a single decision fan out concurrently.
type ToolRequest struct {
	Capability string                 `json:"capability"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// Decision is the outcome of one handler turn. Exactly one of the
// action-specific field groups is meaningful, selected by Action.
type Decision struct {
	Action    ActionKind      `json:"action"`
	ToolCalls []ToolRequest   `json:"tool_calls,omitempty"`
	Target    string          `json:"target,omitempty"`
	Category  report.Category `json:"category,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ToolOutcome is the recorded result of one capability invocation.
type ToolOutcome struct {
	Capability string          `json:"capability"`
	Result     json.RawMessage `json:"result,omitempty"`
	Err        string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Attempts   int             `json:"attempts"`
}

// PolicyInput carries everything a policy may consult for one decision.
type PolicyInput struct {
	Request     AnalysisRequest
	Handler     string
	Card        capability.HandlerCard
	History     []session_models.Turn
	LastResults []ToolOutcome
	Emitted     []report.Category
	CorpusSize  int
	Sample      []corpus.Hit
	TurnsUsed   int
	TurnsLeft   int
	Usage       *Usage
}

// Usage accumulates LLM spend across the turns of one task. It is owned by
// a single task loop and must not be shared across tasks.
type Usage struct {
	TokensUsed int64
	Cost       float64
	Models     []string
}

// Add records one LLM call against the accumulator.
func (u *Usage) Add(model string, inputTokens, outputTokens int64, cost float64) {
	if u == nil {
		return
	}
	u.TokensUsed += inputTokens + outputTokens
	u.Cost += cost
	for _, m := range u.Models {
		if m == model {
			return
		}
	}
	u.Models = append(u.Models, model)
}

// Policy decides the next action for the active handler. Implementations
// must be safe for concurrent use across tasks.
type Policy interface {
	Decide(ctx context.Context, input PolicyInput) (Decision, error)
}

// ProcessingStatus represents the status of an in-flight analysis task
type ProcessingStatus struct {
	TaskID         string    `json:"task_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Status         string    `json:"status"` // pending, executing, completed, partial, failed, cancelled
	CurrentHandler string    `json:"current_handler,omitempty"`
	TurnsUsed      int       `json:"turns_used"`
	MaxTurns       int       `json:"max_turns"`
	Error          string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Runner is the contract the API layer drives tasks through.
type Runner interface {
	// Submit processes an analysis request to completion
	Submit(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)

	// GetStatus returns the current status of an in-flight task
	GetStatus(taskID string) (ProcessingStatus, error)

	// Cancel stops an in-flight task
	Cancel(taskID string) error
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}
