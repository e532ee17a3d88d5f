package server

import (
	"encoding/json"
	"time"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// BudgetRequest overrides the per-task guardrails for one submission.
type BudgetRequest struct {
	MaxTurns       int    `json:"max_turns,omitempty"`
	MaxWallSeconds *int64 `json:"max_wall_seconds,omitempty"`
}

// AnalysisSubmitRequest describes what to analyze. The same shape is stored
// verbatim as a schedule's request.
type AnalysisSubmitRequest struct {
	Content   string         `json:"content"`
	Keywords  []string       `json:"keywords,omitempty"`
	Platforms []string       `json:"platforms,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Budget    *BudgetRequest `json:"budget,omitempty"`
}

// RunResponse is a persisted analysis run. Report is present only on the
// detail endpoint.
type RunResponse struct {
	ID           string          `json:"id"`
	ScheduleID   *string         `json:"schedule_id,omitempty"`
	Status       string          `json:"status"`
	Report       json.RawMessage `json:"report,omitempty"`
	Error        *string         `json:"error,omitempty"`
	TurnsUsed    int             `json:"turns_used"`
	TokensUsed   int64           `json:"tokens_used"`
	CostEstimate float64         `json:"cost_estimate"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// CreateScheduleRequest represents a new recurring analysis.
type CreateScheduleRequest struct {
	Name         string                `json:"name"`
	Request      AnalysisSubmitRequest `json:"request"`
	ScheduleCron string                `json:"schedule_cron"`
}

// UpdateScheduleRequest patches an existing schedule; nil fields are left
// untouched.
type UpdateScheduleRequest struct {
	Name         *string                `json:"name,omitempty"`
	Request      *AnalysisSubmitRequest `json:"request,omitempty"`
	ScheduleCron *string                `json:"schedule_cron,omitempty"`
	Enabled      *bool                  `json:"enabled,omitempty"`
}

// ScheduleResponse is a schedule view. LatestRunID is filled on the detail
// endpoint only.
type ScheduleResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Request      AnalysisSubmitRequest `json:"request"`
	ScheduleCron string                `json:"schedule_cron"`
	Enabled      bool                  `json:"enabled"`
	CreatedAt    time.Time             `json:"created_at"`
	LatestRunID  string                `json:"latest_run_id,omitempty"`
}
