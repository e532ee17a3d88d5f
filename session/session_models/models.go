package session_models

import (
	"encoding/json"
	"errors"
	"time"
)

// TurnKind classifies what a recorded turn captured.
type TurnKind string

const (
	TurnToolCall TurnKind = "tool_call"
	TurnHandoff  TurnKind = "handoff"
	TurnEmit     TurnKind = "emit"
	TurnNote     TurnKind = "note"
)

// Turn is one append-only session record. Seq is assigned by the store,
// strictly increasing from 1 within a session. Stored turns are never
// mutated, so replaying a session's history reproduces the task's
// decision trail in order.
type Turn struct {
	Seq        int             `json:"seq"`
	At         time.Time       `json:"at"`
	Handler    string          `json:"handler,omitempty"`
	Kind       TurnKind        `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// ErrNotFound indicates an unknown or expired session id.
var ErrNotFound = errors.New("session not found")

// ErrSessionBusy indicates another writer holds the session lease.
var ErrSessionBusy = errors.New("session busy")
