package core

import "fmt"

// TaskState is the lifecycle state of one analysis task.
type TaskState string

const (
	StateIdle         TaskState = "idle"
	StateRouted       TaskState = "routed"
	StateExecuting    TaskState = "executing"
	StateToolInvoking TaskState = "tool_invoking"
	StateHandedOff    TaskState = "handed_off"
	StateTerminal     TaskState = "terminal"
)

// ErrInvalidHandoff reports a lifecycle transition that is not allowed
// from the current state. The machine moves to Terminal(failure) when it
// is returned; the task must not continue.
type ErrInvalidHandoff struct {
	From    TaskState
	Event   string
	Handler string
}

func (e *ErrInvalidHandoff) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("invalid transition: cannot %s from %s (handler %s)", e.Event, e.From, e.Handler)
	}
	return fmt.Sprintf("invalid transition: cannot %s from %s", e.Event, e.From)
}

// Machine enforces the task lifecycle. A task is routed to a handler,
// executes decision turns, may suspend into tool invocation or hand off
// to the next handler, and ends in exactly one terminal state. Machines
// are per-task and driven from a single goroutine.
type Machine struct {
	state   TaskState
	handler string
	outcome string // "", "success", "failure"
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) State() TaskState { return m.state }
func (m *Machine) Handler() string  { return m.handler }
func (m *Machine) Terminal() bool   { return m.state == StateTerminal }
func (m *Machine) Failed() bool     { return m.outcome == "failure" }

// Route assigns the task to a handler. Legal from Idle (entry handler)
// and from HandedOff (next handler in the chain).
func (m *Machine) Route(handler string) error {
	if m.state != StateIdle && m.state != StateHandedOff {
		return m.illegal("route", handler)
	}
	m.state = StateRouted
	m.handler = handler
	return nil
}

// Begin starts a decision turn for the routed handler.
func (m *Machine) Begin() error {
	if m.state != StateRouted && m.state != StateExecuting {
		return m.illegal("begin turn", m.handler)
	}
	m.state = StateExecuting
	return nil
}

// InvokeTools suspends execution while capability calls are in flight.
func (m *Machine) InvokeTools() error {
	if m.state != StateExecuting {
		return m.illegal("invoke tools", m.handler)
	}
	m.state = StateToolInvoking
	return nil
}

// Resume returns from tool invocation to execution.
func (m *Machine) Resume() error {
	if m.state != StateToolInvoking {
		return m.illegal("resume", m.handler)
	}
	m.state = StateExecuting
	return nil
}

// HandOff passes control toward the named handler. The caller routes the
// target afterwards; registry rules decide whether the pairing is legal.
func (m *Machine) HandOff(target string) error {
	if m.state != StateExecuting {
		return m.illegal("hand off", m.handler)
	}
	m.state = StateHandedOff
	return nil
}

// Finish completes the task successfully.
func (m *Machine) Finish() error {
	if m.state != StateExecuting {
		return m.illegal("finish", m.handler)
	}
	m.state = StateTerminal
	m.outcome = "success"
	return nil
}

// Fail terminates the task. Legal from every state so errors anywhere in
// the loop can always settle the machine.
func (m *Machine) Fail() {
	m.state = StateTerminal
	m.outcome = "failure"
}

func (m *Machine) illegal(event, handler string) error {
	err := &ErrInvalidHandoff{From: m.state, Event: event, Handler: handler}
	m.Fail()
	return err
}
