package core

import (
	"errors"
	"testing"
)

func TestMachineWalksFullTaskPath(t *testing.T) {
	m := NewMachine()

	if err := m.Route("coordinator"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.InvokeTools(); err != nil {
		t.Fatalf("InvokeTools: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.HandOff("data_collection"); err != nil {
		t.Fatalf("HandOff: %v", err)
	}
	if err := m.Route("data_collection"); err != nil {
		t.Fatalf("Route after handoff: %v", err)
	}
	if m.Handler() != "data_collection" {
		t.Fatalf("expected handler data_collection, got %s", m.Handler())
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin second handler: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !m.Terminal() {
		t.Fatalf("expected terminal state, got %s", m.State())
	}
	if m.Failed() {
		t.Fatalf("expected success outcome")
	}
}

func TestMachineAllowsEmitThenContinue(t *testing.T) {
	m := NewMachine()
	if err := m.Route("content_analysis"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// An emit keeps the machine in Executing; the next turn begins in place.
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin after emit: %v", err)
	}
	if m.State() != StateExecuting {
		t.Fatalf("expected executing, got %s", m.State())
	}
}

func TestMachineRejectsToolInvokeBeforeBegin(t *testing.T) {
	m := NewMachine()
	if err := m.Route("coordinator"); err != nil {
		t.Fatalf("Route: %v", err)
	}

	err := m.InvokeTools()
	var invalid *ErrInvalidHandoff
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidHandoff, got %v", err)
	}
	if invalid.From != StateRouted {
		t.Fatalf("expected from state routed, got %s", invalid.From)
	}
	if !m.Terminal() || !m.Failed() {
		t.Fatalf("illegal transition must fail the task, state=%s failed=%t", m.State(), m.Failed())
	}
}

func TestMachineRejectsHandoffWhileToolInvoking(t *testing.T) {
	m := NewMachine()
	if err := m.Route("data_collection"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.InvokeTools(); err != nil {
		t.Fatalf("InvokeTools: %v", err)
	}

	err := m.HandOff("content_analysis")
	var invalid *ErrInvalidHandoff
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidHandoff, got %v", err)
	}
	if !m.Failed() {
		t.Fatalf("expected failure outcome after illegal handoff")
	}
}

func TestMachineRejectsRouteFromExecuting(t *testing.T) {
	m := NewMachine()
	if err := m.Route("coordinator"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	err := m.Route("data_collection")
	var invalid *ErrInvalidHandoff
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidHandoff, got %v", err)
	}
	// The failed handler keeps its name for error reporting.
	if m.Handler() != "coordinator" {
		t.Fatalf("expected handler coordinator, got %s", m.Handler())
	}
}

func TestMachineRejectsBeginAfterTerminal(t *testing.T) {
	m := NewMachine()
	if err := m.Route("coordinator"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := m.Begin(); err == nil {
		t.Fatalf("expected error beginning a finished task")
	}
	if !m.Failed() {
		t.Fatalf("post-terminal transition must mark failure")
	}
}
