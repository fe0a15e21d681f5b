package model

import (
	"errors"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   ItemStatus
		terminal bool
	}{
		{StatusBlocked, false},
		{StatusReady, false},
		{StatusInProgress, false},
		{StatusNeedsRework, false},
		{StatusEscalated, false},
		{StatusDone, true},
		{StatusRejected, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateItemTransition_Valid(t *testing.T) {
	valid := []struct{ from, to ItemStatus }{
		{StatusBlocked, StatusReady},
		{StatusBlocked, StatusRejected},
		{StatusReady, StatusInProgress},
		{StatusReady, StatusRejected},
		{StatusInProgress, StatusDone},
		{StatusInProgress, StatusNeedsRework},
		{StatusInProgress, StatusEscalated},
		{StatusNeedsRework, StatusReady},
		{StatusNeedsRework, StatusEscalated},
		{StatusEscalated, StatusReady},
		{StatusEscalated, StatusRejected},
	}
	for _, tt := range valid {
		if err := ValidateItemTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateItemTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}
}

func TestValidateItemTransition_Invalid(t *testing.T) {
	invalid := []struct{ from, to ItemStatus }{
		{StatusBlocked, StatusDone},
		{StatusBlocked, StatusInProgress},
		{StatusReady, StatusDone},
		{StatusInProgress, StatusReady},
		{StatusInProgress, StatusRejected},
		{StatusDone, StatusReady},
		{StatusRejected, StatusReady},
		{StatusNeedsRework, StatusDone},
	}
	for _, tt := range invalid {
		err := ValidateItemTransition(tt.from, tt.to)
		if err == nil {
			t.Errorf("ValidateItemTransition(%q, %q) = nil, want error", tt.from, tt.to)
			continue
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("ValidateItemTransition(%q, %q) error type = %T, want *InvalidTransitionError", tt.from, tt.to, err)
		}
	}
}

func TestInitialStatus(t *testing.T) {
	if got := InitialStatus(nil); got != StatusReady {
		t.Errorf("InitialStatus(nil) = %q, want ready", got)
	}
	if got := InitialStatus([]string{"item_0000000001_deadbeef"}); got != StatusBlocked {
		t.Errorf("InitialStatus(deps) = %q, want blocked", got)
	}
}

func TestParseAgentState(t *testing.T) {
	for _, s := range []string{"idle", "working", "blocked", "done"} {
		if _, err := ParseAgentState(s); err != nil {
			t.Errorf("ParseAgentState(%q) returned error: %v", s, err)
		}
	}
	if _, err := ParseAgentState("dancing"); err == nil {
		t.Error("expected error for unknown agent state")
	}
}
