package model

import "fmt"

type ItemStatus string

const (
	StatusBlocked     ItemStatus = "blocked"
	StatusReady       ItemStatus = "ready"
	StatusInProgress  ItemStatus = "in_progress"
	StatusDone        ItemStatus = "done"
	StatusNeedsRework ItemStatus = "needs_rework"
	StatusEscalated   ItemStatus = "escalated"
	StatusRejected    ItemStatus = "rejected"
)

type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
)

type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentWorking AgentState = "working"
	AgentBlocked AgentState = "blocked"
	AgentDone    AgentState = "done"
)

var terminalItemStatuses = map[ItemStatus]bool{
	StatusDone:     true,
	StatusRejected: true,
}

// Item status transitions:
//
//	blocked → ready (all dependencies done)
//	blocked → rejected (cancel)
//	ready → in_progress (claim)
//	ready → rejected (cancel)
//	in_progress → done | needs_rework | escalated
//	needs_rework → ready (requeue) | escalated (retry limit)
//	escalated → ready (resolution approve) | rejected (resolution reject)
var validItemTransitions = map[ItemStatus]map[ItemStatus]bool{
	StatusBlocked: {
		StatusReady:    true,
		StatusRejected: true,
	},
	StatusReady: {
		StatusInProgress: true,
		StatusRejected:   true,
	},
	StatusInProgress: {
		StatusDone:        true,
		StatusNeedsRework: true,
		StatusEscalated:   true,
	},
	StatusNeedsRework: {
		StatusReady:     true,
		StatusEscalated: true,
	},
	StatusEscalated: {
		StatusReady:    true,
		StatusRejected: true,
	},
}

func IsTerminal(s ItemStatus) bool {
	return terminalItemStatuses[s]
}

// ValidateItemTransition checks a status change against the state machine.
// A failure here is a programming-contract violation by the caller, never a
// recoverable runtime condition.
func ValidateItemTransition(from, to ItemStatus) error {
	if IsTerminal(from) {
		return &InvalidTransitionError{From: from, To: to, Reason: "from status is terminal"}
	}
	allowed, ok := validItemTransitions[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to, Reason: "unknown status"}
	}
	if !allowed[to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// InitialStatus returns the status a freshly expanded item starts in.
func InitialStatus(dependencyIDs []string) ItemStatus {
	if len(dependencyIDs) == 0 {
		return StatusReady
	}
	return StatusBlocked
}

func (s ItemStatus) String() string { return string(s) }

func ParseAgentState(s string) (AgentState, error) {
	switch AgentState(s) {
	case AgentIdle, AgentWorking, AgentBlocked, AgentDone:
		return AgentState(s), nil
	}
	return "", fmt.Errorf("unknown agent state %q", s)
}
