package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrItemNotFound is returned by store lookups for unknown item IDs.
var ErrItemNotFound = errors.New("work item not found")

// ErrStoryNotFound is returned by store lookups for unknown story IDs.
var ErrStoryNotFound = errors.New("story not found")

// ErrEscalationNotFound is returned when resolving an unknown escalation ID.
var ErrEscalationNotFound = errors.New("escalation not found")

// ErrDuplicate is returned when an insert collides with an existing story or
// work item ID.
var ErrDuplicate = errors.New("duplicate record")

// InvalidTransitionError reports a status change outside the state machine.
// It propagates to the caller and is never retried.
type InvalidTransitionError struct {
	From   ItemStatus
	To     ItemStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid item transition %q -> %q: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid item transition %q -> %q", e.From, e.To)
}

// ClaimConflictError reports that a compare-and-swap on an item lost a race:
// the item's status no longer matched what the caller observed. The queue
// manager retries these transparently; they never surface to its callers.
type ClaimConflictError struct {
	ItemID   string
	Expected ItemStatus
	Actual   ItemStatus
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim conflict on %s: expected %q, found %q", e.ItemID, e.Expected, e.Actual)
}

// MalformedStoryError reports a story that failed readiness validation.
// It carries every failing checklist entry; expansion never proceeds on a
// partially valid story.
type MalformedStoryError struct {
	StoryID string
	Missing []string
}

func (e *MalformedStoryError) Error() string {
	return fmt.Sprintf("story %s failed readiness checklist: %s", e.StoryID, strings.Join(e.Missing, ", "))
}

// AlreadyResolvedError reports a duplicate resolution of an escalation.
// The original resolution stands.
type AlreadyResolvedError struct {
	EscalationID string
	Resolution   string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("escalation %s already resolved as %q", e.EscalationID, e.Resolution)
}
