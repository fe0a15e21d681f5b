// Package orchestrator composes the store, queue, gate, monitor, and
// escalation components into the control loop that advances stories from
// submission to publication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oviney/economist-agents-sub003/internal/escalation"
	"github.com/oviney/economist-agents-sub003/internal/events"
	"github.com/oviney/economist-agents-sub003/internal/gate"
	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/monitor"
	"github.com/oviney/economist-agents-sub003/internal/queue"
	"github.com/oviney/economist-agents-sub003/internal/store"
)

const defaultMaxReworkAttempts = 3

// Orchestrator runs the poll → gate → transition iteration. It is the only
// writer of item status in the daemon; workers communicate exclusively
// through their status records and the claim API.
type Orchestrator struct {
	store       *store.Store
	queue       *queue.Manager
	resolver    *queue.Resolver
	monitor     *monitor.Monitor
	gate        *gate.Validator
	escalations *escalation.Manager
	routing     *monitor.RoutingTable
	bus         *events.Bus
	maxRework   int
	logger      *logging.Logger
}

type Deps struct {
	Store       *store.Store
	Queue       *queue.Manager
	Resolver    *queue.Resolver
	Monitor     *monitor.Monitor
	Gate        *gate.Validator
	Escalations *escalation.Manager
	Routing     *monitor.RoutingTable
	Bus         *events.Bus
}

func New(deps Deps, cfg model.Config, logger *logging.Logger) *Orchestrator {
	maxRework := cfg.Retry.MaxReworkAttempts
	if maxRework <= 0 {
		maxRework = defaultMaxReworkAttempts
	}
	return &Orchestrator{
		store:       deps.Store,
		queue:       deps.Queue,
		resolver:    deps.Resolver,
		monitor:     deps.Monitor,
		gate:        deps.Gate,
		escalations: deps.Escalations,
		routing:     deps.Routing,
		bus:         deps.Bus,
		maxRework:   maxRework,
		logger:      logger.WithComponent("orchestrator"),
	}
}

// SubmitStory validates and expands a story into queued work items. It
// returns the story ID, generated when the submission did not carry one.
func (o *Orchestrator) SubmitStory(story model.Story) (string, []model.WorkItem, error) {
	if story.ID == "" {
		id, err := model.GenerateID(model.IDTypeStory)
		if err != nil {
			return "", nil, err
		}
		story.ID = id
	}
	for _, spec := range story.Items {
		if spec.CapabilityClass != "" && !o.routing.Known(spec.CapabilityClass) {
			return "", nil, &model.MalformedStoryError{
				StoryID: story.ID,
				Missing: []string{fmt.Sprintf("items: capability class %q has no routing entry", spec.CapabilityClass)},
			}
		}
	}

	items, err := o.queue.Expand(story)
	if err != nil {
		return "", nil, err
	}
	o.publish(events.EventStoryExpanded, map[string]any{
		"story_id": story.ID,
		"items":    len(items),
	})
	return story.ID, items, nil
}

// NextReady claims the best ready item for a worker.
func (o *Orchestrator) NextReady(capabilityClass, workerID string) (*model.WorkItem, error) {
	item, err := o.queue.NextReady(capabilityClass, workerID)
	if err != nil || item == nil {
		return item, err
	}
	o.publish(events.EventItemClaimed, map[string]any{
		"item_id":   item.ID,
		"story_id":  item.StoryID,
		"worker_id": workerID,
	})
	return item, nil
}

// Cancel rejects a not-yet-started item.
func (o *Orchestrator) Cancel(itemID, reason string) (model.WorkItem, error) {
	item, err := o.queue.Cancel(itemID, reason)
	if err != nil {
		return model.WorkItem{}, err
	}
	o.publish(events.EventItemCancelled, map[string]any{
		"item_id":  item.ID,
		"story_id": item.StoryID,
		"reason":   reason,
	})
	return item, nil
}

// Resolve answers a pending escalation.
func (o *Orchestrator) Resolve(escalationID string, resolution model.Resolution, comment string) (model.Escalation, error) {
	esc, err := o.escalations.Resolve(escalationID, resolution, comment)
	if err != nil {
		return model.Escalation{}, err
	}
	o.publish(events.EventEscalationResolved, map[string]any{
		"escalation_id": esc.ID,
		"item_id":       esc.WorkItemID,
		"resolution":    string(resolution),
	})
	return esc, nil
}

// PendingEscalations lists unresolved escalations, oldest first.
func (o *Orchestrator) PendingEscalations() []model.Escalation {
	return o.escalations.Pending()
}

// RunIteration executes one pass of the control loop: poll worker status,
// gate reported completions, escalate blocked workers, reconcile any missed
// unblock cascades, and report stalled workers. Every action in the pass is
// individually idempotent, so a crash between two steps is repaired by the
// next pass.
func (o *Orchestrator) RunIteration(ctx context.Context, heartbeatTimeout time.Duration) error {
	records, err := o.monitor.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll worker status: %w", err)
	}

	for _, record := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch record.State {
		case model.AgentDone:
			o.handleCompletion(ctx, record)
		case model.AgentBlocked:
			o.handleBlockedWorker(record)
		}
	}

	if readied, err := o.resolver.ReconcileBlocked(); err != nil {
		o.logger.Errorf("reconcile_failed err=%v", err)
	} else if len(readied) > 0 {
		o.logger.Infof("reconcile_readied items=%d", len(readied))
	}

	for _, s := range o.monitor.DetectStalled(records, heartbeatTimeout) {
		o.publish(events.EventWorkerStalled, map[string]any{
			"worker_id":      s.WorkerID,
			"item_id":        strDeref(s.CurrentItemID),
			"last_heartbeat": s.LastHeartbeat,
			"reason":         s.Reason,
		})
	}
	return nil
}

// handleCompletion gates one reported completion. The status record is a
// worker's claim that it finished; nothing moves to done until the gate
// approves.
func (o *Orchestrator) handleCompletion(ctx context.Context, record model.AgentStatusRecord) {
	if record.CurrentItemID == nil {
		return
	}
	itemID := *record.CurrentItemID

	item, err := o.store.GetItem(itemID)
	if err != nil {
		o.logger.Warnf("completion_for_unknown_item worker=%s item=%s", record.WorkerID, itemID)
		return
	}
	if item.Status != model.StatusInProgress {
		// Already processed on a previous pass, or the item moved on.
		o.logger.Debugf("completion_skipped item=%s status=%s", itemID, item.Status)
		return
	}
	if item.ClaimedBy == nil || *item.ClaimedBy != record.WorkerID {
		o.logger.Warnf("completion_claimant_mismatch item=%s worker=%s claimed_by=%v",
			itemID, record.WorkerID, item.ClaimedBy)
		return
	}

	gd, err := o.gate.ValidateCompletion(ctx, item, record.OutputRef)
	if err != nil {
		o.logger.Errorf("gate_error item=%s err=%v", itemID, err)
		return
	}
	o.publish(events.EventGateDecision, map[string]any{
		"item_id":   itemID,
		"story_id":  item.StoryID,
		"worker_id": record.WorkerID,
		"decision":  string(gd.Decision),
	})

	switch gd.Decision {
	case model.DecisionApprove:
		o.approveCompletion(item, record)
	case model.DecisionEscalate:
		o.raiseEscalation(itemID, gate.EscalationQuestion(gd))
	case model.DecisionReject:
		o.rejectCompletion(item, gd)
	}
}

func (o *Orchestrator) approveCompletion(item model.WorkItem, record model.AgentStatusRecord) {
	if record.OutputRef != "" {
		if err := o.store.RecordOutput(item.ID, record.OutputRef); err != nil {
			o.logger.Errorf("record_output item=%s err=%v", item.ID, err)
			return
		}
	}
	if _, err := o.queue.ApplyTransition(item.ID, model.StatusInProgress, model.StatusDone, "gate approved"); err != nil {
		var cce *model.ClaimConflictError
		if errors.As(err, &cce) {
			o.logger.Debugf("completion_raced item=%s actual=%s", item.ID, cce.Actual)
			return
		}
		o.logger.Errorf("complete_failed item=%s err=%v", item.ID, err)
		return
	}

	readied, err := o.resolver.UnblockDependents(item.ID)
	if err != nil {
		o.logger.Errorf("cascade_failed item=%s err=%v", item.ID, err)
	}
	o.publish(events.EventItemCompleted, map[string]any{
		"item_id":    item.ID,
		"story_id":   item.StoryID,
		"worker_id":  record.WorkerID,
		"output_ref": record.OutputRef,
		"readied":    len(readied),
	})

	if next := o.routing.RouteOnCompletion(item.CapabilityClass, o.storyOf(item)); next != "" {
		o.logger.Debugf("routed item=%s class=%s next=%s", item.ID, item.CapabilityClass, next)
	}
}

// rejectCompletion sends a failed item back for rework, or escalates when the
// item has already used up its rework budget.
func (o *Orchestrator) rejectCompletion(item model.WorkItem, gd model.GateDecision) {
	detail := failureDetail(gd)

	if item.Attempts >= o.maxRework {
		question := fmt.Sprintf("rejected by quality gate after %d rework attempts: %s", item.Attempts, detail)
		o.raiseEscalation(item.ID, question)
		return
	}

	if _, err := o.queue.ApplyTransition(item.ID, model.StatusInProgress, model.StatusNeedsRework, detail); err != nil {
		var cce *model.ClaimConflictError
		if errors.As(err, &cce) {
			o.logger.Debugf("reject_raced item=%s actual=%s", item.ID, cce.Actual)
			return
		}
		o.logger.Errorf("reject_failed item=%s err=%v", item.ID, err)
		return
	}
	if _, err := o.queue.Requeue(item.ID, detail); err != nil {
		o.logger.Errorf("requeue_failed item=%s err=%v", item.ID, err)
		return
	}
	o.publish(events.EventItemRequeued, map[string]any{
		"item_id":  item.ID,
		"story_id": item.StoryID,
		"detail":   detail,
	})
}

// handleBlockedWorker converts a worker's blocked_reason into an escalation
// on its claimed item.
func (o *Orchestrator) handleBlockedWorker(record model.AgentStatusRecord) {
	if record.CurrentItemID == nil || record.BlockedReason == "" {
		return
	}
	itemID := *record.CurrentItemID
	item, err := o.store.GetItem(itemID)
	if err != nil {
		o.logger.Warnf("blocked_worker_unknown_item worker=%s item=%s", record.WorkerID, itemID)
		return
	}
	if item.Status != model.StatusInProgress && item.Status != model.StatusEscalated {
		return
	}
	o.raiseEscalation(itemID, record.BlockedReason)
}

func (o *Orchestrator) raiseEscalation(itemID, question string) {
	esc, err := o.escalations.Raise(itemID, question)
	if err != nil {
		o.logger.Errorf("escalate_failed item=%s err=%v", itemID, err)
		return
	}
	o.publish(events.EventEscalationRaised, map[string]any{
		"escalation_id": esc.ID,
		"item_id":       itemID,
		"question":      question,
	})
}

// StoryStatus summarizes one story's progress: per-status counts, the item
// list, and the pending escalations awaiting an answer.
type StoryStatus struct {
	StoryID            string              `json:"story_id"`
	Counts             map[string]int      `json:"counts"`
	Items              []ItemSummary       `json:"items"`
	PendingEscalations []EscalationSummary `json:"pending_escalations"`
}

type EscalationSummary struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Question  string `json:"question"`
	CreatedAt string `json:"created_at"`
}

type ItemSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	CapabilityClass string `json:"capability_class"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	ClaimedBy       string `json:"claimed_by,omitempty"`
	OutputRef       string `json:"output_ref,omitempty"`
}

// StoryStatus reports per-status counts and the item list for one story.
func (o *Orchestrator) StoryStatus(storyID string) (StoryStatus, error) {
	items, err := o.store.ItemsByStory(storyID)
	if err != nil {
		return StoryStatus{}, err
	}

	status := StoryStatus{
		StoryID:            storyID,
		Counts:             make(map[string]int),
		PendingEscalations: escalationSummaries(o.escalations.PendingForStory(storyID)),
	}
	for _, item := range items {
		status.Counts[string(item.Status)]++
		status.Items = append(status.Items, ItemSummary{
			ID:              item.ID,
			Name:            item.Name,
			CapabilityClass: item.CapabilityClass,
			Status:          string(item.Status),
			Attempts:        item.Attempts,
			ClaimedBy:       strDeref(item.ClaimedBy),
			OutputRef:       item.OutputRef,
		})
	}
	return status, nil
}

// GlobalStatus aggregates item counts across all stories.
func (o *Orchestrator) GlobalStatus() StoryStatus {
	status := StoryStatus{
		Counts:             make(map[string]int),
		PendingEscalations: escalationSummaries(o.escalations.Pending()),
	}
	for _, item := range o.store.ListItems() {
		status.Counts[string(item.Status)]++
	}
	return status
}

func escalationSummaries(escs []model.Escalation) []EscalationSummary {
	out := make([]EscalationSummary, 0, len(escs))
	for _, esc := range escs {
		out = append(out, EscalationSummary{
			ID:        esc.ID,
			ItemID:    esc.WorkItemID,
			Question:  esc.Question,
			CreatedAt: esc.CreatedAt,
		})
	}
	return out
}

func (o *Orchestrator) storyOf(item model.WorkItem) model.Story {
	story, err := o.store.GetStory(item.StoryID)
	if err != nil {
		return model.Story{}
	}
	return story
}

func (o *Orchestrator) publish(eventType events.EventType, fields map[string]any) {
	if o.bus != nil {
		o.bus.Publish(eventType, fields)
	}
}

func failureDetail(gd model.GateDecision) string {
	var parts []string
	for _, r := range gd.CriteriaResults {
		if r.Outcome != model.OutcomeFail {
			continue
		}
		if r.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Criterion, r.Detail))
		} else {
			parts = append(parts, r.Criterion)
		}
	}
	if len(parts) == 0 {
		return "quality gate rejected the output"
	}
	return strings.Join(parts, "; ")
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
