// Package queue implements the task queue manager and the dependency
// resolver: story expansion into work items, priority-ordered claiming, the
// guarded status write path, and the unblock cascade.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/store"
)

// ReadinessValidator gates story expansion. Implemented by the quality gate
// validator; an interface here keeps the gate package out of queue's imports.
type ReadinessValidator interface {
	ValidateReadiness(story model.Story) (bool, []string)
}

const defaultClaimRetries = 3

// Manager turns backlog stories into work items and serves ready items to
// requesting workers.
type Manager struct {
	store        *store.Store
	readiness    ReadinessValidator
	maxItems     int
	maxPayload   int
	claimRetries int
	logger       *logging.Logger
}

func NewManager(s *store.Store, readiness ReadinessValidator, cfg model.Config, logger *logging.Logger) *Manager {
	claimRetries := cfg.Retry.ClaimRetries
	if claimRetries <= 0 {
		claimRetries = defaultClaimRetries
	}
	return &Manager{
		store:        s,
		readiness:    readiness,
		maxItems:     cfg.Limits.MaxStoryItems,
		maxPayload:   cfg.Limits.MaxPayloadBytes,
		claimRetries: claimRetries,
		logger:       logger.WithComponent("queue"),
	}
}

// Expand converts a story's flat pipeline sequence into work items with
// dependency edges. Item k depends on the previous pipeline step unless it
// is marked parallel, in which case it shares its predecessor's edges and no
// edge exists between the siblings. Expansion refuses to proceed on a story
// that fails its readiness checklist.
func (m *Manager) Expand(story model.Story) ([]model.WorkItem, error) {
	if ok, missing := m.readiness.ValidateReadiness(story); !ok {
		return nil, &model.MalformedStoryError{StoryID: story.ID, Missing: missing}
	}
	if m.maxItems > 0 && len(story.Items) > m.maxItems {
		return nil, &model.MalformedStoryError{
			StoryID: story.ID,
			Missing: []string{fmt.Sprintf("items: %d exceeds limit %d", len(story.Items), m.maxItems)},
		}
	}
	var oversized []string
	for i, spec := range story.Items {
		if m.maxPayload > 0 && len(spec.Payload) > m.maxPayload {
			oversized = append(oversized, fmt.Sprintf("items[%d]: payload is %d bytes, limit %d", i, len(spec.Payload), m.maxPayload))
		}
	}
	if len(oversized) > 0 {
		return nil, &model.MalformedStoryError{StoryID: story.ID, Missing: oversized}
	}

	now := time.Now().UTC()
	items := make([]model.WorkItem, 0, len(story.Items))

	// prevGroup holds the dependency edges for the current parallel group;
	// curGroup collects the group being built.
	var prevGroup, curGroup []string

	for i, spec := range story.Items {
		id, err := model.GenerateID(model.IDTypeItem)
		if err != nil {
			return nil, fmt.Errorf("generate item ID: %w", err)
		}

		if i > 0 && !spec.Parallel {
			prevGroup = curGroup
			curGroup = nil
		}

		deps := append([]string(nil), prevGroup...)
		// Nanosecond timestamps keep FIFO ordering within a priority band
		// even when several items are created in the same second.
		created := now.Add(time.Duration(i) * time.Microsecond).Format(time.RFC3339Nano)
		items = append(items, model.WorkItem{
			ID:              id,
			StoryID:         story.ID,
			Name:            spec.Name,
			CapabilityClass: spec.CapabilityClass,
			Priority:        spec.Priority,
			Status:          model.InitialStatus(deps),
			DependencyIDs:   deps,
			Payload:         spec.Payload,
			CreatedAt:       created,
			UpdatedAt:       created,
		})
		curGroup = append(curGroup, id)
	}

	story.WorkItemIDs = make([]string, len(items))
	for i, item := range items {
		story.WorkItemIDs[i] = item.ID
	}
	story.CreatedAt = now.Format(time.RFC3339)
	story.UpdatedAt = story.CreatedAt

	if err := m.store.InsertExpansion(story, items); err != nil {
		return nil, fmt.Errorf("insert expansion: %w", err)
	}

	m.logger.Infof("story_expanded story=%s items=%d", story.ID, len(items))
	return items, nil
}

// NextReady returns the highest-priority ready item for a capability class,
// atomically claiming it for the worker. Priority ties break on earliest
// created_at. Returns (nil, nil) when nothing is claimable; that is a
// normal outcome, not an error. Claim races are retried transparently.
func (m *Manager) NextReady(capabilityClass, workerID string) (*model.WorkItem, error) {
	for attempt := 0; attempt < m.claimRetries; attempt++ {
		candidates := m.readyCandidates(capabilityClass)
		if len(candidates) == 0 {
			return nil, nil
		}

		conflicted := false
		for _, candidate := range candidates {
			item, err := m.store.Claim(candidate.ID, workerID)
			if err == nil {
				m.logger.Infof("item_claimed item=%s worker=%s class=%s priority=%d",
					item.ID, workerID, capabilityClass, item.Priority)
				return &item, nil
			}
			var cce *model.ClaimConflictError
			if errors.As(err, &cce) {
				m.logger.Debugf("claim_conflict item=%s worker=%s actual=%s", candidate.ID, workerID, cce.Actual)
				conflicted = true
				continue
			}
			return nil, err
		}
		if !conflicted {
			return nil, nil
		}
	}
	return nil, nil
}

func (m *Manager) readyCandidates(capabilityClass string) []model.WorkItem {
	var candidates []model.WorkItem
	for _, item := range m.store.ListItems() {
		if item.Status == model.StatusReady && item.CapabilityClass == capabilityClass {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return candidates
}

// ApplyTransition is the only status write path outside expansion and
// claiming. Invalid transitions propagate as InvalidTransitionError.
func (m *Manager) ApplyTransition(itemID string, from, to model.ItemStatus, detail string) (model.WorkItem, error) {
	item, err := m.store.ApplyTransition(itemID, from, to, detail)
	if err != nil {
		return model.WorkItem{}, err
	}
	m.logger.Infof("item_transition item=%s from=%s to=%s detail=%q", itemID, from, to, detail)
	return item, nil
}

// Requeue returns a reworkable item to the ready pool.
func (m *Manager) Requeue(itemID, detail string) (model.WorkItem, error) {
	return m.ApplyTransition(itemID, model.StatusNeedsRework, model.StatusReady, detail)
}

// Cancel rejects an item that has not started. Items in progress cannot be
// cancelled (a worker may already be acting on them) and cancellation never
// cascades: dependents stay blocked because their dependency never completed.
func (m *Manager) Cancel(itemID, reason string) (model.WorkItem, error) {
	item, err := m.store.GetItem(itemID)
	if err != nil {
		return model.WorkItem{}, err
	}
	if item.Status != model.StatusBlocked && item.Status != model.StatusReady {
		return model.WorkItem{}, &model.InvalidTransitionError{
			From:   item.Status,
			To:     model.StatusRejected,
			Reason: "only blocked or ready items can be cancelled",
		}
	}
	return m.ApplyTransition(itemID, item.Status, model.StatusRejected, reason)
}
