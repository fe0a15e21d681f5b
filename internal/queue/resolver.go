package queue

import (
	"errors"
	"fmt"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/store"
)

// Resolver unblocks items whose dependencies have completed.
type Resolver struct {
	store  *store.Store
	logger *logging.Logger
}

func NewResolver(s *store.Store, logger *logging.Logger) *Resolver {
	return &Resolver{
		store:  s,
		logger: logger.WithComponent("dependency_resolver"),
	}
}

// UnblockDependents scans for items blocked on completedID and transitions
// each whose full dependency set is now done to ready. One completion can
// ready several siblings in the same call. The cascade is idempotent:
// re-running on an already-resolved set is a no-op.
func (r *Resolver) UnblockDependents(completedID string) ([]string, error) {
	items := r.store.ListItems()
	done := doneSet(items)

	var readied []string
	for _, item := range items {
		if item.Status != model.StatusBlocked || !contains(item.DependencyIDs, completedID) {
			continue
		}
		ok, err := r.unblockIfSatisfied(item, done)
		if err != nil {
			return readied, err
		}
		if ok {
			readied = append(readied, item.ID)
		}
	}

	if len(readied) > 0 {
		r.logger.Infof("cascade_unblocked completed=%s readied=%d", completedID, len(readied))
	}
	return readied, nil
}

// ReconcileBlocked re-checks every blocked item against the done set. The
// periodic scan runs this as a safety net so a missed completion signal can
// never wedge the pipeline.
func (r *Resolver) ReconcileBlocked() ([]string, error) {
	items := r.store.ListItems()
	done := doneSet(items)

	var readied []string
	for _, item := range items {
		if item.Status != model.StatusBlocked {
			continue
		}
		ok, err := r.unblockIfSatisfied(item, done)
		if err != nil {
			return readied, err
		}
		if ok {
			readied = append(readied, item.ID)
			r.logger.Warnf("reconcile_unblocked item=%s (missed cascade)", item.ID)
		}
	}
	return readied, nil
}

func (r *Resolver) unblockIfSatisfied(item model.WorkItem, done map[string]bool) (bool, error) {
	for _, dep := range item.DependencyIDs {
		if !done[dep] {
			return false, nil
		}
	}

	_, err := r.store.ApplyTransition(item.ID, model.StatusBlocked, model.StatusReady, "all dependencies done")
	if err != nil {
		// Someone already transitioned it; the cascade stays idempotent.
		var cce *model.ClaimConflictError
		if errors.As(err, &cce) {
			return false, nil
		}
		return false, fmt.Errorf("unblock %s: %w", item.ID, err)
	}
	r.logger.Debugf("item_unblocked item=%s", item.ID)
	return true, nil
}

func doneSet(items []model.WorkItem) map[string]bool {
	done := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Status == model.StatusDone {
			done[item.ID] = true
		}
	}
	return done
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
