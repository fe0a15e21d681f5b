// Package escalation tracks work items paused on a question only an external
// authority can answer. An escalation lives until someone resolves it; the
// manager never expires one on its own.
package escalation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/store"
	"github.com/oviney/economist-agents-sub003/internal/yaml"
)

const escalationsFile = "escalations.yaml"

type Manager struct {
	mu          sync.Mutex
	store       *store.Store
	stateDir    string
	escalations map[string]*model.Escalation
	logger      *logging.Logger
}

// NewManager wires the escalation ledger to the item store. Pass an empty
// stateDir for an in-memory ledger.
func NewManager(s *store.Store, stateDir string, logger *logging.Logger) *Manager {
	return &Manager{
		store:       s,
		stateDir:    stateDir,
		escalations: make(map[string]*model.Escalation),
		logger:      logger.WithComponent("escalation"),
	}
}

// Load reads the escalation snapshot. A missing file is a fresh start.
func (m *Manager) Load() error {
	if m.stateDir == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.stateDir, escalationsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", escalationsFile, err)
	}
	var snap model.EscalationSnapshot
	if err := yamlv3.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", escalationsFile, err)
	}
	for i := range snap.Escalations {
		esc := snap.Escalations[i]
		m.escalations[esc.ID] = &esc
	}
	return nil
}

// Raise pauses the item on a question. Raising is idempotent per item: a
// second raise while one is pending returns the existing escalation instead
// of stacking a new one. The item moves to escalated from whatever active
// status it holds.
func (m *Manager) Raise(itemID, question string) (model.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.pendingForItemLocked(itemID); existing != nil {
		m.logger.Debugf("raise_dedup item=%s existing=%s", itemID, existing.ID)
		return *existing, nil
	}

	item, err := m.store.GetItem(itemID)
	if err != nil {
		return model.Escalation{}, err
	}
	if item.Status != model.StatusEscalated {
		if _, err := m.store.ApplyTransition(itemID, item.Status, model.StatusEscalated, question); err != nil {
			return model.Escalation{}, fmt.Errorf("escalate %s: %w", itemID, err)
		}
	}

	escID, err := model.GenerateID(model.IDTypeEscalation)
	if err != nil {
		return model.Escalation{}, err
	}
	esc := &model.Escalation{
		ID:         escID,
		WorkItemID: itemID,
		Question:   question,
		Status:     model.EscalationPending,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	m.escalations[esc.ID] = esc
	if err := m.persistLocked(); err != nil {
		return model.Escalation{}, err
	}
	m.logger.Infof("escalation_raised id=%s item=%s question=%q", esc.ID, itemID, question)
	return *esc, nil
}

// Resolve records the external answer and moves the item accordingly:
// approve releases it back to ready, reject ends it. Resolving twice returns
// AlreadyResolvedError and leaves the first answer standing.
func (m *Manager) Resolve(id string, resolution model.Resolution, comment string) (model.Escalation, error) {
	if resolution != model.ResolutionApprove && resolution != model.ResolutionReject {
		return model.Escalation{}, fmt.Errorf("unknown resolution %q", resolution)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escalations[id]
	if !ok {
		return model.Escalation{}, fmt.Errorf("%w: %s", model.ErrEscalationNotFound, id)
	}
	if esc.Status == model.EscalationResolved {
		prior := ""
		if esc.Resolution != nil {
			prior = string(*esc.Resolution)
		}
		return model.Escalation{}, &model.AlreadyResolvedError{EscalationID: id, Resolution: prior}
	}

	target := model.StatusReady
	if resolution == model.ResolutionReject {
		target = model.StatusRejected
	}
	detail := fmt.Sprintf("escalation %s resolved: %s", id, resolution)
	if comment != "" {
		detail += " (" + comment + ")"
	}
	if _, err := m.store.ApplyTransition(esc.WorkItemID, model.StatusEscalated, target, detail); err != nil {
		return model.Escalation{}, fmt.Errorf("apply resolution to %s: %w", esc.WorkItemID, err)
	}

	res := resolution
	now := time.Now().UTC().Format(time.RFC3339)
	esc.Status = model.EscalationResolved
	esc.Resolution = &res
	esc.Comment = comment
	esc.ResolvedAt = &now
	if err := m.persistLocked(); err != nil {
		return model.Escalation{}, err
	}
	m.logger.Infof("escalation_resolved id=%s item=%s resolution=%s", id, esc.WorkItemID, resolution)
	return *esc, nil
}

// Get returns a copy of the escalation.
func (m *Manager) Get(id string) (model.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escalations[id]
	if !ok {
		return model.Escalation{}, fmt.Errorf("%w: %s", model.ErrEscalationNotFound, id)
	}
	return *esc, nil
}

// Pending returns every unresolved escalation, oldest first.
func (m *Manager) Pending() []model.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Escalation
	for _, esc := range m.escalations {
		if esc.Status == model.EscalationPending {
			out = append(out, *esc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingForStory filters pending escalations to one story's items.
func (m *Manager) PendingForStory(storyID string) []model.Escalation {
	var out []model.Escalation
	for _, esc := range m.Pending() {
		item, err := m.store.GetItem(esc.WorkItemID)
		if err != nil {
			continue
		}
		if item.StoryID == storyID {
			out = append(out, esc)
		}
	}
	return out
}

func (m *Manager) pendingForItemLocked(itemID string) *model.Escalation {
	for _, esc := range m.escalations {
		if esc.WorkItemID == itemID && esc.Status == model.EscalationPending {
			return esc
		}
	}
	return nil
}

func (m *Manager) persistLocked() error {
	if m.stateDir == "" {
		return nil
	}
	snap := model.EscalationSnapshot{SchemaVersion: 1, FileType: "escalations"}
	for _, esc := range m.escalations {
		snap.Escalations = append(snap.Escalations, *esc)
	}
	sort.Slice(snap.Escalations, func(i, j int) bool { return snap.Escalations[i].ID < snap.Escalations[j].ID })
	if err := yaml.AtomicWrite(filepath.Join(m.stateDir, escalationsFile), snap); err != nil {
		return fmt.Errorf("persist escalations: %w", err)
	}
	return nil
}
