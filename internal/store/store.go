// Package store implements the work item store: the canonical, transactional
// owner of WorkItem and Story state. All status mutation goes through a
// compare-and-swap on (id, expected status), so two orchestration iterations
// or two racing claimants can never both succeed on the same item.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	itemsFile   = "items.yaml"
	storiesFile = "stories.yaml"

	schemaVersion = 1
)

// Store is a mutex-guarded map with YAML snapshot persistence. The external
// contract (atomic CAS transitions) holds regardless of the backing.
type Store struct {
	mu       sync.Mutex
	stateDir string
	items    map[string]*model.WorkItem
	stories  map[string]*model.Story
}

func New(stateDir string) *Store {
	return &Store{
		stateDir: stateDir,
		items:    make(map[string]*model.WorkItem),
		stories:  make(map[string]*model.Story),
	}
}

// Load reads existing snapshots from the state directory. Missing files are
// a fresh start, not an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemsPath := filepath.Join(s.stateDir, itemsFile)
	if data, err := os.ReadFile(itemsPath); err == nil {
		var snap model.ItemSnapshot
		if err := yamlv3.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parse %s: %w", itemsFile, err)
		}
		for i := range snap.Items {
			item := snap.Items[i]
			s.items[item.ID] = &item
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", itemsFile, err)
	}

	storiesPath := filepath.Join(s.stateDir, storiesFile)
	if data, err := os.ReadFile(storiesPath); err == nil {
		var snap model.StorySnapshot
		if err := yamlv3.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parse %s: %w", storiesFile, err)
		}
		for i := range snap.Stories {
			story := snap.Stories[i]
			s.stories[story.ID] = &story
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", storiesFile, err)
	}

	return nil
}

// InsertExpansion records a story and its expanded work items in one step.
// Fails without mutating anything if the story or any item ID already exists.
func (s *Store) InsertExpansion(story model.Story, items []model.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stories[story.ID]; exists {
		return fmt.Errorf("%w: story %s already expanded", model.ErrDuplicate, story.ID)
	}
	for _, item := range items {
		if _, exists := s.items[item.ID]; exists {
			return fmt.Errorf("%w: work item %s already exists", model.ErrDuplicate, item.ID)
		}
	}

	st := story
	s.stories[st.ID] = &st
	for i := range items {
		item := items[i]
		s.items[item.ID] = &item
	}
	return s.persistLocked()
}

// GetItem returns a copy of the item.
func (s *Store) GetItem(id string) (model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return model.WorkItem{}, fmt.Errorf("%w: %s", model.ErrItemNotFound, id)
	}
	return *item, nil
}

// ListItems returns copies of all items.
func (s *Store) ListItems() []model.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.WorkItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	return out
}

// ItemsByStory returns copies of the story's items in pipeline order.
func (s *Store) ItemsByStory(storyID string) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrStoryNotFound, storyID)
	}
	out := make([]model.WorkItem, 0, len(story.WorkItemIDs))
	for _, id := range story.WorkItemIDs {
		if item, ok := s.items[id]; ok {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Store) GetStory(id string) (model.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[id]
	if !ok {
		return model.Story{}, fmt.Errorf("%w: %s", model.ErrStoryNotFound, id)
	}
	return *story, nil
}

func (s *Store) ListStories() []model.Story {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Story, 0, len(s.stories))
	for _, story := range s.stories {
		out = append(out, *story)
	}
	return out
}

// ApplyTransition is the only status write path outside claiming. It
// compare-and-swaps (id, expected) → to: a mismatch between expected and the
// item's actual status returns ClaimConflictError, an illegal edge returns
// InvalidTransitionError.
func (s *Store) ApplyTransition(id string, expected, to model.ItemStatus, detail string) (model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return model.WorkItem{}, fmt.Errorf("%w: %s", model.ErrItemNotFound, id)
	}
	if item.Status != expected {
		return model.WorkItem{}, &model.ClaimConflictError{ItemID: id, Expected: expected, Actual: item.Status}
	}
	if err := model.ValidateItemTransition(expected, to); err != nil {
		return model.WorkItem{}, err
	}

	item.Status = to
	item.LastDetail = detail
	item.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	switch to {
	case model.StatusReady:
		item.ClaimedBy = nil
	case model.StatusNeedsRework:
		item.Attempts++
		item.ClaimedBy = nil
	case model.StatusEscalated:
		item.ClaimedBy = nil
	}

	if err := s.persistLocked(); err != nil {
		return model.WorkItem{}, err
	}
	return *item, nil
}

// Claim compare-and-swaps a ready item to in_progress and records the
// claimant. Exactly one concurrent claimant can win.
func (s *Store) Claim(id, worker string) (model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return model.WorkItem{}, fmt.Errorf("%w: %s", model.ErrItemNotFound, id)
	}
	if item.Status != model.StatusReady {
		return model.WorkItem{}, &model.ClaimConflictError{ItemID: id, Expected: model.StatusReady, Actual: item.Status}
	}

	owner := worker
	item.Status = model.StatusInProgress
	item.ClaimedBy = &owner
	item.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := s.persistLocked(); err != nil {
		return model.WorkItem{}, err
	}
	return *item, nil
}

// RecordOutput stores the worker's opaque result pointer on an item.
func (s *Store) RecordOutput(id, outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrItemNotFound, id)
	}
	item.OutputRef = outputRef
	item.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.stateDir == "" {
		return nil // in-memory only, used by tests
	}

	itemSnap := model.ItemSnapshot{SchemaVersion: schemaVersion, FileType: "work_items"}
	for _, item := range s.items {
		itemSnap.Items = append(itemSnap.Items, *item)
	}
	sort.Slice(itemSnap.Items, func(i, j int) bool { return itemSnap.Items[i].ID < itemSnap.Items[j].ID })
	if err := yaml.AtomicWrite(filepath.Join(s.stateDir, itemsFile), itemSnap); err != nil {
		return fmt.Errorf("persist items: %w", err)
	}

	storySnap := model.StorySnapshot{SchemaVersion: schemaVersion, FileType: "stories"}
	for _, story := range s.stories {
		storySnap.Stories = append(storySnap.Stories, *story)
	}
	sort.Slice(storySnap.Stories, func(i, j int) bool { return storySnap.Stories[i].ID < storySnap.Stories[j].ID })
	if err := yaml.AtomicWrite(filepath.Join(s.stateDir, storiesFile), storySnap); err != nil {
		return fmt.Errorf("persist stories: %w", err)
	}
	return nil
}
