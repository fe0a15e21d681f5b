package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goyaml "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/escalation"
	"github.com/oviney/economist-agents-sub003/internal/gate"
	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/monitor"
	"github.com/oviney/economist-agents-sub003/internal/queue"
	"github.com/oviney/economist-agents-sub003/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelDebug, "test")
}

type fixture struct {
	baseDir string
	store   *store.Store
	orch    *Orchestrator
}

func newFixture(t *testing.T, defs *gate.Definitions) *fixture {
	t.Helper()
	baseDir := t.TempDir()
	logger := testLogger()

	cfg := model.Config{
		Routing: model.RoutingConfig{Classes: map[string]string{
			"writer":  "editor",
			"grapher": "editor",
			"editor":  "",
		}},
		Retry: model.RetryConfig{MaxReworkAttempts: 2},
	}

	st := store.New("")
	validator := gate.NewValidator(defs, logger)
	routing, err := monitor.NewRoutingTable(cfg.Routing)
	if err != nil {
		t.Fatal(err)
	}

	orch := New(Deps{
		Store:       st,
		Queue:       queue.NewManager(st, validator, cfg, logger),
		Resolver:    queue.NewResolver(st, logger),
		Monitor:     monitor.New(baseDir, logger),
		Gate:        validator,
		Escalations: escalation.NewManager(st, "", logger),
		Routing:     routing,
	}, cfg, logger)

	return &fixture{baseDir: baseDir, store: st, orch: orch}
}

func (f *fixture) writeStatus(t *testing.T, record model.AgentStatusRecord) {
	t.Helper()
	if record.LastHeartbeat == "" {
		record.LastHeartbeat = time.Now().UTC().Format(time.RFC3339)
	}
	statusDir := filepath.Join(f.baseDir, "status")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatal(err)
	}
	data, err := goyaml.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(statusDir, record.WorkerID+".yaml"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) runIteration(t *testing.T) {
	t.Helper()
	if err := f.orch.RunIteration(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
}

func pipelineStory(steps ...model.StoryItem) model.Story {
	return model.Story{
		ReadinessChecklist: []string{"headline", "items"},
		Fields:             map[string]string{"headline": "Rates and the long shadow"},
		Items:              steps,
	}
}

func onlyGate(class string, defs ...gate.CriterionDef) *gate.Definitions {
	return &gate.Definitions{Classes: map[string][]gate.CriterionDef{class: defs}}
}

func TestPipeline_ApproveAdvancesStory(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
		model.StoryItem{Name: "edit", CapabilityClass: "editor", Priority: 5},
	))
	if err != nil {
		t.Fatalf("SubmitStory: %v", err)
	}

	claimed, err := f.orch.NextReady("writer", "writer-1")
	if err != nil || claimed == nil || claimed.ID != items[0].ID {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:        "writer-1",
		CapabilityClass: "writer",
		CurrentItemID:   &items[0].ID,
		State:           model.AgentDone,
		OutputRef:       "drafts/rates.md",
	})
	f.runIteration(t)

	draft, _ := f.store.GetItem(items[0].ID)
	if draft.Status != model.StatusDone {
		t.Errorf("draft = %q, want done", draft.Status)
	}
	if draft.OutputRef != "drafts/rates.md" {
		t.Errorf("output_ref = %q", draft.OutputRef)
	}
	edit, _ := f.store.GetItem(items[1].ID)
	if edit.Status != model.StatusReady {
		t.Errorf("edit = %q, want ready after cascade", edit.Status)
	}
}

func TestPipeline_IterationIsIdempotent(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		CurrentItemID: &items[0].ID,
		State:         model.AgentDone,
		OutputRef:     "drafts/rates.md",
	})

	// The status record stays on disk; repeated passes must not disturb the
	// settled item.
	f.runIteration(t)
	f.runIteration(t)
	f.runIteration(t)

	item, _ := f.store.GetItem(items[0].ID)
	if item.Status != model.StatusDone {
		t.Errorf("status = %q after repeated iterations, want done", item.Status)
	}
}

func TestPipeline_AmbiguousEscalatesAndResolves(t *testing.T) {
	f := newFixture(t, onlyGate("writer",
		gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet},
		gate.CriterionDef{Name: "reads_well", Kind: gate.CheckManual, Question: "Does this read well?"},
	))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		CurrentItemID: &items[0].ID,
		State:         model.AgentDone,
		OutputRef:     "drafts/rates.md",
	})
	f.runIteration(t)

	item, _ := f.store.GetItem(items[0].ID)
	if item.Status != model.StatusEscalated {
		t.Fatalf("status = %q, want escalated", item.Status)
	}
	pending := f.orch.PendingEscalations()
	if len(pending) != 1 || pending[0].Question != "Does this read well?" {
		t.Fatalf("pending = %+v", pending)
	}

	// Repeated passes do not stack escalations for the same item.
	f.runIteration(t)
	if len(f.orch.PendingEscalations()) != 1 {
		t.Fatalf("escalations stacked: %d", len(f.orch.PendingEscalations()))
	}

	if _, err := f.orch.Resolve(pending[0].ID, model.ResolutionApprove, "fine"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	item, _ = f.store.GetItem(items[0].ID)
	if item.Status != model.StatusReady {
		t.Errorf("status = %q after approve, want ready", item.Status)
	}
}

func TestPipeline_RejectRequeuesWithAttempt(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}
	// Empty output_ref fails the deterministic criterion.
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		CurrentItemID: &items[0].ID,
		State:         model.AgentDone,
	})
	f.runIteration(t)

	item, _ := f.store.GetItem(items[0].ID)
	if item.Status != model.StatusReady {
		t.Errorf("status = %q, want ready after requeue", item.Status)
	}
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}
	if item.ClaimedBy != nil {
		t.Error("requeued item should be unclaimed")
	}
	// The requeued item keeps the gate's failure detail so the next claimant
	// can see why the last attempt was rejected.
	if !strings.Contains(item.LastDetail, "output_ref") {
		t.Errorf("last_detail = %q, want the gate failure reason", item.LastDetail)
	}
}

func TestPipeline_RetryBoundEscalates(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	itemID := items[0].ID

	// MaxReworkAttempts is 2: two reject/rework cycles, then escalation.
	for cycle := 0; cycle < 3; cycle++ {
		if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
			t.Fatal(err)
		}
		f.writeStatus(t, model.AgentStatusRecord{
			WorkerID:      "writer-1",
			CurrentItemID: &itemID,
			State:         model.AgentDone,
		})
		f.runIteration(t)

		item, _ := f.store.GetItem(itemID)
		if cycle < 2 {
			if item.Status != model.StatusReady {
				t.Fatalf("cycle %d: status = %q, want ready", cycle, item.Status)
			}
			// Clear the stale record so the next claim starts clean.
			f.writeStatus(t, model.AgentStatusRecord{WorkerID: "writer-1", State: model.AgentIdle})
		} else {
			if item.Status != model.StatusEscalated {
				t.Fatalf("cycle %d: status = %q, want escalated", cycle, item.Status)
			}
		}
	}

	pending := f.orch.PendingEscalations()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestBlockedWorkerRaisesEscalation(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		CurrentItemID: &items[0].ID,
		State:         model.AgentBlocked,
		BlockedReason: "source contradicts the brief, which should win?",
	})
	f.runIteration(t)

	item, _ := f.store.GetItem(items[0].ID)
	if item.Status != model.StatusEscalated {
		t.Errorf("status = %q, want escalated", item.Status)
	}
	pending := f.orch.PendingEscalations()
	if len(pending) != 1 || pending[0].Question != "source contradicts the brief, which should win?" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestCompletion_ClaimantMismatchIgnored(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	_, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}
	// A worker that never claimed the item reports it done.
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "impostor",
		CurrentItemID: &items[0].ID,
		State:         model.AgentDone,
		OutputRef:     "drafts/fake.md",
	})
	f.runIteration(t)

	item, _ := f.store.GetItem(items[0].ID)
	if item.Status != model.StatusInProgress {
		t.Errorf("status = %q, claim by writer-1 must stand", item.Status)
	}
}

func TestSubmitStory_UnroutedClassRejected(t *testing.T) {
	f := newFixture(t, &gate.Definitions{})

	_, _, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "verify", CapabilityClass: "factchecker", Priority: 5},
	))
	if err == nil {
		t.Fatal("expected rejection for capability class without routing entry")
	}
}

func TestStoryStatus(t *testing.T) {
	f := newFixture(t, onlyGate("writer", gate.CriterionDef{Name: "output_ref_set", Kind: gate.CheckOutputRefSet}))

	storyID, items, err := f.orch.SubmitStory(pipelineStory(
		model.StoryItem{Name: "draft", CapabilityClass: "writer", Priority: 5},
		model.StoryItem{Name: "edit", CapabilityClass: "editor", Priority: 5},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.NextReady("writer", "writer-1"); err != nil {
		t.Fatal(err)
	}

	status, err := f.orch.StoryStatus(storyID)
	if err != nil {
		t.Fatalf("StoryStatus: %v", err)
	}
	if status.Counts["in_progress"] != 1 || status.Counts["blocked"] != 1 {
		t.Errorf("counts = %v", status.Counts)
	}
	if len(status.Items) != 2 || status.Items[0].ID != items[0].ID {
		t.Errorf("items = %+v", status.Items)
	}
	if status.Items[0].ClaimedBy != "writer-1" {
		t.Errorf("claimed_by = %q", status.Items[0].ClaimedBy)
	}
	if len(status.PendingEscalations) != 0 {
		t.Errorf("pending escalations = %+v, want none", status.PendingEscalations)
	}

	// A blocked worker raises an escalation; the story status carries the
	// full pending list, not just a count.
	f.writeStatus(t, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		CurrentItemID: &items[0].ID,
		State:         model.AgentBlocked,
		BlockedReason: "two sources disagree on the headline figure",
	})
	f.runIteration(t)

	status, err = f.orch.StoryStatus(storyID)
	if err != nil {
		t.Fatalf("StoryStatus: %v", err)
	}
	if status.Counts["escalated"] != 1 {
		t.Errorf("counts = %v", status.Counts)
	}
	if len(status.PendingEscalations) != 1 {
		t.Fatalf("pending escalations = %+v, want 1", status.PendingEscalations)
	}
	esc := status.PendingEscalations[0]
	if esc.ItemID != items[0].ID || esc.Question != "two sources disagree on the headline figure" {
		t.Errorf("escalation = %+v", esc)
	}
	if esc.ID == "" || esc.CreatedAt == "" {
		t.Errorf("escalation missing id or created_at: %+v", esc)
	}
}
