package monitor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goyaml "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
)

func testLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelDebug, "test")
}

func writeStatus(t *testing.T, baseDir string, record model.AgentStatusRecord) {
	t.Helper()
	statusDir := filepath.Join(baseDir, "status")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatal(err)
	}
	data, err := goyaml.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(statusDir, record.WorkerID+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPoll(t *testing.T) {
	baseDir := t.TempDir()
	m := New(baseDir, testLogger())

	itemID := "item_0000000001_00000001"
	writeStatus(t, baseDir, model.AgentStatusRecord{
		SchemaVersion:   1,
		WorkerID:        "writer-2",
		CapabilityClass: "writer",
		State:           model.AgentIdle,
		LastHeartbeat:   time.Now().UTC().Format(time.RFC3339),
	})
	writeStatus(t, baseDir, model.AgentStatusRecord{
		SchemaVersion:   1,
		WorkerID:        "writer-1",
		CapabilityClass: "writer",
		CurrentItemID:   &itemID,
		State:           model.AgentWorking,
		LastHeartbeat:   time.Now().UTC().Format(time.RFC3339),
	})

	records, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	// Sorted by worker ID.
	if records[0].WorkerID != "writer-1" || records[1].WorkerID != "writer-2" {
		t.Errorf("order = %s, %s", records[0].WorkerID, records[1].WorkerID)
	}
	if records[0].CurrentItemID == nil || *records[0].CurrentItemID != itemID {
		t.Errorf("current_item_id not round-tripped: %v", records[0].CurrentItemID)
	}
}

func TestPoll_MissingDirIsEmpty(t *testing.T) {
	m := New(t.TempDir(), testLogger())

	records, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestPoll_QuarantinesCorruptRecord(t *testing.T) {
	baseDir := t.TempDir()
	m := New(baseDir, testLogger())

	writeStatus(t, baseDir, model.AgentStatusRecord{
		WorkerID:      "writer-1",
		State:         model.AgentIdle,
		LastHeartbeat: time.Now().UTC().Format(time.RFC3339),
	})
	corrupt := filepath.Join(baseDir, "status", "writer-2.yaml")
	if err := os.WriteFile(corrupt, []byte("worker_id: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 1 || records[0].WorkerID != "writer-1" {
		t.Fatalf("healthy record lost: %+v", records)
	}

	// The corrupt file moved to quarantine and a second poll is clean.
	if _, err := os.Stat(corrupt); !os.IsNotExist(err) {
		t.Error("corrupt file still present in status dir")
	}
	qEntries, err := os.ReadDir(filepath.Join(baseDir, "quarantine"))
	if err != nil || len(qEntries) != 1 {
		t.Errorf("quarantine entries = %v, err = %v", qEntries, err)
	}
	if _, err := m.Poll(context.Background()); err != nil {
		t.Errorf("second poll: %v", err)
	}
}

func TestPoll_RejectsUnknownState(t *testing.T) {
	baseDir := t.TempDir()
	m := New(baseDir, testLogger())

	statusDir := filepath.Join(baseDir, "status")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "worker_id: writer-1\nstate: daydreaming\nlast_heartbeat: \"2026-01-01T00:00:00Z\"\n"
	if err := os.WriteFile(filepath.Join(statusDir, "writer-1.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("record with unknown state accepted: %+v", records)
	}
}

func TestDetectStalled(t *testing.T) {
	m := New(t.TempDir(), testLogger())
	itemID := "item_0000000001_00000001"

	fresh := time.Now().UTC().Format(time.RFC3339)
	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)

	records := []model.AgentStatusRecord{
		{WorkerID: "writer-1", State: model.AgentWorking, CurrentItemID: &itemID, LastHeartbeat: stale},
		{WorkerID: "writer-2", State: model.AgentWorking, LastHeartbeat: fresh},
		// Idle workers are never stalled, however old the heartbeat.
		{WorkerID: "writer-3", State: model.AgentIdle, LastHeartbeat: stale},
		{WorkerID: "writer-4", State: model.AgentWorking, LastHeartbeat: "not-a-time"},
	}

	stalled := m.DetectStalled(records, 5*time.Minute)
	if len(stalled) != 2 {
		t.Fatalf("stalled = %+v, want writer-1 and writer-4", stalled)
	}
	if stalled[0].WorkerID != "writer-1" || stalled[0].CurrentItemID == nil {
		t.Errorf("stalled[0] = %+v", stalled[0])
	}
	if stalled[1].WorkerID != "writer-4" {
		t.Errorf("stalled[1] = %+v", stalled[1])
	}
}

func TestRoutingTable(t *testing.T) {
	cfg := model.RoutingConfig{Classes: map[string]string{
		"writer":  "editor",
		"grapher": "editor",
		"editor":  "",
	}}
	rt, err := NewRoutingTable(cfg)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}

	story := model.Story{}
	if got := rt.RouteOnCompletion("writer", story); got != "editor" {
		t.Errorf("writer routes to %q, want editor", got)
	}
	if got := rt.RouteOnCompletion("editor", story); got != "" {
		t.Errorf("editor should be terminal, routed to %q", got)
	}

	// Per-story override takes precedence when it names a known class.
	story.Routing = map[string]string{"writer": "grapher"}
	if got := rt.RouteOnCompletion("writer", story); got != "grapher" {
		t.Errorf("override ignored, got %q", got)
	}
	story.Routing = map[string]string{"writer": "factchecker"}
	if got := rt.RouteOnCompletion("writer", story); got != "editor" {
		t.Errorf("unknown override should fall back to static entry, got %q", got)
	}
}

func TestRoutingTable_UnknownTarget(t *testing.T) {
	_, err := NewRoutingTable(model.RoutingConfig{Classes: map[string]string{
		"writer": "factchecker",
	}})
	if err == nil {
		t.Fatal("expected error for route into unknown class")
	}
}
