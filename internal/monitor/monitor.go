package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	goyaml "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
	newsroomyaml "github.com/oviney/economist-agents-sub003/internal/yaml"
)

// Monitor reads worker status records from the status directory. Workers are
// the only writers of their own record; the monitor observes and never
// mutates. A record that fails to parse is quarantined so the next scan does
// not trip over it again.
type Monitor struct {
	baseDir   string
	statusDir string
	logger    *logging.Logger
}

// StalledWorker reports a worker whose heartbeat went silent while it held an
// item. Detection is report-only: a stalled worker may still be running, so
// its item is never requeued automatically.
type StalledWorker struct {
	WorkerID      string
	CurrentItemID *string
	LastHeartbeat string
	Reason        string
}

func New(baseDir string, logger *logging.Logger) *Monitor {
	return &Monitor{
		baseDir:   baseDir,
		statusDir: filepath.Join(baseDir, "status"),
		logger:    logger.WithComponent("monitor"),
	}
}

// Poll reads every status record currently on disk. Corrupt files are
// quarantined and skipped; a missing status directory yields an empty result.
// Records come back sorted by worker ID so each pass over them is
// deterministic.
func (m *Monitor) Poll(ctx context.Context) ([]model.AgentStatusRecord, error) {
	entries, err := os.ReadDir(m.statusDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status dir: %w", err)
	}

	var records []model.AgentStatusRecord
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		path := filepath.Join(m.statusDir, entry.Name())
		record, err := m.readRecord(path)
		if err != nil {
			qPath, qErr := newsroomyaml.Quarantine(m.baseDir, path)
			if qErr != nil {
				m.logger.Errorf("quarantine_failed file=%s err=%v (parse err: %v)", entry.Name(), qErr, err)
				continue
			}
			m.logger.Warnf("status_quarantined file=%s moved=%s err=%v", entry.Name(), qPath, err)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].WorkerID < records[j].WorkerID })
	return records, nil
}

func (m *Monitor) readRecord(path string) (model.AgentStatusRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.AgentStatusRecord{}, fmt.Errorf("read status file: %w", err)
	}

	var record model.AgentStatusRecord
	if err := goyaml.Unmarshal(data, &record); err != nil {
		return model.AgentStatusRecord{}, fmt.Errorf("parse status file: %w", err)
	}
	if record.WorkerID == "" {
		return model.AgentStatusRecord{}, fmt.Errorf("status file has no worker_id")
	}
	if _, err := model.ParseAgentState(string(record.State)); err != nil {
		return model.AgentStatusRecord{}, err
	}
	return record, nil
}

// DetectStalled flags working records whose heartbeat is older than timeout.
// An unparseable heartbeat counts as stalled: a worker that cannot report
// time correctly cannot be assumed alive.
func (m *Monitor) DetectStalled(records []model.AgentStatusRecord, timeout time.Duration) []StalledWorker {
	now := time.Now().UTC()

	var stalled []StalledWorker
	for _, r := range records {
		if r.State != model.AgentWorking {
			continue
		}
		beat, err := time.Parse(time.RFC3339, r.LastHeartbeat)
		if err != nil {
			stalled = append(stalled, StalledWorker{
				WorkerID:      r.WorkerID,
				CurrentItemID: r.CurrentItemID,
				LastHeartbeat: r.LastHeartbeat,
				Reason:        fmt.Sprintf("unparseable heartbeat: %v", err),
			})
			continue
		}
		if age := now.Sub(beat); age > timeout {
			stalled = append(stalled, StalledWorker{
				WorkerID:      r.WorkerID,
				CurrentItemID: r.CurrentItemID,
				LastHeartbeat: r.LastHeartbeat,
				Reason:        fmt.Sprintf("no heartbeat for %s", age.Round(time.Second)),
			})
		}
	}

	for _, s := range stalled {
		m.logger.Warnf("worker_stalled worker=%s item=%v reason=%q", s.WorkerID, deref(s.CurrentItemID), s.Reason)
	}
	return stalled
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
