package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogBytes caps the active audit log at 100MB before rotation.
	DefaultMaxLogBytes = 100 * 1024 * 1024

	logExtension = ".jsonl"
	archiveDir   = "archive"
)

// AuditEntry is one line of the audit log. The typed ID fields are lifted out
// of Fields so the log can be grepped by item, story, escalation, or worker
// without parsing every payload.
type AuditEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	ItemID       string         `json:"item_id,omitempty"`
	StoryID      string         `json:"story_id,omitempty"`
	EscalationID string         `json:"escalation_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// AuditLog is an append-only JSONL file with size-based rotation. Each write
// is fsynced; the audit trail is the record of what the orchestrator decided
// and must survive a crash mid-iteration.
type AuditLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

func NewAuditLog(logPath string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogBytes
	}

	a := &AuditLog{logPath: logPath, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	file, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = file
	a.currentSize = stat.Size()
	return nil
}

// Record appends one entry, lifting the well-known ID fields out of the
// payload map.
func (a *AuditLog) Record(eventType EventType, fields map[string]any) error {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		Fields:    fields,
	}
	if v, ok := fields["item_id"].(string); ok {
		entry.ItemID = v
	}
	if v, ok := fields["story_id"].(string); ok {
		entry.StoryID = v
	}
	if v, ok := fields["escalation_id"].(string); ok {
		entry.EscalationID = v
	}
	if v, ok := fields["worker_id"].(string); ok {
		entry.WorkerID = v
	}
	return a.writeEntry(&entry)
}

// RecordEvent adapts the audit log as a bus subscriber.
func (a *AuditLog) RecordEvent(e Event) {
	_ = a.Record(e.Type, e.Fields)
}

func (a *AuditLog) writeEntry(entry *AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if a.currentSize+int64(len(data)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := a.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	a.currentSize += int64(n)
	return nil
}

func (a *AuditLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(a.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(a.logPath)
	stem := base[:len(base)-len(logExtension)]
	archivePath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, time.Now().Format("20060102_150405"), logExtension))
	if err := os.Rename(a.logPath, archivePath); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}

	return a.open()
}

// ReadEntries parses an audit log file, skipping malformed lines.
func ReadEntries(logPath string) ([]AuditEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}
