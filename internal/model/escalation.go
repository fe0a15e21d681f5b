package model

// Resolution is the external authority's answer to an escalation.
type Resolution string

const (
	ResolutionApprove Resolution = "approve"
	ResolutionReject  Resolution = "reject"
)

// Escalation is a paused work item awaiting an external, non-mechanical
// decision. Escalations are destroyed only by resolution; there is no
// silent expiry.
type Escalation struct {
	ID         string           `yaml:"id"`
	WorkItemID string           `yaml:"work_item_id"`
	Question   string           `yaml:"question"`
	Status     EscalationStatus `yaml:"status"`
	Resolution *Resolution      `yaml:"resolution"`
	Comment    string           `yaml:"comment,omitempty"`
	CreatedAt  string           `yaml:"created_at"`
	ResolvedAt *string          `yaml:"resolved_at"`
}

// EscalationSnapshot is the on-disk document for escalation state.
type EscalationSnapshot struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Escalations   []Escalation `yaml:"escalations"`
}
