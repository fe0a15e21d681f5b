package model

// AgentStatusRecord is a worker's self-published status. Each worker owns
// exactly one record (status/{worker_id}.yaml) and is its only writer; the
// orchestrator reads and reacts but never mutates it.
type AgentStatusRecord struct {
	SchemaVersion   int        `yaml:"schema_version"`
	WorkerID        string     `yaml:"worker_id"`
	CapabilityClass string     `yaml:"capability_class"`
	CurrentItemID   *string    `yaml:"current_item_id"`
	State           AgentState `yaml:"state"`
	LastHeartbeat   string     `yaml:"last_heartbeat"`
	OutputRef       string     `yaml:"output_ref,omitempty"`
	// BlockedReason is set by a worker that cannot make a decision itself;
	// the orchestrator turns it into an escalation for the claimed item.
	BlockedReason string `yaml:"blocked_reason,omitempty"`
}
