// Package model defines the data structures for the orchestrator's
// configuration, work items, stories, worker status records, gate decisions,
// and escalations.
package model

// WorkItem is a single unit of assignable work. The store exclusively owns
// WorkItem state; all status mutation goes through its compare-and-swap
// transition path.
type WorkItem struct {
	ID              string     `yaml:"id"`
	StoryID         string     `yaml:"story_id"`
	Name            string     `yaml:"name"`
	CapabilityClass string     `yaml:"capability_class"`
	Priority        int        `yaml:"priority"`
	Status          ItemStatus `yaml:"status"`
	DependencyIDs   []string   `yaml:"dependency_ids"`
	Payload         string     `yaml:"payload"`
	OutputRef       string     `yaml:"output_ref"`
	ClaimedBy       *string    `yaml:"claimed_by"`
	Attempts        int        `yaml:"attempts"`
	LastDetail      string     `yaml:"last_detail"`
	CreatedAt       string     `yaml:"created_at"`
	UpdatedAt       string     `yaml:"updated_at"`
}

// StoryItem describes one pipeline step of a story before expansion.
// Parallel marks the item as a sibling of its predecessor: it shares the
// predecessor's dependency edges instead of depending on the previous step.
type StoryItem struct {
	Name            string `yaml:"name"`
	CapabilityClass string `yaml:"capability_class"`
	Priority        int    `yaml:"priority"`
	Payload         string `yaml:"payload"`
	Parallel        bool   `yaml:"parallel,omitempty"`
}

// Story is a batch of related work items supplied by the external planning
// collaborator. The orchestrator never creates stories, only expands them.
type Story struct {
	ID                 string            `yaml:"id"`
	ReadinessChecklist []string          `yaml:"readiness_checklist"`
	Fields             map[string]string `yaml:"fields"`
	Items              []StoryItem       `yaml:"items"`
	// Routing overrides the global capability routing table for this
	// story's pipeline. Keys and values are capability classes; an empty
	// value marks a terminal class.
	Routing     map[string]string `yaml:"routing,omitempty"`
	WorkItemIDs []string          `yaml:"work_item_ids"`
	CreatedAt   string            `yaml:"created_at"`
	UpdatedAt   string            `yaml:"updated_at"`
}

// ItemSnapshot is the on-disk document for the work item store.
type ItemSnapshot struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Items         []WorkItem `yaml:"items"`
}

// StorySnapshot is the on-disk document for expanded stories.
type StorySnapshot struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Stories       []Story `yaml:"stories"`
}
