package model

// Decision is the outcome of evaluating a completed item's output against
// its completion criteria.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionEscalate Decision = "escalate"
	DecisionReject   Decision = "reject"
)

// CriterionOutcome is the three-valued result of a single criterion check.
type CriterionOutcome string

const (
	OutcomePass CriterionOutcome = "pass"
	OutcomeFail CriterionOutcome = "fail"
	// OutcomeAmbiguous marks a criterion that cannot be mechanically
	// determined. Ambiguity takes precedence over failure: the gate prefers
	// asking a human over guessing wrong.
	OutcomeAmbiguous CriterionOutcome = "ambiguous"
)

// CriterionResult records one criterion evaluation inside a gate decision.
type CriterionResult struct {
	Criterion string           `yaml:"criterion" json:"criterion"`
	Outcome   CriterionOutcome `yaml:"outcome" json:"outcome"`
	Detail    string           `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// GateDecision is produced fresh on every gate evaluation and never mutated;
// the audit log keeps the append-only trail.
type GateDecision struct {
	ID              string            `yaml:"id" json:"id"`
	WorkItemID      string            `yaml:"work_item_id" json:"work_item_id"`
	Decision        Decision          `yaml:"decision" json:"decision"`
	CriteriaResults []CriterionResult `yaml:"criteria_results" json:"criteria_results"`
	Timestamp       string            `yaml:"timestamp" json:"timestamp"`
}
