package gate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oviney/economist-agents-sub003/internal/logging"
	"github.com/oviney/economist-agents-sub003/internal/model"
)

// Validator evaluates stories against their readiness checklist and completed
// items against per-class completion criteria.
type Validator struct {
	defs   *Definitions
	custom map[string][]namedCriterion
	sf     singleflight.Group
	logger *logging.Logger
}

type namedCriterion struct {
	name string
	fn   CriterionFunc
}

func NewValidator(defs *Definitions, logger *logging.Logger) *Validator {
	if defs == nil {
		defs = &Definitions{}
	}
	return &Validator{
		defs:   defs,
		custom: make(map[string][]namedCriterion),
		logger: logger.WithComponent("quality_gate"),
	}
}

// RegisterCriterion appends a Go-implemented criterion for a capability
// class. Custom criteria run after the configured ones, in registration
// order.
func (v *Validator) RegisterCriterion(capabilityClass, name string, fn CriterionFunc) {
	v.custom[capabilityClass] = append(v.custom[capabilityClass], namedCriterion{name: name, fn: fn})
}

// ValidateReadiness checks the story's checklist entries against its current
// fields. Every failing entry is reported; validation is all-or-nothing, so
// any failure blocks expansion. The built-in entry "items" requires a
// non-empty pipeline.
func (v *Validator) ValidateReadiness(story model.Story) (bool, []string) {
	var missing []string
	for _, entry := range story.ReadinessChecklist {
		switch entry {
		case "items":
			if len(story.Items) == 0 {
				missing = append(missing, "items: pipeline is empty")
			}
		default:
			if strings.TrimSpace(story.Fields[entry]) == "" {
				missing = append(missing, fmt.Sprintf("%s: required field missing", entry))
			}
		}
	}
	for i, spec := range story.Items {
		if spec.CapabilityClass == "" {
			missing = append(missing, fmt.Sprintf("items[%d]: capability_class missing", i))
		}
	}

	if len(missing) > 0 {
		v.logger.Warnf("readiness_failed story=%s missing=%d", story.ID, len(missing))
		return false, missing
	}
	return true, nil
}

// ValidateCompletion runs the completion criteria registered for the item's
// capability class against the worker's output. Concurrent evaluations of
// the same item collapse to one. Decision policy: all pass → approve; any
// ambiguous → escalate, regardless of other outcomes; otherwise any fail →
// reject. Ambiguity beats failure because a wrong automated judgment costs
// more than a human question.
func (v *Validator) ValidateCompletion(ctx context.Context, item model.WorkItem, outputRef string) (model.GateDecision, error) {
	key := item.ID + "\x00" + outputRef
	res, err, _ := v.sf.Do(key, func() (any, error) {
		return v.evaluate(ctx, item, outputRef), nil
	})
	if err != nil {
		return model.GateDecision{}, err
	}
	return res.(model.GateDecision), nil
}

func (v *Validator) evaluate(ctx context.Context, item model.WorkItem, outputRef string) model.GateDecision {
	results := v.runCriteria(ctx, item, outputRef)

	decision := model.DecisionApprove
	hasAmbiguous, hasFail := false, false
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeAmbiguous:
			hasAmbiguous = true
		case model.OutcomeFail:
			hasFail = true
		}
	}
	switch {
	case hasAmbiguous:
		decision = model.DecisionEscalate
	case hasFail:
		decision = model.DecisionReject
	}

	gd := model.GateDecision{
		ID:              uuid.NewString(),
		WorkItemID:      item.ID,
		Decision:        decision,
		CriteriaResults: results,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	v.logger.Infof("gate_decision item=%s decision=%s criteria=%d", item.ID, decision, len(results))
	return gd
}

func (v *Validator) runCriteria(ctx context.Context, item model.WorkItem, outputRef string) []model.CriterionResult {
	defs := v.defs.Classes[item.CapabilityClass]
	custom := v.custom[item.CapabilityClass]

	if len(defs) == 0 && len(custom) == 0 {
		// No criteria means the gate cannot judge the output either way, so
		// the item goes to a human rather than sliding through unexamined.
		v.logger.Warnf("no_criteria_registered class=%s item=%s", item.CapabilityClass, item.ID)
		return []model.CriterionResult{{
			Criterion: "no_criteria_registered",
			Outcome:   model.OutcomeAmbiguous,
			Detail:    "no completion criteria configured for class " + item.CapabilityClass + "; accept this output?",
		}}
	}

	results := make([]model.CriterionResult, 0, len(defs)+len(custom))
	for _, def := range defs {
		outcome, detail := v.runBuiltin(def, outputRef)
		results = append(results, model.CriterionResult{Criterion: def.Name, Outcome: outcome, Detail: detail})
	}
	for _, c := range custom {
		outcome, detail := c.fn(ctx, item, outputRef)
		results = append(results, model.CriterionResult{Criterion: c.name, Outcome: outcome, Detail: detail})
	}
	return results
}

func (v *Validator) runBuiltin(def CriterionDef, outputRef string) (model.CriterionOutcome, string) {
	switch def.Kind {
	case CheckOutputRefSet:
		if strings.TrimSpace(outputRef) == "" {
			return model.OutcomeFail, "worker reported no output_ref"
		}
		return model.OutcomePass, ""

	case CheckOutputFileExists:
		if outputRef == "" {
			return model.OutcomeFail, "output_ref is empty"
		}
		if _, err := os.Stat(outputRef); err != nil {
			return model.OutcomeFail, fmt.Sprintf("output file %s: %v", outputRef, err)
		}
		return model.OutcomePass, ""

	case CheckMinOutputBytes:
		info, err := os.Stat(outputRef)
		if err != nil {
			return model.OutcomeFail, fmt.Sprintf("output file %s: %v", outputRef, err)
		}
		if info.Size() < int64(def.MinBytes) {
			return model.OutcomeFail, fmt.Sprintf("output is %d bytes, need at least %d", info.Size(), def.MinBytes)
		}
		return model.OutcomePass, ""

	case CheckManual:
		return model.OutcomeAmbiguous, def.Question

	default:
		// Load-time validation makes this unreachable; kept so a future kind
		// cannot silently pass.
		return model.OutcomeAmbiguous, fmt.Sprintf("unknown check kind %q", def.Kind)
	}
}

// EscalationQuestion joins every ambiguous criterion of a decision into the
// question an escalation carries to the external authority.
func EscalationQuestion(gd model.GateDecision) string {
	var questions []string
	for _, r := range gd.CriteriaResults {
		if r.Outcome != model.OutcomeAmbiguous {
			continue
		}
		q := r.Detail
		if q == "" {
			q = r.Criterion
		}
		questions = append(questions, q)
	}
	return strings.Join(questions, "; ")
}
