// Package gate implements the quality gate validator: readiness checks that
// guard story expansion and completion checks that decide whether a worker's
// output is accepted, reworked, or escalated.
package gate

import (
	"context"
	"fmt"

	"github.com/oviney/economist-agents-sub003/internal/model"
)

// CheckKind selects a built-in criterion evaluator.
type CheckKind string

const (
	// CheckOutputRefSet passes when the worker reported any output pointer.
	CheckOutputRefSet CheckKind = "output_ref_set"
	// CheckOutputFileExists passes when the output pointer resolves to an
	// existing file.
	CheckOutputFileExists CheckKind = "output_file_exists"
	// CheckMinOutputBytes passes when the output file is at least MinBytes.
	CheckMinOutputBytes CheckKind = "min_output_bytes"
	// CheckManual is always ambiguous: it cannot be mechanically determined
	// and forces an escalation carrying its question.
	CheckManual CheckKind = "manual"
)

var validCheckKinds = map[CheckKind]bool{
	CheckOutputRefSet:     true,
	CheckOutputFileExists: true,
	CheckMinOutputBytes:   true,
	CheckManual:           true,
}

// CriterionDef is one completion criterion as configured in gates.yaml.
type CriterionDef struct {
	Name     string    `yaml:"name"`
	Kind     CheckKind `yaml:"kind"`
	Question string    `yaml:"question,omitempty"`
	MinBytes int       `yaml:"min_bytes,omitempty"`
}

// Definitions is the on-disk gate configuration: ordered completion criteria
// per capability class.
type Definitions struct {
	SchemaVersion int                       `yaml:"schema_version"`
	FileType      string                    `yaml:"file_type"`
	Classes       map[string][]CriterionDef `yaml:"classes"`
}

// Validate fails fast on malformed definitions so a typo in gates.yaml
// surfaces at startup, not at the first gate evaluation.
func (d *Definitions) Validate() error {
	for class, criteria := range d.Classes {
		if len(criteria) == 0 {
			return fmt.Errorf("class %q has no criteria", class)
		}
		for _, c := range criteria {
			if c.Name == "" {
				return fmt.Errorf("class %q has a criterion without a name", class)
			}
			if !validCheckKinds[c.Kind] {
				return fmt.Errorf("class %q criterion %q: unknown kind %q", class, c.Name, c.Kind)
			}
			if c.Kind == CheckManual && c.Question == "" {
				return fmt.Errorf("class %q criterion %q: manual checks need a question", class, c.Name)
			}
			if c.Kind == CheckMinOutputBytes && c.MinBytes <= 0 {
				return fmt.Errorf("class %q criterion %q: min_bytes must be positive", class, c.Name)
			}
		}
	}
	return nil
}

// CriterionFunc is a Go-registered custom criterion. It returns the
// three-valued outcome plus a human-readable detail.
type CriterionFunc func(ctx context.Context, item model.WorkItem, outputRef string) (model.CriterionOutcome, string)
