package gate

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// LoadDefinitions reads and validates gates.yaml. A missing file yields
// empty definitions; classes without criteria fall back to the validator's
// default policy.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Definitions{SchemaVersion: 1, FileType: "gate_definitions"}, nil
		}
		return nil, fmt.Errorf("read gate definitions: %w", err)
	}

	var defs Definitions
	if err := yamlv3.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse gate definitions: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate definitions: %w", err)
	}
	return &defs, nil
}
