package monitor

import (
	"fmt"

	"github.com/oviney/economist-agents-sub003/internal/model"
)

// RoutingTable answers which capability class picks up a story's pipeline
// after a class finishes its item. An empty target marks a terminal class.
// Stories may override individual hops; an override pointing at a class the
// table does not know is ignored in favor of the static entry.
type RoutingTable struct {
	classes map[string]string
}

// NewRoutingTable validates the static table at startup. Every routing target
// must itself be a known class so a completion can never route into a class
// no worker serves.
func NewRoutingTable(cfg model.RoutingConfig) (*RoutingTable, error) {
	for class, target := range cfg.Classes {
		if target == "" {
			continue
		}
		if _, ok := cfg.Classes[target]; !ok {
			return nil, fmt.Errorf("routing: class %q routes to unknown class %q", class, target)
		}
	}
	classes := make(map[string]string, len(cfg.Classes))
	for class, target := range cfg.Classes {
		classes[class] = target
	}
	return &RoutingTable{classes: classes}, nil
}

// Known reports whether the table has an entry for the class.
func (rt *RoutingTable) Known(class string) bool {
	_, ok := rt.classes[class]
	return ok
}

// RouteOnCompletion returns the class that follows the given one, honoring a
// per-story override when the override target is a known class. An empty
// return means the pipeline ends here.
func (rt *RoutingTable) RouteOnCompletion(class string, story model.Story) string {
	if override, ok := story.Routing[class]; ok {
		if override == "" {
			return ""
		}
		if _, known := rt.classes[override]; known {
			return override
		}
	}
	return rt.classes[class]
}
