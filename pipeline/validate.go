package pipeline

import (
	"github.com/taskforge/engine/apperr"
)

// ValidatePipeline checks the required top-level shape of a rendered (or
// hand-built) pipeline document: task_id and task_name must be present,
// and if steps is present it must be an array of objects each carrying
// a name.
func ValidatePipeline(doc map[string]any) error {
	if s, ok := doc["task_id"].(string); !ok || s == "" {
		return apperr.New(apperr.InvalidParams, "pipeline missing required field task_id", nil)
	}
	if s, ok := doc["task_name"].(string); !ok || s == "" {
		return apperr.New(apperr.InvalidParams, "pipeline missing required field task_name", nil)
	}
	raw, ok := doc["steps"]
	if !ok || raw == nil {
		return nil
	}
	steps, ok := raw.([]any)
	if !ok {
		return apperr.New(apperr.InvalidParams, "pipeline field steps must be an array", nil)
	}
	for i, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			return apperr.New(apperr.InvalidParams, "pipeline step must be an object", nil)
		}
		if name, ok := step["name"].(string); !ok || name == "" {
			_ = i
			return apperr.New(apperr.InvalidParams, "pipeline step missing required field name", nil)
		}
	}
	return nil
}
