package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/internal/canonical"
	"github.com/taskforge/engine/ports"
)

// Converter renders Pipelines from registered Templates and caches
// renders keyed by a content hash of (task, template_id, parameters).
type Converter struct {
	mu        sync.RWMutex
	templates map[string]*Template
	cache     map[string]*Pipeline
}

// NewConverter constructs an empty Converter.
func NewConverter() *Converter {
	return &Converter{
		templates: make(map[string]*Template),
		cache:     make(map[string]*Pipeline),
	}
}

// RegisterTemplate adds or replaces a template by ID.
func (c *Converter) RegisterTemplate(t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t
}

// Render materializes a Pipeline from templateID applied to task, with
// overrides taking precedence over the task's own pipeline_parameters,
// which in turn take precedence over template defaults.
func (c *Converter) Render(task ports.Task, templateID string, overrides map[string]any) (*Pipeline, error) {
	c.mu.RLock()
	tmpl, ok := c.templates[templateID]
	c.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.TemplateNotFound, templateID, nil)
	}

	effective, err := effectiveParams(tmpl, task.PipelineParameters, overrides)
	if err != nil {
		return nil, err
	}

	cacheKey := renderCacheKey(task, templateID, effective)
	c.mu.RLock()
	if cached, ok := c.cache[cacheKey]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	rendered, err := substituteValue(copyDocument(tmpl.Document), task, effective)
	if err != nil {
		return nil, err
	}
	doc, ok := rendered.(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.Internal, "rendered template is not an object", nil)
	}

	pipeline := documentToPipeline(doc, task, effective, tmpl.ID, tmpl.Version)

	c.mu.Lock()
	c.cache[cacheKey] = pipeline
	c.mu.Unlock()
	return pipeline, nil
}

// CreateCustomPipeline skips template resolution but still performs
// task-field injection and metadata stamping.
func (c *Converter) CreateCustomPipeline(task ports.Task, definition map[string]any, params map[string]any) (*Pipeline, error) {
	rendered, err := substituteValue(copyDocument(definition), task, params)
	if err != nil {
		return nil, err
	}
	doc, ok := rendered.(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.Internal, "custom pipeline definition is not an object", nil)
	}
	return documentToPipeline(doc, task, params, "", ""), nil
}

func documentToPipeline(doc map[string]any, task ports.Task, params map[string]any, templateID, templateVersion string) *Pipeline {
	p := &Pipeline{
		TaskID:          task.ID,
		TaskName:        task.Name,
		TaskDescription: task.Description,
	}
	if steps, ok := doc["steps"].([]any); ok {
		p.Steps = steps
	}
	metadata := map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"parameters":   params,
	}
	if templateID != "" {
		metadata["template_id"] = templateID
		metadata["template_version"] = templateVersion
	}
	p.Metadata = metadata
	return p
}

// effectiveParams merges template defaults, task pipeline_parameters,
// and caller overrides (lowest to highest precedence), then validates
// each against its ParamDef.
func effectiveParams(tmpl *Template, taskParams, overrides map[string]any) (map[string]any, error) {
	effective := make(map[string]any)
	for _, def := range tmpl.Parameters {
		if def.Default != nil {
			effective[def.Name] = def.Default
		}
	}
	for k, v := range taskParams {
		effective[k] = v
	}
	for k, v := range overrides {
		effective[k] = v
	}

	declared := make(map[string]ParamDef, len(tmpl.Parameters))
	for _, def := range tmpl.Parameters {
		declared[def.Name] = def
	}

	for _, def := range tmpl.Parameters {
		val, present := effective[def.Name]
		if !present {
			if def.Required {
				return nil, apperr.New(apperr.InvalidParams, fmt.Sprintf("missing required parameter %q", def.Name), nil)
			}
			continue
		}
		if err := validateType(def, val); err != nil {
			return nil, err
		}
	}
	for name := range effective {
		if _, ok := declared[name]; !ok {
			return nil, apperr.New(apperr.InvalidParams, fmt.Sprintf("unknown parameter %q", name), nil)
		}
	}
	return effective, nil
}

func validateType(def ParamDef, val any) error {
	ok := false
	switch def.Type {
	case ParamString:
		_, ok = val.(string)
	case ParamNumber:
		switch val.(type) {
		case float64, float32, int, int64:
			ok = true
		}
	case ParamBoolean:
		_, ok = val.(bool)
	case ParamArray:
		_, ok = val.([]any)
	case ParamObject:
		_, ok = val.(map[string]any)
	default:
		ok = true
	}
	if !ok {
		return apperr.New(apperr.InvalidParams, fmt.Sprintf("parameter %q does not match declared type %s", def.Name, def.Type), nil)
	}
	return nil
}

func renderCacheKey(task ports.Task, templateID string, params map[string]any) string {
	payload := map[string]any{
		"task_id":     task.ID,
		"template_id": templateID,
		"parameters":  params,
	}
	data, err := canonical.JSON(payload)
	if err != nil {
		return templateID + ":" + task.ID
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func copyDocument(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
