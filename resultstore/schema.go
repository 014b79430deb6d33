package resultstore

import (
	"fmt"
	"time"

	"github.com/taskforge/engine/apperr"
)

// FieldKind is the declared type of a schema field. We hand-roll this
// rather than pull in a JSON-Schema library: the schemas here are a
// handful of flat, known-ahead-of-time shapes, and a general validator
// would add a dependency and an indirection layer to check a few field
// names.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldBool    FieldKind = "bool"
	FieldObject  FieldKind = "object"
	FieldArray   FieldKind = "array"
)

// FieldDef declares one field of a ResultSchema.
type FieldDef struct {
	Required bool
	Kind     FieldKind
	// Default, if non-nil, is applied during normalization when the
	// field is absent from the payload.
	Default func() any
}

// Schema is a named, versionless result shape. Payloads passed to
// StoreResult are validated and normalized against the schema named by
// their schema_id.
type Schema struct {
	Name   string
	Fields map[string]FieldDef
}

// Transformer converts a payload that validates against From into one
// that validates against To.
type Transformer func(payload map[string]any) (map[string]any, error)

// Registry holds the known schemas and transformers between them.
type Registry struct {
	schemas      map[string]*Schema
	transformers map[string]map[string]Transformer // from -> to -> fn
}

// NewRegistry returns a Registry preloaded with the three default
// schemas: generic, containerized_workflow, dagger_pipeline.
func NewRegistry() *Registry {
	r := &Registry{
		schemas:      make(map[string]*Schema),
		transformers: make(map[string]map[string]Transformer),
	}
	r.Register(genericSchema())
	r.Register(containerizedWorkflowSchema())
	r.Register(daggerPipelineSchema())
	return r
}

func genericSchema() *Schema {
	return &Schema{
		Name: "generic",
		Fields: map[string]FieldDef{
			"success":   {Required: true, Kind: FieldBool},
			"result":    {Required: false, Kind: FieldObject},
			"error":     {Required: false, Kind: FieldString},
			"timestamp": {Required: false, Kind: FieldString, Default: func() any { return time.Now().UTC().Format(time.RFC3339) }},
		},
	}
}

func containerizedWorkflowSchema() *Schema {
	s := genericSchema()
	s.Name = "containerized_workflow"
	s.Fields["container_id"] = FieldDef{Required: true, Kind: FieldString}
	s.Fields["container_status"] = FieldDef{Required: false, Kind: FieldString}
	s.Fields["logs"] = FieldDef{Required: false, Kind: FieldString}
	return s
}

func daggerPipelineSchema() *Schema {
	s := genericSchema()
	s.Name = "dagger_pipeline"
	s.Fields["pipeline_id"] = FieldDef{Required: true, Kind: FieldString}
	s.Fields["pipeline_status"] = FieldDef{Required: false, Kind: FieldString}
	s.Fields["steps"] = FieldDef{Required: false, Kind: FieldArray}
	return s
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) { r.schemas[s.Name] = s }

// RegisterTransformer registers a named from->to transformer.
func (r *Registry) RegisterTransformer(from, to string, fn Transformer) {
	if r.transformers[from] == nil {
		r.transformers[from] = make(map[string]Transformer)
	}
	r.transformers[from][to] = fn
}

// Transform converts payload from one schema to another using a
// registered transformer.
func (r *Registry) Transform(from, to string, payload map[string]any) (map[string]any, error) {
	fn, ok := r.transformers[from][to]
	if !ok {
		return nil, apperr.New(apperr.Internal, fmt.Sprintf("no transformer registered from %q to %q", from, to), nil)
	}
	return fn(payload)
}

// Validate checks that payload satisfies every required field of the
// named schema and that present fields match their declared kind.
func (r *Registry) Validate(schemaID string, payload map[string]any) (*Schema, error) {
	schema, ok := r.schemas[schemaID]
	if !ok {
		return nil, apperr.New(apperr.InvalidResult, fmt.Sprintf("unknown schema %q", schemaID), nil)
	}
	for name, def := range schema.Fields {
		val, present := payload[name]
		if !present {
			if def.Required {
				return nil, apperr.New(apperr.InvalidResult, fmt.Sprintf("result missing required field %q for schema %q", name, schemaID), nil)
			}
			continue
		}
		if !def.kindMatches(val) {
			return nil, apperr.New(apperr.InvalidResult, fmt.Sprintf("result field %q does not match schema %q type %s", name, schemaID, def.Kind), nil)
		}
	}
	return schema, nil
}

func (d FieldDef) kindMatches(val any) bool {
	switch d.Kind {
	case FieldString:
		_, ok := val.(string)
		return ok
	case FieldBool:
		_, ok := val.(bool)
		return ok
	case FieldObject:
		_, ok := val.(map[string]any)
		return ok
	case FieldArray:
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}

// Normalize applies schema defaults for fields absent from payload.
func (r *Registry) Normalize(schema *Schema, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for name, def := range schema.Fields {
		if _, present := out[name]; !present && def.Default != nil {
			out[name] = def.Default()
		}
	}
	return out
}
