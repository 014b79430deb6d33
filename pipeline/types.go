// Package pipeline implements the Pipeline Converter (C3): it renders a
// Pipeline document from a Template plus a Task plus parameters, with
// placeholder substitution, parameter validation, and a content-hash
// render cache.
package pipeline

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// ParamDef declares one parameter a Template accepts.
type ParamDef struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
}

// Template is the input a Pipeline is rendered from.
type Template struct {
	ID         string
	Version    string
	Parameters []ParamDef
	// Document is the raw template body: a tree of maps/slices/strings
	// that may contain ${...} placeholders anywhere a string appears.
	Document map[string]any
}

// Pipeline is the rendered, executable document C3 hands to the
// PipelineRunner port.
type Pipeline struct {
	TaskID          string         `json:"task_id"`
	TaskName        string         `json:"task_name"`
	TaskDescription string         `json:"task_description,omitempty"`
	Steps           []any          `json:"steps,omitempty"`
	Metadata        map[string]any `json:"metadata"`
}
