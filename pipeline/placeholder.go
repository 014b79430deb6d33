package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taskforge/engine/apperr"
	"github.com/taskforge/engine/ports"
)

// segment is one piece of a parsed placeholder string: either literal
// text or a reference to resolve against the task/parameters. Each string
// is scanned once per substitution into a segment list; segment lists are
// not kept between renders.
type segment struct {
	literal string
	ref     string // "" for a pure-literal segment
}

// parseSegments splits s into literal and ${...} reference segments.
func parseSegments(s string) []segment {
	var segs []segment
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			segs = append(segs, segment{literal: s[i:]})
			break
		}
		start += i
		if start > i {
			segs = append(segs, segment{literal: s[i:start]})
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			segs = append(segs, segment{literal: s[start:]})
			break
		}
		end += start
		ref := s[start+2 : end]
		segs = append(segs, segment{ref: ref})
		i = end + 1
	}
	return segs
}

// resolveRef resolves a single ${...} reference name against the task
// and effective parameters.
func resolveRef(ref string, task ports.Task, params map[string]any) (any, error) {
	switch ref {
	case "task.id":
		return task.ID, nil
	case "task.name":
		return task.Name, nil
	case "task.description":
		return task.Description, nil
	}
	name := strings.TrimPrefix(ref, "parameters.")
	val, ok := params[name]
	if !ok {
		return nil, apperr.New(apperr.InvalidParams, fmt.Sprintf("unresolved placeholder ${%s}", ref), nil)
	}
	return val, nil
}

// substituteString renders a single string value. If it consists of
// exactly one reference segment with no surrounding literal text, the
// resolved value's native type is preserved (so object/array parameters
// can be substituted wholesale). Otherwise every reference must resolve
// to a scalar, and the result is string concatenation.
func substituteString(s string, task ports.Task, params map[string]any) (any, error) {
	segs := parseSegments(s)
	if len(segs) == 1 && segs[0].ref != "" {
		return resolveRef(segs[0].ref, task, params)
	}

	var b strings.Builder
	for _, seg := range segs {
		if seg.ref == "" {
			b.WriteString(seg.literal)
			continue
		}
		val, err := resolveRef(seg.ref, task, params)
		if err != nil {
			return nil, err
		}
		switch v := val.(type) {
		case map[string]any, []any:
			return nil, apperr.New(apperr.InvalidParams,
				fmt.Sprintf("object/array parameter %q cannot be substituted inside a string", seg.ref), nil)
		case string:
			b.WriteString(v)
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		default:
			b.WriteString(fmt.Sprintf("%v", v))
		}
	}
	return b.String(), nil
}

// substituteValue recursively substitutes placeholders anywhere in a
// document tree built from map[string]any / []any / scalars.
func substituteValue(v any, task ports.Task, params map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return substituteString(val, task, params)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			rendered, err := substituteValue(child, task, params)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			rendered, err := substituteValue(child, task, params)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
