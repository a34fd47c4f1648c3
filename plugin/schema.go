package plugin

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/poiesic/kbingest/core"
)

// Parameter names understood by the built-in plugins.
const (
	ParamChunkingMode      = "chunking_mode"
	ParamChunkSize         = "chunk_size"
	ParamChunkOverlap      = "chunk_overlap"
	ParamSplitterType      = "splitter_type"
	ParamPagesPerChunk     = "pages_per_chunk"
	ParamHeadingsPerChunk  = "headings_per_chunk"
	ParamMaxHeadingLevel   = "max_heading_level"
	ParamMaxSectionSize    = "max_section_size"
	ParamImageDescriptions = "image_descriptions"
	ParamDescription       = "description"
	ParamCitation          = "citation"
)

// reservedParams are the names the pipeline itself reads. A plugin that does
// not declare one of them must not receive it.
var reservedParams = []string{
	ParamChunkingMode, ParamChunkSize, ParamChunkOverlap, ParamSplitterType,
	ParamPagesPerChunk, ParamHeadingsPerChunk, ParamMaxHeadingLevel, ParamMaxSectionSize,
	ParamImageDescriptions, ParamDescription, ParamCitation,
}

// defaultOverlapDivisor bounds a defaulted chunk_overlap to a fifth of the
// chunk size.
const defaultOverlapDivisor = 5

// Image description modes.
const (
	ImagesNone  = "none"
	ImagesBasic = "basic"
	ImagesLLM   = "llm"
)

// ParamType is the value type of a parameter.
type ParamType string

const (
	TypeInt    ParamType = "int"
	TypeString ParamType = "string"
	TypeEnum   ParamType = "enum"
)

// ParamSpec declares one parameter of a plugin.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Default     any       `json:"default,omitempty"`
	Min         *int      `json:"min,omitempty"`
	Max         *int      `json:"max,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// Schema is the ordered parameter list of a plugin.
type Schema []ParamSpec

// Spec returns the declaration of name.
func (s Schema) Spec(name string) (ParamSpec, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

func intParam(name, description string, def, min, max int) ParamSpec {
	return ParamSpec{Name: name, Type: TypeInt, Description: description, Default: def, Min: &min, Max: &max}
}

func enumParam(name, description, def string, values ...string) ParamSpec {
	return ParamSpec{Name: name, Type: TypeEnum, Description: description, Default: def, Enum: values}
}

func stringParam(name, description string) ParamSpec {
	return ParamSpec{Name: name, Type: TypeString, Description: description}
}

// normalize validates raw against the schema and fills defaults. Unknown keys
// are copied through untouched; pipeline parameters the schema does not
// declare are rejected.
func (s Schema) normalize(raw map[string]any) (core.Params, error) {
	out := make(core.Params, len(s)+len(raw))
	for k, v := range raw {
		if _, declared := s.Spec(k); declared {
			continue
		}
		if slices.Contains(reservedParams, k) {
			return nil, fmt.Errorf("%w: parameter %s is not supported by this plugin", core.ErrValidation, k)
		}
		out[k] = v
	}

	for _, spec := range s {
		v, present := raw[spec.Name]
		if !present || v == nil {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}
		coerced, err := spec.coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %s: %w", core.ErrValidation, spec.Name, err)
		}
		out[spec.Name] = coerced
	}

	if size, ok := out[ParamChunkSize].(int); ok {
		if v, given := raw[ParamChunkOverlap]; !given || v == nil {
			if overlap, ok := out[ParamChunkOverlap].(int); ok {
				out[ParamChunkOverlap] = min(overlap, size/defaultOverlapDivisor)
			}
		}
		if overlap, ok := out[ParamChunkOverlap].(int); ok && overlap >= size {
			return nil, fmt.Errorf("%w: parameter %s (%d) must be smaller than %s (%d)",
				core.ErrValidation, ParamChunkOverlap, overlap, ParamChunkSize, size)
		}
	}
	return out, nil
}

func (p ParamSpec) coerce(v any) (any, error) {
	switch p.Type {
	case TypeInt:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if p.Min != nil && n < *p.Min {
			return nil, fmt.Errorf("%d is below the minimum %d", n, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return nil, fmt.Errorf("%d is above the maximum %d", n, *p.Max)
		}
		return n, nil
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected one of %s", strings.Join(p.Enum, ", "))
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if !slices.Contains(p.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %s", p.Type)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", n.String())
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}
