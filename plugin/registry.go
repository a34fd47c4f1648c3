package plugin

import (
	"fmt"
	"slices"

	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
)

// Plugin names.
const (
	SimpleIngest     = "simple_ingest"
	MarkitdownIngest = "markitdown_ingest"
	MarkitdownPlus   = "markitdown_plus_ingest"
	URLIngest        = "url_ingest"
)

// Capability fallback warnings.
const (
	WarnPageChunkingUnsupported = "fallback: chunking_mode by_page -> standard (format has no page structure)"
	WarnNoLLMCredential         = "fallback: image_descriptions llm -> basic (no usable LLM credential)"
)

// Capabilities describes what the submitting owner can use at run time.
type Capabilities struct {
	LLMCredential bool
}

// Info is the public description of a plugin.
type Info struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Kind        SourceKind `json:"kind"`
	Extensions  []string   `json:"extensions,omitempty"`
	Schema      Schema     `json:"schema"`
}

// Registry is the static table of plugins.
type Registry struct {
	plugins map[string]Plugin
	order   []string
}

// NewRegistry returns a registry holding plugins in the given order.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if _, dup := r.plugins[p.Name()]; !dup {
			r.order = append(r.order, p.Name())
		}
		r.plugins[p.Name()] = p
	}
	return r
}

func chunkParams() Schema {
	return Schema{
		intParam(ParamChunkSize, "Target chunk length in characters", 1000, 50, 20000),
		intParam(ParamChunkOverlap, "Characters repeated between consecutive chunks", 200, 0, 5000),
		enumParam(ParamSplitterType, "Standard splitting algorithm", "recursive", "recursive", "character"),
	}
}

func structureParams() Schema {
	return Schema{
		intParam(ParamPagesPerChunk, "Pages grouped into one chunk in by_page mode", 1, 1, 100),
		intParam(ParamHeadingsPerChunk, "Sections grouped into one chunk in by_section mode", 1, 1, 50),
		intParam(ParamMaxHeadingLevel, "Deepest heading level that starts a section", 3, 1, 6),
		intParam(ParamMaxSectionSize, "Sub-split sections longer than this; 0 disables", 0, 0, 100000),
	}
}

func metadataParams() Schema {
	return Schema{
		stringParam(ParamDescription, "Free text copied into every chunk's metadata"),
		stringParam(ParamCitation, "Citation copied into every chunk's metadata"),
	}
}

func concat(parts ...Schema) Schema {
	var out Schema
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// DefaultRegistry builds the built-in plugins on conv.
func DefaultRegistry(conv *convert.Registry) *Registry {
	allFormats := conv.Extensions()
	return NewRegistry(
		&recipe{
			name:        SimpleIngest,
			description: "Plain text and Markdown with standard chunking",
			kind:        SourceFile,
			extensions:  []string{".txt", ".md", ".markdown"},
			schema:      concat(chunkParams(), metadataParams()),
			converter:   conv,
		},
		&recipe{
			name:        MarkitdownIngest,
			description: "Any supported document converted to Markdown, chunked by size, page or section",
			kind:        SourceFile,
			extensions:  allFormats,
			schema: concat(
				Schema{enumParam(ParamChunkingMode, "Chunking strategy", "standard", "standard", "by_page", "by_section")},
				chunkParams(), structureParams(), metadataParams()),
			converter: conv,
		},
		&recipe{
			name:        MarkitdownPlus,
			description: "Markdown conversion with extracted images and optional LLM descriptions",
			kind:        SourceFile,
			extensions:  allFormats,
			schema: concat(
				Schema{enumParam(ParamChunkingMode, "Chunking strategy", "standard", "standard", "by_page", "by_section")},
				chunkParams(), structureParams(),
				Schema{enumParam(ParamImageDescriptions, "Image handling", ImagesNone, ImagesNone, ImagesBasic, ImagesLLM)},
				metadataParams()),
			converter: conv,
		},
		&recipe{
			name:        URLIngest,
			description: "A remote web page fetched and converted to text",
			kind:        SourceURL,
			schema: concat(
				Schema{enumParam(ParamChunkingMode, "Chunking strategy", "standard", "standard", "by_section")},
				chunkParams(),
				Schema{
					intParam(ParamHeadingsPerChunk, "Sections grouped into one chunk in by_section mode", 1, 1, 50),
					intParam(ParamMaxHeadingLevel, "Deepest heading level that starts a section", 3, 1, 6),
					intParam(ParamMaxSectionSize, "Sub-split sections longer than this; 0 disables", 0, 0, 100000),
				},
				metadataParams()),
			converter: conv,
		},
	)
}

// Resolve returns the plugin called name.
func (r *Registry) Resolve(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrPluginNotFound, name)
	}
	return p, nil
}

// List describes every plugin in registration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		p := r.plugins[name]
		out = append(out, Info{
			Name:        p.Name(),
			Description: p.Description(),
			Kind:        p.Kind(),
			Extensions:  p.Extensions(),
			Schema:      p.Schema(),
		})
	}
	return out
}

// Normalize validates raw against p's schema and fills defaults. The result
// is what gets stored with a job; it never contains fallback decisions.
func (r *Registry) Normalize(p Plugin, raw map[string]any) (core.Params, error) {
	return p.Schema().normalize(raw)
}

// ValidateParams normalizes raw and applies capability fallbacks for a
// source with extension ext. Each fallback adds exactly one warning.
func (r *Registry) ValidateParams(p Plugin, ext string, raw map[string]any, caps Capabilities) (core.Params, []string, error) {
	if !p.Supports(ext) {
		return nil, nil, fmt.Errorf("%w: plugin %s does not support %q files", core.ErrValidation, p.Name(), ext)
	}
	params, err := r.Normalize(p, raw)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if params.String(ParamChunkingMode) == "by_page" && !convert.IsPaged(ext) {
		params[ParamChunkingMode] = "standard"
		warnings = append(warnings, WarnPageChunkingUnsupported)
	}
	if params.String(ParamImageDescriptions) == ImagesLLM && !caps.LLMCredential {
		params[ParamImageDescriptions] = ImagesBasic
		warnings = append(warnings, WarnNoLLMCredential)
	}
	return params, warnings, nil
}

// Names lists plugin names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}
