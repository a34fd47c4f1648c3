package plugin

import (
	"context"
	"slices"
	"strings"

	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
)

// SourceKind tells whether a plugin ingests uploaded files or URLs.
type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceURL  SourceKind = "url"
)

// Plugin is one ingestion recipe: which sources it accepts, which
// parameters it takes and how it converts and chunks.
type Plugin interface {
	Name() string
	Description() string
	Kind() SourceKind
	Schema() Schema
	Extensions() []string
	Supports(ext string) bool
	Convert(ctx context.Context, src convert.Source, opts convert.Options) (*convert.Document, error)
	Chunk(text string, params core.Params) (*chunking.Result, error)
}

// recipe is the table driven Plugin used by every built-in plugin.
type recipe struct {
	name        string
	description string
	kind        SourceKind
	schema      Schema
	extensions  []string
	converter   *convert.Registry
}

var _ Plugin = (*recipe)(nil)

func (r *recipe) Name() string        { return r.name }
func (r *recipe) Description() string { return r.description }
func (r *recipe) Kind() SourceKind    { return r.kind }
func (r *recipe) Schema() Schema      { return r.schema }

func (r *recipe) Extensions() []string {
	return slices.Clone(r.extensions)
}

// Supports reports whether ext is accepted. URL plugins accept any
// extension since the fetched content decides the format.
func (r *recipe) Supports(ext string) bool {
	if r.kind == SourceURL {
		return true
	}
	return slices.Contains(r.extensions, strings.ToLower(ext))
}

func (r *recipe) Convert(ctx context.Context, src convert.Source, opts convert.Options) (*convert.Document, error) {
	return r.converter.Convert(ctx, src, opts)
}

func (r *recipe) Chunk(text string, params core.Params) (*chunking.Result, error) {
	return chunking.Chunk(text, ChunkOptions(params))
}

// ChunkOptions maps normalized parameters onto chunking options. Missing
// parameters keep the chunking defaults.
func ChunkOptions(params core.Params) chunking.Options {
	opts := chunking.DefaultOptions()
	if v := params.String(ParamChunkingMode); v != "" {
		opts.Mode = v
	}
	if v := params.String(ParamSplitterType); v != "" {
		opts.Splitter = v
	}
	setInt := func(key string, dst *int) {
		if _, ok := params[key]; ok {
			*dst = params.Int(key)
		}
	}
	setInt(ParamChunkSize, &opts.ChunkSize)
	setInt(ParamChunkOverlap, &opts.ChunkOverlap)
	setInt(ParamPagesPerChunk, &opts.PagesPerChunk)
	setInt(ParamHeadingsPerChunk, &opts.HeadingsPerChunk)
	setInt(ParamMaxHeadingLevel, &opts.MaxHeadingLevel)
	setInt(ParamMaxSectionSize, &opts.MaxSectionSize)
	return opts
}

// ImageMode returns the image description mode of params.
func ImageMode(params core.Params) string {
	if v := params.String(ParamImageDescriptions); v != "" {
		return v
	}
	return ImagesNone
}
