package chunking

import (
	"fmt"

	"github.com/poiesic/kbingest/core"
)

// Strategy names as recorded in chunk metadata.
const (
	StrategyStandard  = "standard"
	StrategyByPage    = "by_page"
	StrategyBySection = "by_section"
)

// Splitter algorithms for the standard strategy.
const (
	SplitterRecursive = "recursive"
	SplitterCharacter = "character"
)

// Options selects a strategy and its parameters.
type Options struct {
	Mode     string
	Splitter string

	// ChunkSize is the target chunk length in characters.
	ChunkSize int
	// ChunkOverlap is the number of characters repeated between consecutive
	// standard chunks. Must be smaller than ChunkSize.
	ChunkOverlap int

	PagesPerChunk int

	HeadingsPerChunk int
	MaxHeadingLevel  int
	// MaxSectionSize sub-splits larger sections. Zero disables the limit.
	MaxSectionSize int
}

// DefaultOptions returns standard chunking with 1000 character chunks.
func DefaultOptions() Options {
	return Options{
		Mode:             StrategyStandard,
		Splitter:         SplitterRecursive,
		ChunkSize:        1000,
		ChunkOverlap:     200,
		PagesPerChunk:    1,
		HeadingsPerChunk: 1,
		MaxHeadingLevel:  3,
	}
}

// Validate checks internal consistency. Callers normally receive options
// from the plugin registry, so a failure here is a programming error.
func (o Options) Validate() error {
	switch o.Mode {
	case StrategyStandard, StrategyByPage, StrategyBySection:
	default:
		return fmt.Errorf("%w: unknown chunking mode %q", core.ErrChunking, o.Mode)
	}
	switch o.Splitter {
	case SplitterRecursive, SplitterCharacter:
	default:
		return fmt.Errorf("%w: unknown splitter %q", core.ErrChunking, o.Splitter)
	}
	if o.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", core.ErrChunking)
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		return fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", core.ErrChunking, o.ChunkOverlap, o.ChunkSize)
	}
	if o.PagesPerChunk < 1 {
		return fmt.Errorf("%w: pages per chunk must be at least 1", core.ErrChunking)
	}
	if o.HeadingsPerChunk < 1 {
		return fmt.Errorf("%w: headings per chunk must be at least 1", core.ErrChunking)
	}
	if o.MaxHeadingLevel < 1 || o.MaxHeadingLevel > 6 {
		return fmt.Errorf("%w: max heading level must be in [1, 6]", core.ErrChunking)
	}
	if o.MaxSectionSize < 0 {
		return fmt.Errorf("%w: max section size must not be negative", core.ErrChunking)
	}
	return nil
}
