package chunking

import (
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/kbingest/core"
)

// Fallback warnings. The text is stable so callers can match on it.
const (
	WarnNoPageMarkers = "fallback: by_page -> standard (no page or slide markers found in content)"
	WarnNoHeadings    = "fallback: by_section -> standard (no headings found up to the configured level)"
)

// Piece is one chunk of text with its strategy specific provenance.
type Piece struct {
	Text          string
	PageRange     []int
	SectionTitles []string
	ParentPath    string
}

// Result is the output of one chunking pass.
type Result struct {
	Pieces []Piece
	// Strategy is the strategy actually used, after any fallback.
	Strategy string
	Warnings []string
}

// Chunk splits text according to opts. A missing page or heading structure
// is not an error; the pass falls back to standard chunking with a warning.
func Chunk(text string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	result := &Result{Strategy: opts.Mode}
	switch opts.Mode {
	case StrategyByPage:
		pages := splitPages(text)
		if len(pages) == 0 {
			result.Strategy = StrategyStandard
			result.Warnings = append(result.Warnings, WarnNoPageMarkers)
			result.Pieces = chunkStandard(text, opts)
			break
		}
		result.Pieces = chunkPages(pages, opts.PagesPerChunk)
	case StrategyBySection:
		sections := parseSections(text, opts.MaxHeadingLevel)
		if !hasHeading(sections) {
			result.Strategy = StrategyStandard
			result.Warnings = append(result.Warnings, WarnNoHeadings)
			result.Pieces = chunkStandard(text, opts)
			break
		}
		result.Pieces = chunkSections(sections, opts)
	default:
		result.Pieces = chunkStandard(text, opts)
	}

	for i, p := range result.Pieces {
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("%w: empty chunk at index %d", core.ErrChunking, i)
		}
	}
	return result, nil
}

// HasPageMarkers reports whether text carries at least one page or slide marker.
func HasPageMarkers(text string) bool {
	return pageMarkerPattern.MatchString(text)
}

// BuildChunks turns pieces into chunks. Every chunk gets a copy of base plus
// its ordering and strategy metadata.
func (r *Result) BuildChunks(base map[string]any) []core.Chunk {
	chunks := make([]core.Chunk, len(r.Pieces))
	for i, p := range r.Pieces {
		md := make(map[string]any, len(base)+6)
		maps.Copy(md, base)
		md[core.MetaChunkIndex] = i
		md[core.MetaChunkCount] = len(r.Pieces)
		md[core.MetaChunkingStrategy] = r.Strategy
		if p.PageRange != nil {
			md[core.MetaPageRange] = p.PageRange
		}
		if len(p.SectionTitles) > 0 {
			md[core.MetaSectionTitles] = p.SectionTitles
		}
		if p.ParentPath != "" {
			md[core.MetaParentPath] = p.ParentPath
		}
		chunks[i] = core.Chunk{Text: p.Text, Metadata: md}
	}
	return chunks
}

// Stats summarizes piece sizes in characters.
func (r *Result) Stats() core.ChunkStats {
	stats := core.ChunkStats{Count: len(r.Pieces)}
	if len(r.Pieces) == 0 {
		return stats
	}
	total := 0
	for i, p := range r.Pieces {
		n := utf8.RuneCountInString(p.Text)
		total += n
		if i == 0 || n < stats.MinSize {
			stats.MinSize = n
		}
		if n > stats.MaxSize {
			stats.MaxSize = n
		}
	}
	stats.AvgSize = float64(total) / float64(len(r.Pieces))
	return stats
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
