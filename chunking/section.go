package chunking

import (
	"regexp"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})[ \t]+(.*?)[ \t]*#*[ \t]*$`)

type section struct {
	// level is 0 for the preamble ahead of the first heading.
	level   int
	title   string
	heading string
	// ancestors holds the rendered headings enclosing this section.
	ancestors []string
	body      string
}

func parseSections(text string, maxLevel int) []section {
	var sections []section
	var stack []section
	cur := section{}
	var body strings.Builder
	inFence := false
	fenceMarker := ""

	flush := func() {
		cur.body = strings.TrimSpace(body.String())
		if cur.level > 0 || cur.body != "" {
			sections = append(sections, cur)
		}
		body.Reset()
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if marker := fenceOf(trimmed); marker != "" {
			if !inFence {
				inFence, fenceMarker = true, marker
			} else if strings.HasPrefix(trimmed, fenceMarker) {
				inFence = false
			}
			body.WriteString(line)
			continue
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n")); m != nil && len(m[1]) <= maxLevel {
				flush()
				level := len(m[1])
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				ancestors := make([]string, len(stack))
				for i, s := range stack {
					ancestors[i] = s.heading
				}
				cur = section{
					level:     level,
					title:     m[2],
					heading:   m[1] + " " + m[2],
					ancestors: ancestors,
				}
				stack = append(stack, cur)
			}
		}
		body.WriteString(line)
	}
	flush()
	return sections
}

func fenceOf(line string) string {
	switch {
	case strings.HasPrefix(line, "```"):
		return "```"
	case strings.HasPrefix(line, "~~~"):
		return "~~~"
	}
	return ""
}

func hasHeading(sections []section) bool {
	for _, s := range sections {
		if s.level > 0 {
			return true
		}
	}
	return false
}

// chunkSections groups up to HeadingsPerChunk consecutive sections. A group is
// either a run of siblings at one level or the first heading plus its
// descendants, so sections under different parents never share a chunk.
func chunkSections(sections []section, opts Options) []Piece {
	var pieces []Piece
	seenPaths := make(map[string]bool)

	emit := func(group []section) {
		parts := make([]string, 0, len(group))
		var titles []string
		for _, s := range group {
			if s.body != "" {
				parts = append(parts, s.body)
			}
			if s.level > 0 {
				titles = append(titles, s.title)
			}
		}
		if len(parts) == 0 {
			return
		}
		text := strings.Join(parts, "\n\n")

		path := strings.Join(group[0].ancestors, " > ")
		if path != "" && seenPaths[path] {
			path = ""
		} else if path != "" {
			seenPaths[path] = true
		}

		var bodies []string
		if opts.MaxSectionSize > 0 && runeLen(text) > opts.MaxSectionSize {
			sub := Options{
				Splitter:     opts.Splitter,
				ChunkSize:    opts.MaxSectionSize,
				ChunkOverlap: min(opts.ChunkOverlap, opts.MaxSectionSize/5),
			}
			for _, p := range chunkStandard(text, sub) {
				bodies = append(bodies, p.Text)
			}
		} else {
			bodies = []string{text}
		}
		for i, b := range bodies {
			p := Piece{Text: b, SectionTitles: titles}
			if i == 0 {
				p.ParentPath = path
			}
			pieces = append(pieces, p)
		}
	}

	var group []section
	deep := false
	for _, s := range sections {
		if s.level == 0 {
			emit([]section{s})
			continue
		}
		if len(group) > 0 {
			start := group[0].level
			fits := s.level > start || (s.level == start && !deep)
			if len(group) >= opts.HeadingsPerChunk || !fits {
				emit(group)
				group, deep = nil, false
			}
		}
		if len(group) > 0 && s.level > group[0].level {
			deep = true
		}
		group = append(group, s)
	}
	if len(group) > 0 {
		emit(group)
	}
	return pieces
}
