package chunking

import (
	"regexp"
	"strconv"
	"strings"
)

var pageMarkerPattern = regexp.MustCompile(`(?m)^[ \t]*<!--\s*(page|slide):\s*(\d+)\s*-->[ \t]*$`)

type page struct {
	number int
	text   string
}

// splitPages returns the marked pages of text in document order. Text ahead
// of the first marker belongs to the first page. Nil means no markers.
func splitPages(text string) []page {
	locs := pageMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	preamble := text[:locs[0][0]]
	pages := make([]page, 0, len(locs))
	for i, loc := range locs {
		n, _ := strconv.Atoi(text[loc[4]:loc[5]])
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[loc[1]:end]
		if i == 0 {
			body = preamble + body
		}
		pages = append(pages, page{number: n, text: strings.TrimSpace(body)})
	}
	return pages
}

func chunkPages(pages []page, perChunk int) []Piece {
	var pieces []Piece
	for start := 0; start < len(pages); start += perChunk {
		group := pages[start:min(start+perChunk, len(pages))]
		parts := make([]string, 0, len(group))
		for _, p := range group {
			if p.text != "" {
				parts = append(parts, p.text)
			}
		}
		if len(parts) == 0 {
			continue
		}
		pieces = append(pieces, Piece{
			Text:      strings.Join(parts, "\n\n"),
			PageRange: []int{group[0].number, group[len(group)-1].number},
		})
	}
	return pieces
}
