package chunking

import (
	"strings"
)

// separators are tried in order: paragraph, line, sentence, clause, word.
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " "}

func chunkStandard(text string, opts Options) []Piece {
	var bodies []string
	if opts.Splitter == SplitterCharacter {
		bodies = splitCharacter(text, opts.ChunkSize, opts.ChunkOverlap)
	} else {
		bodies = splitRecursive(text, opts.ChunkSize, opts.ChunkOverlap)
	}
	pieces := make([]Piece, 0, len(bodies))
	for _, b := range bodies {
		pieces = append(pieces, Piece{Text: b})
	}
	return pieces
}

// splitRecursive packs natural units into windows of size-overlap runes and
// prefixes every window after the first with the word aligned tail of its
// predecessor, so no chunk exceeds size.
func splitRecursive(text string, size, overlap int) []string {
	target := size - overlap
	atoms := splitAtoms(text, target, separators)

	var bodies []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			bodies = append(bodies, s)
		}
		cur.Reset()
		curLen = 0
	}
	for _, atom := range atoms {
		n := runeLen(atom)
		if curLen > 0 && curLen+n > target {
			flush()
		}
		cur.WriteString(atom)
		curLen += n
	}
	flush()

	if overlap == 0 || len(bodies) < 2 {
		return bodies
	}
	out := make([]string, len(bodies))
	out[0] = bodies[0]
	for i := 1; i < len(bodies); i++ {
		tail := tailAtWord(bodies[i-1], overlap-1)
		if tail == "" {
			out[i] = bodies[i]
			continue
		}
		out[i] = tail + " " + bodies[i]
	}
	return out
}

// splitAtoms breaks text into pieces no longer than limit runes, preferring
// the earliest separator that applies. Separators stay attached to the piece
// they end.
func splitAtoms(text string, limit int, seps []string) []string {
	if runeLen(text) <= limit {
		return []string{text}
	}
	if len(seps) == 0 {
		return hardCut(text, limit)
	}
	sep := seps[0]
	if !strings.Contains(text, sep) {
		return splitAtoms(text, limit, seps[1:])
	}
	var out []string
	for _, part := range strings.SplitAfter(text, sep) {
		if part == "" {
			continue
		}
		if runeLen(part) <= limit {
			out = append(out, part)
			continue
		}
		out = append(out, splitAtoms(part, limit, seps[1:])...)
	}
	return out
}

func hardCut(text string, limit int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

// tailAtWord returns at most n trailing runes of s, starting on a word
// boundary when one exists inside the window.
func tailAtWord(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	tail := runes[len(runes)-n:]
	if runes[len(runes)-n-1] != ' ' && runes[len(runes)-n-1] != '\n' {
		for i, r := range tail {
			if r == ' ' || r == '\n' {
				if i+1 < len(tail) {
					tail = tail[i+1:]
				}
				break
			}
		}
	}
	return strings.TrimSpace(string(tail))
}

// splitCharacter cuts fixed windows of size runes advancing by size-overlap.
func splitCharacter(text string, size, overlap int) []string {
	runes := []rune(text)
	stride := size - overlap
	var out []string
	for start := 0; start < len(runes); start += stride {
		end := min(start+size, len(runes))
		if w := string(runes[start:end]); strings.TrimSpace(w) != "" {
			out = append(out, w)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
