// Package chunking splits converted Markdown text into ordered chunks.
//
// Three strategies are available:
//   - standard: recursive splitting on paragraph, line, sentence and word
//     boundaries before a hard character cut, with character overlap
//   - by_page: groups pages delimited by page or slide markers
//   - by_section: groups Markdown heading sections without crossing parents
//
// A structured strategy never fails because its structure is missing. It
// falls back to standard chunking and reports one stable warning.
package chunking
