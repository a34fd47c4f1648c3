// Package convert turns uploaded files and remote pages into Markdown text.
//
// Handlers are registered per file extension in a Registry. Every handler
// returns a Document whose Markdown may contain asset placeholders of the
// form ![image](asset:NAME); the ingestion runner replaces each placeholder
// with a stored image link once the asset has been persisted.
//
// Paged formats emit one <!-- page: N --> or <!-- slide: N --> marker line
// per page so the chunking engine can split on page boundaries.
package convert
