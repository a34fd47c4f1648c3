package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Source is the input to a conversion. Exactly one of Data or URL is set.
type Source struct {
	Filename string
	Data     []byte
	URL      string
}

// Extension returns the lower-cased file extension of the source, with the
// leading dot.
func (s Source) Extension() string {
	return Extension(s.Filename)
}

// Options controls a single conversion.
type Options struct {
	// ExtractImages requests embedded images as assets. When false images
	// are left as they are in the source and no assets are returned.
	ExtractImages bool
	// Readability enables main-content extraction for HTML.
	Readability bool
}

// Asset is an extracted binary referenced from the Markdown by placeholder.
type Asset struct {
	Name        string
	ContentType string
	Data        []byte
}

// Document is the result of a conversion.
type Document struct {
	Markdown  string
	Title     string
	Paged     bool
	PageCount int
	Assets    []Asset
}

// Converter converts one family of formats.
type Converter interface {
	Extensions() []string
	Convert(ctx context.Context, src Source, opts Options) (*Document, error)
}

// Extension returns the lower-cased extension of filename including the dot.
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

var placeholderPattern = regexp.MustCompile(`!\[[^\]]*\]\(asset:([^)\s]+)\)`)

// Placeholder returns the Markdown reference for an extracted asset.
func Placeholder(name string) string {
	return fmt.Sprintf("![image](asset:%s)", name)
}

// ReplacePlaceholders rewrites every asset placeholder using replace, which
// receives the asset name and returns the final Markdown. Placeholders for
// which replace returns "" are removed.
func ReplacePlaceholders(markdown string, replace func(name string) string) string {
	return placeholderPattern.ReplaceAllStringFunc(markdown, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return replace(name)
	})
}

// PlaceholderNames lists asset names referenced in markdown, in order.
func PlaceholderNames(markdown string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(markdown, -1) {
		names = append(names, m[1])
	}
	return names
}

func pageMarker(kind string, n int) string {
	return fmt.Sprintf("<!-- %s: %d -->", kind, n)
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".svg":  "image/svg+xml",
	".emf":  "image/emf",
	".wmf":  "image/wmf",
}

// ImageContentType maps an image file name to its MIME type. Unknown
// extensions yield application/octet-stream.
func ImageContentType(name string) string {
	if ct, ok := imageExtensions[Extension(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func extensionForContentType(ct string) string {
	for ext, t := range imageExtensions {
		if t == ct && ext != ".jpeg" && ext != ".tiff" {
			return ext
		}
	}
	return ".bin"
}
