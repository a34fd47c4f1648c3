package convert

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"code.sajari.com/docconv"
)

var docconvMIME = map[string]string{
	".odt": "application/vnd.oasis.opendocument.text",
	".rtf": "application/rtf",
	".xml": "text/xml",
}

// DocconvConverter extracts plain text from formats docconv understands
// natively.
type DocconvConverter struct{}

func NewDocconvConverter() *DocconvConverter {
	return &DocconvConverter{}
}

func (c *DocconvConverter) Extensions() []string {
	return []string{".odt", ".rtf", ".xml"}
}

func (c *DocconvConverter) Convert(ctx context.Context, src Source, _ Options) (*Document, error) {
	mimeType, ok := docconvMIME[src.Extension()]
	if !ok {
		return nil, fmt.Errorf("no MIME type for %s", src.Extension())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := docconv.Convert(bytes.NewReader(src.Data), mimeType, false)
	if err != nil {
		return nil, err
	}
	return &Document{Markdown: strings.TrimSpace(res.Body)}, nil
}

// HTMLConverter extracts the readable text of an HTML page.
type HTMLConverter struct{}

func NewHTMLConverter() *HTMLConverter {
	return &HTMLConverter{}
}

func (c *HTMLConverter) Extensions() []string {
	return []string{".html", ".htm"}
}

var (
	htmlTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlDataImg = regexp.MustCompile(`(?i)<img[^>]*\ssrc\s*=\s*["']data:(image/[A-Za-z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+)["'][^>]*>`)
)

func (c *HTMLConverter) Convert(ctx context.Context, src Source, opts Options) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := string(src.Data)
	doc := &Document{}
	if m := htmlTitle.FindStringSubmatch(page); m != nil {
		doc.Title = strings.TrimSpace(html.UnescapeString(m[1]))
	}
	if opts.ExtractImages {
		// Placeholders survive as text nodes.
		page, doc.Assets = extractDataURIs(page, htmlDataImg, "html")
		page = placeholderPattern.ReplaceAllStringFunc(page, func(p string) string {
			return "<p>" + p + "</p>"
		})
	}

	res, err := docconv.Convert(strings.NewReader(page), "text/html", opts.Readability)
	if err != nil {
		return nil, err
	}
	doc.Markdown = strings.TrimSpace(res.Body)
	return doc, nil
}
