package convert

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// TextConverter handles plain text and Markdown.
type TextConverter struct{}

func NewTextConverter() *TextConverter {
	return &TextConverter{}
}

func (c *TextConverter) Extensions() []string {
	return []string{".txt", ".md", ".markdown"}
}

func (c *TextConverter) Convert(ctx context.Context, src Source, opts Options) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !utf8.Valid(src.Data) {
		return nil, fmt.Errorf("%s is not valid UTF-8 text", src.Filename)
	}
	text := strings.ReplaceAll(string(src.Data), "\r\n", "\n")
	doc := &Document{}

	if src.Extension() == ".txt" {
		doc.Markdown = text
		return doc, nil
	}

	body, title, err := splitFrontmatter(text)
	if err != nil {
		return nil, err
	}
	doc.Title = title
	if doc.Title == "" {
		doc.Title = firstHeading(body)
	}
	if opts.ExtractImages {
		body, doc.Assets = extractDataURIs(body, markdownDataURI, "md")
	}
	doc.Markdown = body
	return doc, nil
}

// splitFrontmatter removes a leading YAML block delimited by --- lines and
// returns its title field, if any.
func splitFrontmatter(text string) (string, string, error) {
	if !strings.HasPrefix(text, "---\n") {
		return text, "", nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return text, "", nil
	}
	block := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n---"):], "\n")

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return "", "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	title, _ := meta["title"].(string)
	return body, title, nil
}

var atxTitle = regexp.MustCompile(`(?m)^#[ \t]+(.+?)[ \t]*#*[ \t]*$`)

func firstHeading(markdown string) string {
	if m := atxTitle.FindStringSubmatch(markdown); m != nil {
		return m[1]
	}
	return ""
}

var markdownDataURI = regexp.MustCompile(`!\[[^\]]*\]\(data:(image/[A-Za-z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+)\)`)

// extractDataURIs replaces base64 data URI images matched by pattern with
// asset placeholders. The pattern's first group is the MIME type and the
// second the payload. Undecodable payloads are left in place.
func extractDataURIs(text string, pattern *regexp.Regexp, prefix string) (string, []Asset) {
	var assets []Asset
	out := pattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := pattern.FindStringSubmatch(m)
		payload := strings.Join(strings.Fields(sub[2]), "")
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return m
		}
		name := fmt.Sprintf("%s-image-%03d%s", prefix, len(assets)+1, extensionForContentType(sub[1]))
		assets = append(assets, Asset{Name: name, ContentType: sub[1], Data: data})
		return Placeholder(name)
	})
	return out, assets
}
