package convert

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

const wordNamespace = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// DOCXConverter converts Word documents, turning heading paragraph styles
// into Markdown headings.
type DOCXConverter struct{}

func NewDOCXConverter() *DOCXConverter {
	return &DOCXConverter{}
}

func (c *DOCXConverter) Extensions() []string {
	return []string{".docx"}
}

func (c *DOCXConverter) Convert(ctx context.Context, src Source, opts Options) (*Document, error) {
	content, err := readDocxContent(src.Data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var media *mediaCollector
	var rels map[string]string
	if opts.ExtractImages {
		pkg, err := openOOXML(src.Data)
		if err != nil {
			return nil, err
		}
		media = newMediaCollector(pkg)
		rels = pkg.relationships("word/document.xml")
	}

	paragraphs, err := walkWordXML(content, func(id string) string {
		if media == nil {
			return ""
		}
		if target, ok := rels[id]; ok {
			return media.add(target)
		}
		return ""
	})
	if err != nil {
		return nil, err
	}

	doc := &Document{Markdown: strings.Join(paragraphs, "\n\n")}
	if media != nil {
		doc.Assets = media.assets
	}
	for _, p := range paragraphs {
		if strings.HasPrefix(p, "# ") {
			doc.Title = strings.TrimPrefix(p, "# ")
			break
		}
	}
	return doc, nil
}

// readDocxContent returns the main document part.
func readDocxContent(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to read docx: %w", err)
	}
	defer doc.Close()

	return doc.Editable().GetContent(), nil
}

var headingStyle = regexp.MustCompile(`(?i)^heading\s*([1-6])$`)

func headingLevel(style string) int {
	if strings.EqualFold(style, "Title") {
		return 1
	}
	if m := headingStyle.FindStringSubmatch(style); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// walkWordXML renders the paragraphs of a WordprocessingML body. image is
// called with the relationship id of each embedded picture and returns the
// text to insert for it.
func walkWordXML(content string, image func(id string) string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var paragraphs []string
	var cur strings.Builder
	depth, level := 0, 0
	inText := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid document xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNamespace {
				if t.Name.Local == "blip" && depth > 0 {
					cur.WriteString(image(attr(t, "embed")))
				}
				continue
			}
			switch t.Name.Local {
			case "p":
				if depth == 0 {
					cur.Reset()
					level = 0
				}
				depth++
			case "pStyle":
				if depth == 1 {
					level = headingLevel(attr(t, "val"))
				}
			case "t":
				inText = true
			case "tab":
				cur.WriteString("\t")
			case "br", "cr":
				cur.WriteString("\n")
			}
		case xml.CharData:
			if inText && depth > 0 {
				cur.Write(t)
			}
		case xml.EndElement:
			if t.Name.Space != wordNamespace {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth > 0 {
					cur.WriteString("\n")
					continue
				}
				text := strings.TrimSpace(cur.String())
				if text == "" {
					continue
				}
				if level > 0 {
					text = strings.Repeat("#", level) + " " + text
				}
				paragraphs = append(paragraphs, text)
			}
		}
	}
	return paragraphs, nil
}
