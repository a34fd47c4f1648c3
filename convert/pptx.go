package convert

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"code.sajari.com/docconv"
)

const (
	drawingNamespace = "http://schemas.openxmlformats.org/drawingml/2006/main"
	pptxMIME         = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

var slidePart = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// PPTXConverter emits one slide marker per slide in presentation order.
type PPTXConverter struct{}

func NewPPTXConverter() *PPTXConverter {
	return &PPTXConverter{}
}

func (c *PPTXConverter) Extensions() []string {
	return []string{".pptx"}
}

func (c *PPTXConverter) Convert(ctx context.Context, src Source, opts Options) (*Document, error) {
	pkg, err := openOOXML(src.Data)
	if err != nil {
		return nil, err
	}

	type slide struct {
		n    int
		part string
	}
	var slides []slide
	for name := range pkg.files {
		if m := slidePart.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, part: name})
		}
	}
	if len(slides) == 0 {
		// Unusual packaging; take whatever text docconv finds, without markers.
		res, err := docconv.Convert(bytes.NewReader(src.Data), pptxMIME, false)
		if err != nil {
			return nil, err
		}
		return &Document{Markdown: res.Body}, nil
	}
	slices.SortFunc(slides, func(a, b slide) int { return a.n - b.n })

	var media *mediaCollector
	if opts.ExtractImages {
		media = newMediaCollector(pkg)
	}

	doc := &Document{Paged: true, PageCount: len(slides)}
	var b strings.Builder
	for i, s := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := pkg.read(s.part)
		if err != nil {
			return nil, err
		}
		rels := pkg.relationships(s.part)
		paragraphs, err := walkSlideXML(data, func(id string) string {
			if media == nil {
				return ""
			}
			if target, ok := rels[id]; ok {
				return media.add(target)
			}
			return ""
		})
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.n, err)
		}
		if doc.Title == "" && len(paragraphs) > 0 {
			doc.Title = paragraphs[0]
		}

		b.WriteString(pageMarker("slide", i+1))
		b.WriteString("\n\n")
		for _, p := range paragraphs {
			b.WriteString(p)
			b.WriteString("\n\n")
		}
	}
	doc.Markdown = b.String()
	if media != nil {
		doc.Assets = media.assets
	}
	return doc, nil
}

func walkSlideXML(data []byte, image func(id string) string) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var paragraphs []string
	var cur strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid slide xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "blip":
				if p := image(attr(t, "embed")); p != "" {
					paragraphs = append(paragraphs, p)
				}
			case t.Name.Space != drawingNamespace:
			case t.Name.Local == "p":
				cur.Reset()
			case t.Name.Local == "t":
				inText = true
			case t.Name.Local == "br":
				cur.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		case xml.EndElement:
			if t.Name.Space != drawingNamespace {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(cur.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
			}
		}
	}
	return paragraphs, nil
}
