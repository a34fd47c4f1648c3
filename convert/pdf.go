package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFConverter extracts the plain text of every page.
type PDFConverter struct{}

func NewPDFConverter() *PDFConverter {
	return &PDFConverter{}
}

func (c *PDFConverter) Extensions() []string {
	return []string{".pdf"}
}

func (c *PDFConverter) Convert(ctx context.Context, src Source, _ Options) (doc *Document, err error) {
	if !bytes.HasPrefix(src.Data, []byte("%PDF")) {
		return nil, errors.New("not a PDF file: invalid header")
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}

	var b strings.Builder
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.WriteString(pageMarker("page", i))
		b.WriteString("\n\n")

		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	}

	return &Document{
		Markdown:  b.String(),
		Paged:     true,
		PageCount: numPages,
	}, nil
}
