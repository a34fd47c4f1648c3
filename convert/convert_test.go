package convert

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/poiesic/kbingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry()
	for _, ext := range []string{".txt", ".md", ".markdown", ".pdf", ".docx", ".pptx", ".odt", ".rtf", ".xml", ".html", ".htm"} {
		assert.True(t, r.Supports(ext), ext)
	}
	assert.True(t, r.Supports(".PDF"))
	assert.False(t, r.Supports(".exe"))
	assert.Contains(t, r.Extensions(), ".pdf")
}

func TestIsPaged(t *testing.T) {
	assert.True(t, IsPaged(".pdf"))
	assert.True(t, IsPaged(".pptx"))
	assert.False(t, IsPaged(".docx"))
	assert.False(t, IsPaged(".md"))
}

func TestConvertUnsupportedType(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(), Source{Filename: "a.exe", Data: []byte("x")}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestConvertPlainText(t *testing.T) {
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "notes.txt", Data: []byte("line one\r\nline two")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", doc.Markdown)
	assert.False(t, doc.Paged)
}

func TestConvertEmptyTextFails(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "empty.txt", Data: []byte("  \n\t ")}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
	assert.Contains(t, err.Error(), "no text content")
}

func TestConvertInvalidUTF8Fails(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "bad.txt", Data: []byte{0xff, 0xfe, 0xfd}}, Options{})
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestConvertMarkdownFrontmatter(t *testing.T) {
	src := "---\ntitle: Field Guide\ntags: [a, b]\n---\n# Birds\n\nSparrows."
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "guide.md", Data: []byte(src)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Field Guide", doc.Title)
	assert.Equal(t, "# Birds\n\nSparrows.", doc.Markdown)
}

func TestConvertMarkdownTitleFromHeading(t *testing.T) {
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "guide.md", Data: []byte("intro\n\n# Owls\n\ntext")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Owls", doc.Title)
}

func TestConvertMarkdownDataURIImages(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(pngBytes)
	src := "Look:\n\n![chart](data:image/png;base64," + payload + ")\n\nDone."

	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "img.md", Data: []byte(src)}, Options{ExtractImages: true})
	require.NoError(t, err)
	require.Len(t, doc.Assets, 1)
	assert.Equal(t, "md-image-001.png", doc.Assets[0].Name)
	assert.Equal(t, "image/png", doc.Assets[0].ContentType)
	assert.Equal(t, pngBytes, doc.Assets[0].Data)
	assert.Contains(t, doc.Markdown, Placeholder("md-image-001.png"))
	assert.NotContains(t, doc.Markdown, "base64")

	// Without extraction the reference is left as it is.
	doc, err = NewRegistry().Convert(context.Background(),
		Source{Filename: "img.md", Data: []byte(src)}, Options{})
	require.NoError(t, err)
	assert.Empty(t, doc.Assets)
	assert.Contains(t, doc.Markdown, "data:image/png;base64,")
}

func TestConvertPDFPageMarkers(t *testing.T) {
	data := SamplePDF("First page text", "Second page text", "Third page text")
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "report.pdf", Data: data}, Options{})
	require.NoError(t, err)

	assert.True(t, doc.Paged)
	assert.Equal(t, 3, doc.PageCount)
	for _, marker := range []string{"<!-- page: 1 -->", "<!-- page: 2 -->", "<!-- page: 3 -->"} {
		assert.Contains(t, doc.Markdown, marker)
	}
	assert.Contains(t, doc.Markdown, "Second page text")
	assert.Less(t, strings.Index(doc.Markdown, "<!-- page: 2 -->"), strings.Index(doc.Markdown, "Second page text"))
}

func TestConvertPDFInvalidHeader(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "fake.pdf", Data: []byte("hello")}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestConvertPDFCorrupt(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "broken.pdf", Data: []byte("%PDF-1.4\ngarbage")}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestConvertDOCXHeadings(t *testing.T) {
	data := SampleDOCX([]SampleParagraph{
		{Style: "Title", Text: "Handbook"},
		{Text: "Welcome & hello."},
		{Style: "Heading2", Text: "Setup"},
		{Text: "Install it."},
	}, nil)

	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "handbook.docx", Data: data}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "# Handbook\n\nWelcome & hello.\n\n## Setup\n\nInstall it.", doc.Markdown)
	assert.Equal(t, "Handbook", doc.Title)
}

func TestConvertDOCXImages(t *testing.T) {
	data := SampleDOCX([]SampleParagraph{
		{Text: "Diagram below"},
		{Image: "image1.png"},
	}, map[string][]byte{"image1.png": pngBytes})

	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "d.docx", Data: data}, Options{ExtractImages: true})
	require.NoError(t, err)
	require.Len(t, doc.Assets, 1)
	assert.Equal(t, "image1.png", doc.Assets[0].Name)
	assert.Equal(t, []string{"image1.png"}, PlaceholderNames(doc.Markdown))

	doc, err = NewRegistry().Convert(context.Background(),
		Source{Filename: "d.docx", Data: data}, Options{})
	require.NoError(t, err)
	assert.Empty(t, doc.Assets)
	assert.Empty(t, PlaceholderNames(doc.Markdown))
}

func TestConvertDOCXReadsInMemory(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	data := SampleDOCX([]SampleParagraph{{Text: "Nothing touches disk."}}, nil)
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "memo.docx", Data: data}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Nothing touches disk.", doc.Markdown)

	_, err = NewRegistry().Convert(context.Background(),
		Source{Filename: "broken.docx", Data: []byte("PK not really a zip")}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvertPPTXSlideMarkers(t *testing.T) {
	data := SamplePPTX("Welcome", "Agenda", "Q&A")
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "deck.pptx", Data: data}, Options{})
	require.NoError(t, err)

	assert.True(t, doc.Paged)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, "Welcome", doc.Title)
	assert.Equal(t, "<!-- slide: 1 -->\n\nWelcome\n\n<!-- slide: 2 -->\n\nAgenda\n\n<!-- slide: 3 -->\n\nQ&A\n\n", doc.Markdown)
}

func TestConvertHTMLTitle(t *testing.T) {
	page := `<html><head><title>Release &amp; Notes</title></head><body><p>Version two is out.</p></body></html>`
	doc, err := NewRegistry().Convert(context.Background(),
		Source{Filename: "notes.html", Data: []byte(page)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Release & Notes", doc.Title)
	assert.Contains(t, doc.Markdown, "Version two is out.")
}

func TestConvertURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<html><head><title>Article</title></head><body><p>Remote body text.</p></body></html>`))
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("plain remote"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	doc, err := r.Convert(context.Background(), Source{URL: srv.URL + "/article"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Article", doc.Title)
	assert.Contains(t, doc.Markdown, "Remote body text.")

	doc, err = r.Convert(context.Background(), Source{URL: srv.URL + "/notes.txt"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "plain remote", doc.Markdown)

	_, err = r.Convert(context.Background(), Source{URL: srv.URL + "/missing"}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
	assert.Contains(t, err.Error(), "404")
}

func TestConvertURLTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	_, err := NewRegistry(WithMaxFetchBytes(1024)).Convert(context.Background(), Source{URL: srv.URL + "/big.txt"}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestConvertInvalidURL(t *testing.T) {
	_, err := NewRegistry().Convert(context.Background(), Source{URL: "ftp://example.com/x"}, Options{})
	assert.ErrorIs(t, err, core.ErrConversion)
}

func TestReplacePlaceholders(t *testing.T) {
	md := "a " + Placeholder("one.png") + " b " + Placeholder("two.png")
	assert.Equal(t, []string{"one.png", "two.png"}, PlaceholderNames(md))

	out := ReplacePlaceholders(md, func(name string) string {
		if name == "two.png" {
			return ""
		}
		return "![desc](https://cdn/" + name + ")"
	})
	assert.Equal(t, "a ![desc](https://cdn/one.png) b ", out)
}
