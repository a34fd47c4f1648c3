package convert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/kbingest/core"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultMaxFetchBytes = 50 << 20
)

// Registry dispatches conversions to the handler registered for the source
// extension. URL sources are fetched first.
type Registry struct {
	handlers      map[string]Converter
	client        *http.Client
	maxFetchBytes int64
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used to fetch URL sources.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithMaxFetchBytes bounds the size of a fetched URL body.
func WithMaxFetchBytes(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxFetchBytes = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns a registry with every built-in handler registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers:      make(map[string]Converter),
		client:        &http.Client{Timeout: defaultFetchTimeout},
		maxFetchBytes: defaultMaxFetchBytes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "converter")

	r.Register(NewTextConverter())
	r.Register(NewPDFConverter())
	r.Register(NewDOCXConverter())
	r.Register(NewPPTXConverter())
	r.Register(NewDocconvConverter())
	r.Register(NewHTMLConverter())
	return r
}

// Register adds c for each of its extensions, replacing earlier handlers.
func (r *Registry) Register(c Converter) {
	for _, ext := range c.Extensions() {
		r.handlers[strings.ToLower(ext)] = c
	}
}

// Supports reports whether ext has a handler.
func (r *Registry) Supports(ext string) bool {
	_, ok := r.handlers[strings.ToLower(ext)]
	return ok
}

// Extensions lists every registered extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.handlers))
	for ext := range r.handlers {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// IsPaged reports whether ext is converted with page or slide markers.
func IsPaged(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".pptx":
		return true
	}
	return false
}

// Convert converts src. All failures wrap core.ErrConversion. A document
// without any text content is a failure.
func (r *Registry) Convert(ctx context.Context, src Source, opts Options) (*Document, error) {
	if src.URL != "" && src.Data == nil {
		fetched, err := r.fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		src = fetched
	}

	ext := src.Extension()
	c, ok := r.handlers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported file type %q", core.ErrConversion, ext)
	}

	start := time.Now()
	doc, err := c.Convert(ctx, src, opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", core.ErrConversion, src.Filename, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", core.ErrConversion, src.Filename, err)
	}
	if !hasText(doc.Markdown) {
		return nil, fmt.Errorf("%w: %s: no text content", core.ErrConversion, src.Filename)
	}

	r.logger.Debug("converted source",
		"filename", src.Filename,
		"chars", len(doc.Markdown),
		"assets", len(doc.Assets),
		"duration", time.Since(start))
	return doc, nil
}

var markerLine = regexp.MustCompile(`(?m)^<!--\s*(page|slide):\s*\d+\s*-->$`)

// hasText reports whether markdown has content besides page markers.
func hasText(markdown string) bool {
	return strings.TrimSpace(markerLine.ReplaceAllString(markdown, "")) != ""
}
