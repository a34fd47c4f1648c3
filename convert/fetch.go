package convert

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/poiesic/kbingest/core"
)

// fetch downloads rawURL and names the result so that the extension selects
// a handler. Anything that is not recognisably another format is HTML.
func (r *Registry) fetch(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Source{}, fmt.Errorf("%w: invalid URL %q", core.ErrConversion, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %w", core.ErrConversion, err)
	}
	req.Header.Set("User-Agent", "kbingest/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return Source{}, fmt.Errorf("%w: fetching %s: %w", core.ErrConversion, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Source{}, fmt.Errorf("%w: fetching %s: status %d", core.ErrConversion, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxFetchBytes+1))
	if err != nil {
		return Source{}, fmt.Errorf("%w: reading %s: %w", core.ErrConversion, rawURL, err)
	}
	if int64(len(data)) > r.maxFetchBytes {
		return Source{}, fmt.Errorf("%w: %s exceeds %d bytes", core.ErrConversion, rawURL, r.maxFetchBytes)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = u.Host
	}
	ext := Extension(name)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/pdf":
		ext = ".pdf"
	case mediaType == "text/plain" && ext != ".md" && ext != ".markdown":
		ext = ".txt"
	case strings.HasPrefix(mediaType, "text/markdown"):
		ext = ".md"
	case r.Supports(ext) && ext != "":
	default:
		ext = ".html"
	}
	if Extension(name) != ext {
		name += ext
	}

	r.logger.Debug("fetched URL", "url", rawURL, "bytes", len(data), "content_type", mediaType)
	return Source{Filename: name, Data: data, URL: rawURL}, nil
}
