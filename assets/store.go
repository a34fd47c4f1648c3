// Package assets persists uploaded sources and extracted assets in object
// storage and hands out public URLs for them.
package assets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/poiesic/kbingest/core"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = fmt.Errorf("%w: asset", core.ErrNotFound)

// ErrInvalidKey is returned for keys that escape their prefix.
var ErrInvalidKey = errors.New("invalid asset key")

// Store is an object store addressed by slash separated keys.
type Store interface {
	// Put stores data under key and returns a URL a reader can fetch it from.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

const anonymousOwner = "anonymous"

// JobPrefix is the key prefix of everything stored for one job.
func JobPrefix(owner, collectionID, jobID string) string {
	if owner == "" {
		owner = anonymousOwner
	}
	return path.Join(cleanSegment(owner), cleanSegment(collectionID), cleanSegment(jobID))
}

// SourceKey is where the uploaded source of a job is kept.
func SourceKey(owner, collectionID, jobID, filename string) string {
	return path.Join(JobPrefix(owner, collectionID, jobID), "source", cleanSegment(filename))
}

// AssetKey is where an extracted asset of a job is kept.
func AssetKey(owner, collectionID, jobID, name string) string {
	return path.Join(JobPrefix(owner, collectionID, jobID), "assets", cleanSegment(name))
}

// MarkdownKey is where the converted Markdown of a job is kept.
func MarkdownKey(owner, collectionID, jobID string) string {
	return path.Join(JobPrefix(owner, collectionID, jobID), "converted.md")
}

// cleanSegment reduces s to a single path element.
func cleanSegment(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	s = path.Base(path.Clean("/" + s))
	if s == "/" || s == "." || s == ".." || s == "" {
		return "_"
	}
	return s
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
