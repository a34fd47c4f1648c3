package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/poiesic/kbingest/core"
)

// FileStore keeps objects under a local directory. URLs are baseURL joined
// with the key, so the directory can be served by any static file server.
type FileStore struct {
	root    string
	baseURL string
}

func NewFileStore(root, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating asset directory: %w", core.ErrStorage, err)
	}
	if baseURL == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		baseURL = "file://" + filepath.ToSlash(abs)
	}
	return &FileStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (f *FileStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	return f.baseURL + "/" + key, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	return data, nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.root, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	return nil
}
