package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore saves objects to disk under a base directory and serves them
// under a URL prefix ("/uploads" by default). The server mounts Dir() as a
// static file route for that prefix.
type FileStore struct {
	basePath  string
	urlPrefix string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath, urlPrefix string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	urlPrefix = strings.TrimRight(strings.TrimSpace(urlPrefix), "/")
	if urlPrefix == "" {
		urlPrefix = "/uploads"
	}
	return &FileStore{basePath: basePath, urlPrefix: urlPrefix}, nil
}

// Dir returns the directory static files are served from.
func (f *FileStore) Dir() string {
	return f.basePath
}

// Prefix returns the URL prefix objects are served under.
func (f *FileStore) Prefix() string {
	return f.urlPrefix
}

// Put writes an object under the base directory.
func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	target := filepath.Join(f.basePath, safeKey(key))
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// URL returns the serving path for a stored object.
func (f *FileStore) URL(key string) string {
	return f.urlPrefix + "/" + safeKey(key)
}

// Delete removes a stored object. Missing files are not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target := filepath.Join(f.basePath, safeKey(key))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func safeKey(key string) string {
	key = filepath.Base(key)
	key = strings.TrimSpace(key)
	if key == "" || key == "." || key == string(os.PathSeparator) {
		return "object"
	}
	return key
}
