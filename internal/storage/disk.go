package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// LocalWriter stores artefacts under a directory on the local filesystem.
type LocalWriter struct {
	baseDir string
}

// NewLocalWriter creates a LocalWriter rooted at baseDir, creating the
// directory if needed.
func NewLocalWriter(baseDir string) (*LocalWriter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base directory %q: %w", baseDir, err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %q: %w", baseDir, err)
	}
	return &LocalWriter{baseDir: abs}, nil
}

// Write stores the artefact at baseDir/name and returns a file:// URL.
func (l *LocalWriter) Write(_ context.Context, name, _ string, content io.Reader) (*Object, error) {
	dest := filepath.Join(l.baseDir, filepath.FromSlash(name))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory for %q: %w", name, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("storage: create %q: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return nil, fmt.Errorf("storage: write %q: %w", dest, err)
	}

	fileURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}
	return &Object{Name: name, URL: fileURL.String()}, nil
}
