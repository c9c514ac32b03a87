package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const signedURLTTL = 1 * time.Hour

// GCSWriter stores artefacts in a Google Cloud Storage bucket.
type GCSWriter struct {
	client *storage.Client
	bucket string
}

// NewGCSWriter creates a GCSWriter for the given bucket. opts are passed
// through to the underlying client, allowing credential injection.
func NewGCSWriter(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSWriter, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create GCS client: %w", err)
	}
	return &GCSWriter{client: client, bucket: bucket}, nil
}

// Write uploads the artefact and returns a signed URL for it.
func (g *GCSWriter) Write(ctx context.Context, name, contentType string, content io.Reader) (*Object, error) {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("storage: write %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage: finalise %q: %w", name, err)
	}

	expiresAt := time.Now().Add(signedURLTTL)
	signedURL, err := g.client.Bucket(g.bucket).SignedURL(name, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: sign URL for %q: %w", name, err)
	}

	return &Object{Name: name, URL: signedURL, ExpiresAt: expiresAt}, nil
}
