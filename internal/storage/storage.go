// Package storage persists rendered frame artefacts and produces URLs for
// retrieving them. The GCS implementation is the production backend for
// shared artefacts; the local implementation serves workstation use. Both
// satisfy the same interface.
package storage

import (
	"context"
	"io"
	"time"
)

// Object describes a stored artefact.
type Object struct {
	// Name is the object path within the backend.
	Name string

	// URL retrieves the artefact. For GCS this is a time-limited signed
	// URL; for local files it is a file:// URL with no expiry.
	URL string

	// ExpiresAt is when URL stops working; zero for local files.
	ExpiresAt time.Time
}

// Writer persists one artefact per call.
type Writer interface {
	Write(ctx context.Context, name, contentType string, content io.Reader) (*Object, error)
}
