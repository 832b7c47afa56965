package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object as reported by the backend.
type ObjectInfo struct {
	Key         string
	SizeBytes   int64
	ContentType string
	ModifiedAt  time.Time
}

// PresignedUpload carries everything a client needs to perform a direct upload.
type PresignedUpload struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Store abstracts the object storage backend. The dispatch core never
// proxies file bytes; it only mints signed URLs and inspects metadata.
type Store interface {
	// Presign returns a time-limited upload URL for the given key.
	Presign(ctx context.Context, key, contentType string, sizeBytes int64, ttl time.Duration) (PresignedUpload, error)

	// SignDownload returns a time-limited download URL for an existing object.
	SignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Stat reports metadata for a stored object.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List enumerates objects under a key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) error
}
