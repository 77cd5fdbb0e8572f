// Package core defines the blob storage contract shared by the export
// artifact backends.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local directory (default)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // process memory
)

// DefaultPresignExpiry applies when SignedURLOptions.Expiry is unset.
const DefaultPresignExpiry = 15 * time.Minute

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string // small, flat key/value pairs
}

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions struct {
	Method string // only GET is supported
	Expiry time.Duration
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is a create-only, S3-shaped object store.
type Store interface {
	// Put stores a new blob at key and fails with ErrExists if key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get returns the blob and its metadata; the caller closes the reader.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	// Delete reports whether the blob existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns blobs under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blobstore: unsupported operation")
	ErrNotFound    = errors.New("blobstore: blob not found")
	ErrExists      = errors.New("blobstore: blob already exists")
	ErrInvalidKey  = errors.New("blobstore: invalid key")
)

// CleanKey validates key and returns it in canonical slash form. Keys are
// relative, non-empty and may not climb out of the store root.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(trimmed, `\`, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q climbs out of the root", ErrInvalidKey, key)
		}
	}
	return path.Clean(strings.ReplaceAll(trimmed, `\`, "/")), nil
}

// PresignExpiry resolves the effective expiry and rejects non-GET methods.
func PresignExpiry(opts SignedURLOptions) (time.Duration, error) {
	if m := strings.ToUpper(strings.TrimSpace(opts.Method)); m != "" && m != "GET" {
		return 0, fmt.Errorf("%w: presign %s", ErrUnsupported, m)
	}
	if opts.Expiry <= 0 {
		return DefaultPresignExpiry, nil
	}
	return opts.Expiry, nil
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
