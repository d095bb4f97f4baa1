package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes an object in blob storage.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves, enumerates, and prunes archived objects. Get returns
// ErrNotFound for missing paths; Delete of a missing path is a no-op.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Delete(ctx context.Context, path string) error
}

// Archiver exports historical records to cold storage. Each method returns
// the number of records archived.
type Archiver interface {
	ArchiveRaces(ctx context.Context, before time.Time) (int64, error)
	ArchiveTransfers(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
