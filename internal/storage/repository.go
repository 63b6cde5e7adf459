// Package storage holds the bookkeeping records for stored files, their
// renditions and the uploaders that own them.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("storage: record not found")
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Repository is the bookkeeping surface used by the ingest core.
// CreateFile returns the existing record when one is already stored at
// path, and CreateOwnership is idempotent per identity and file.
type Repository interface {
	FindFileByPath(ctx context.Context, path string) (File, error)
	FindFileByID(ctx context.Context, id string) (File, error)
	FindFileByHash(ctx context.Context, hash string) (File, error)
	CreateFile(ctx context.Context, hash, path string, fileType FileType) (File, error)

	CreateRenditionRecord(ctx context.Context, fileID, path string, label *string) (Rendition, error)
	ListRenditions(ctx context.Context, fileID string) ([]Rendition, error)

	CreateOwnership(ctx context.Context, identity, fileID string) (Ownership, error)
	HasOwnership(ctx context.Context, identity, fileID string) (bool, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
