// Package kv is the shared key-value store used for job tracking and live
// viewer sets.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the narrow key-value surface the ingest core depends on. A ttl of
// zero or less stores the key without expiry.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetCardinality(ctx context.Context, key string) (int64, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
