// Package viewers tracks who is currently watching a video, using set
// operations on the shared key-value store.
package viewers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vodforge/internal/kv"
)

const keyPrefix = "viewers:"

var ErrInvalidInput = errors.New("viewers: file hash and viewer are required")

type Tracker struct {
	store kv.Store
}

func NewTracker(store kv.Store) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("viewers: store is required")
	}
	return &Tracker{store: store}, nil
}

// Key is the set holding the viewers of hash.
func Key(hash string) string {
	return keyPrefix + hash
}

func normalize(hash, viewer string) (string, string, error) {
	hash = strings.TrimSpace(hash)
	viewer = strings.TrimSpace(viewer)
	if hash == "" || viewer == "" {
		return "", "", ErrInvalidInput
	}
	return hash, viewer, nil
}

// Join adds viewer to the audience of hash and returns the new count.
func (t *Tracker) Join(ctx context.Context, hash, viewer string) (int64, error) {
	hash, viewer, err := normalize(hash, viewer)
	if err != nil {
		return 0, err
	}
	if err := t.store.SetAdd(ctx, Key(hash), viewer); err != nil {
		return 0, fmt.Errorf("viewers: join %s: %w", hash, err)
	}
	return t.Count(ctx, hash)
}

// Leave removes viewer from the audience of hash and returns the new count.
// Leaving twice is not an error.
func (t *Tracker) Leave(ctx context.Context, hash, viewer string) (int64, error) {
	hash, viewer, err := normalize(hash, viewer)
	if err != nil {
		return 0, err
	}
	if err := t.store.SetRemove(ctx, Key(hash), viewer); err != nil {
		return 0, fmt.Errorf("viewers: leave %s: %w", hash, err)
	}
	return t.Count(ctx, hash)
}

func (t *Tracker) Count(ctx context.Context, hash string) (int64, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return 0, ErrInvalidInput
	}
	count, err := t.store.SetCardinality(ctx, Key(hash))
	if err != nil {
		return 0, fmt.Errorf("viewers: count %s: %w", hash, err)
	}
	return count, nil
}

func (t *Tracker) IsWatching(ctx context.Context, hash, viewer string) (bool, error) {
	hash, viewer, err := normalize(hash, viewer)
	if err != nil {
		return false, err
	}
	ok, err := t.store.SetIsMember(ctx, Key(hash), viewer)
	if err != nil {
		return false, fmt.Errorf("viewers: lookup %s: %w", hash, err)
	}
	return ok, nil
}
