// Package jobs tracks the progress of background merge and processing work
// in the shared key-value store so HTTP clients can poll for it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vodforge/internal/kv"
)

const (
	TypeMerge   = "merge"
	TypeProcess = "process"

	// DoneMarker is the status reported for a finished job. Stored on its
	// own it marks completion without a payload.
	DoneMarker = "done"

	errorSuffix = ":error"

	DefaultErrorTTL = 24 * time.Hour
)

// ErrNotFound is returned by Poll when the job key is absent. A failed job
// and a job that never started look the same.
var ErrNotFound = errors.New("jobs: job not found")

// Result is what a poller sees for an existing job key.
type Result struct {
	Done    bool            `json:"done"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Config struct {
	Store    kv.Store
	ErrorTTL time.Duration
	Logger   *slog.Logger
}

type Tracker struct {
	store    kv.Store
	errorTTL time.Duration
	logger   *slog.Logger
}

func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("jobs: store is required")
	}
	ttl := cfg.ErrorTTL
	if ttl <= 0 {
		ttl = DefaultErrorTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: cfg.Store, errorTTL: ttl, logger: logger}, nil
}

// Key returns the tracking key for a job of the given type on a file hash.
func Key(jobType, fileHash string) string {
	return jobType + ":" + fileHash
}

// SplitKey reverses Key. It reports false for keys that are not of the form
// <type>:<hash> with a known type.
func SplitKey(key string) (jobType, fileHash string, ok bool) {
	jobType, fileHash, found := strings.Cut(key, ":")
	if !found || fileHash == "" || strings.Contains(fileHash, ":") {
		return "", "", false
	}
	switch jobType {
	case TypeMerge, TypeProcess:
		return jobType, fileHash, true
	default:
		return "", "", false
	}
}

// Start records the initial status of a job and clears any failure left by
// a previous attempt.
func (t *Tracker) Start(ctx context.Context, key, status string) error {
	if err := t.store.Delete(ctx, key+errorSuffix); err != nil {
		t.logger.Warn("clear previous job error", "key", key, "error", err)
	}
	return t.set(ctx, key, status)
}

// Advance overwrites the status of an in-progress job.
func (t *Tracker) Advance(ctx context.Context, key, status string) error {
	return t.set(ctx, key, status)
}

// Complete stores the JSON encoding of payload as the terminal value.
func (t *Tracker) Complete(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload %s: %w", key, err)
	}
	return t.set(ctx, key, string(data))
}

// Fail deletes the job key so pollers see it as not found. When cause is
// non-nil its message is kept under a sibling key for LastError.
func (t *Tracker) Fail(ctx context.Context, key string, cause error) error {
	if cause != nil {
		if err := t.store.Set(ctx, key+errorSuffix, cause.Error(), t.errorTTL); err != nil {
			t.logger.Warn("record job error", "key", key, "error", err)
		}
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete job %s: %w", key, err)
	}
	return nil
}

// Poll reads the current state of a job. Stored values that parse as JSON
// are terminal payloads, the literal done marker is terminal without one,
// and anything else is a human readable status.
func (t *Tracker) Poll(ctx context.Context, key string) (Result, error) {
	value, err := t.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("read job %s: %w", key, err)
	}
	if value == DoneMarker {
		return Result{Done: true, Status: DoneMarker}, nil
	}
	if json.Valid([]byte(value)) {
		return Result{Done: true, Status: DoneMarker, Payload: json.RawMessage(value)}, nil
	}
	return Result{Status: value}, nil
}

// LastError returns the failure message recorded by Fail within the error
// retention window, or ErrNotFound.
func (t *Tracker) LastError(ctx context.Context, key string) (string, error) {
	value, err := t.store.Get(ctx, key+errorSuffix)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read job error %s: %w", key, err)
	}
	return value, nil
}

func (t *Tracker) set(ctx context.Context, key, value string) error {
	if err := t.store.Set(ctx, key, value, 0); err != nil {
		return fmt.Errorf("write job %s: %w", key, err)
	}
	return nil
}
