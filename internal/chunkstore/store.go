// Package chunkstore holds in-flight chunked uploads, one directory per
// eventual file hash, and reassembles them into the video store.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/contentstore"
)

const (
	// DefaultChunkSize matches the client-side slicing size. Every chunk but
	// the last must be exactly this long for offset-addressed merging.
	DefaultChunkSize int64 = 5 << 20

	defaultMergeParallelism = 16

	// MergedExtension is appended to the hash to name a merged upload.
	MergedExtension = ".mp4"
)

type Config struct {
	ChunkRoot        string
	Videos           *contentstore.Store
	ChunkSize        int64
	MergeParallelism int
	Logger           *slog.Logger
}

// Store is a content store rooted at the chunk directory with a sibling
// video store that receives merged files.
type Store struct {
	*contentstore.Store
	videos      *contentstore.Store
	chunkSize   int64
	parallelism int
	logger      *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Videos == nil {
		return nil, fmt.Errorf("chunkstore: video store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, err := contentstore.New(contentstore.Config{Root: cfg.ChunkRoot, Logger: logger})
	if err != nil {
		return nil, err
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	parallelism := cfg.MergeParallelism
	if parallelism <= 0 {
		parallelism = defaultMergeParallelism
	}
	return &Store{
		Store:       base,
		videos:      cfg.Videos,
		chunkSize:   chunkSize,
		parallelism: parallelism,
		logger:      logger,
	}, nil
}

func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

func (s *Store) Videos() *contentstore.Store {
	return s.videos
}

// ValidateHash rejects hashes that cannot be used as a single path element.
func ValidateHash(hash string) error {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" || trimmed != hash {
		return ErrInvalidHash
	}
	if trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, "/\\\x00") {
		return ErrInvalidHash
	}
	return nil
}

// SubdirPath is the directory that holds the chunks for hash, whether or not
// it exists yet.
func (s *Store) SubdirPath(hash string) string {
	return filepath.Join(s.Root(), hash)
}

// HasSubdir returns the chunk directory for hash when it exists.
func (s *Store) HasSubdir(hash string) (string, bool) {
	if ValidateHash(hash) != nil {
		return "", false
	}
	dir := s.SubdirPath(hash)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

func (s *Store) MkSubdir(hash string) (string, error) {
	if err := ValidateHash(hash); err != nil {
		return "", err
	}
	if err := s.EnsureRoot(); err != nil {
		return "", err
	}
	dir := s.SubdirPath(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("chunkstore: create %s: %w", dir, err)
	}
	return dir, nil
}

// ListSubdir returns the entry names of the chunk directory for hash. The
// boolean is false when the directory does not exist.
func (s *Store) ListSubdir(hash string) ([]string, bool, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, false, err
	}
	entries, err := os.ReadDir(s.SubdirPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("chunkstore: list %s: %w", hash, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, true, nil
}

// PutChunk writes chunk index into dir, creating dir when a concurrent
// request has not initialized it yet. The chunk is staged in the chunk root
// and renamed into place so a listing never sees a half-written chunk.
func (s *Store) PutChunk(dir string, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrChunkIndexInvalid, index)
	}
	if err := s.EnsureRoot(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunkstore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(s.Root(), ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("chunkstore: stage chunk %d: %w", index, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkstore: write chunk %d: %w", index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkstore: close chunk %d: %w", index, err)
	}
	target := filepath.Join(dir, strconv.Itoa(index))
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkstore: place chunk %d: %w", index, err)
	}
	return nil
}

// Validate runs the merge preconditions without writing anything and
// returns the sizes of chunks 0..declared-1.
func (s *Store) Validate(hash string, declared int) ([]int64, error) {
	if declared < 1 {
		return nil, fmt.Errorf("%w: declared %d", ErrChunkCountMismatch, declared)
	}
	names, ok, err := s.ListSubdir(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkFolderNotFound, hash)
	}
	indices := make([]int, 0, len(names))
	for _, name := range names {
		idx, ok := parseChunkName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrChunkIndexInvalid, name)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	// Density is checked before the count so that a hole such as {0,1,3}
	// is reported as a gap rather than as a short chunk set.
	for pos, idx := range indices {
		if idx != pos {
			return nil, fmt.Errorf("%w: expected %d at position %d, found %d", ErrChunkIndexGap, pos, pos, idx)
		}
	}
	if len(indices) != declared {
		return nil, fmt.Errorf("%w: have %d, declared %d", ErrChunkCountMismatch, len(indices), declared)
	}

	dir := s.SubdirPath(hash)
	sizes := make([]int64, declared)
	for i := 0; i < declared; i++ {
		info, err := os.Stat(filepath.Join(dir, strconv.Itoa(i)))
		if err != nil {
			return nil, fmt.Errorf("chunkstore: stat chunk %d: %w", i, err)
		}
		size := info.Size()
		last := i == declared-1
		if (!last && size != s.chunkSize) || (last && (size <= 0 || size > s.chunkSize)) {
			return nil, fmt.Errorf("%w: chunk %d is %d bytes, chunk size is %d", ErrChunkSizeMismatch, i, size, s.chunkSize)
		}
		sizes[i] = size
	}
	return sizes, nil
}

// Merge reassembles the chunks for hash into <videoRoot>/<hash>.mp4 and
// returns the path relative to the video store. Each chunk is copied to
// offset index*chunkSize concurrently; the first failure cancels the rest.
// The merged file is synced and only then renamed into place.
func (s *Store) Merge(ctx context.Context, hash string, declared int) (string, error) {
	if err := ValidateHash(hash); err != nil {
		return "", err
	}
	sizes, err := s.Validate(hash, declared)
	if err != nil {
		return "", err
	}
	var total int64
	for _, size := range sizes {
		total += size
	}

	if err := s.videos.EnsureRoot(); err != nil {
		return "", err
	}
	rel := hash + MergedExtension
	out, err := os.CreateTemp(s.videos.Root(), ".merge-*.tmp")
	if err != nil {
		return "", fmt.Errorf("chunkstore: create merge target: %w", err)
	}
	tmpName := out.Name()
	abort := func(cause error) (string, error) {
		out.Close()
		os.Remove(tmpName)
		return "", cause
	}
	if err := out.Truncate(total); err != nil {
		return abort(fmt.Errorf("chunkstore: preallocate %s: %w", rel, err))
	}

	dir := s.SubdirPath(hash)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for i := range sizes {
		index := i
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return s.copyChunk(out, filepath.Join(dir, strconv.Itoa(index)), int64(index)*s.chunkSize)
		})
	}
	if err := group.Wait(); err != nil {
		return abort(fmt.Errorf("chunkstore: merge %s: %w", hash, err))
	}
	if err := out.Sync(); err != nil {
		return abort(fmt.Errorf("chunkstore: sync %s: %w", rel, err))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chunkstore: close %s: %w", rel, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chunkstore: chmod %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, s.videos.Path(rel)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chunkstore: publish %s: %w", rel, err)
	}
	if err := syncDir(s.videos.Root()); err != nil {
		s.logger.Warn("failed to sync video directory", "dir", s.videos.Root(), "error", err)
	}
	s.videos.Register(hash, rel)
	return rel, nil
}

func (s *Store) copyChunk(dst *os.File, path string, offset int64) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(io.NewOffsetWriter(dst, offset), src); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}
	return nil
}

// DeleteSubdir removes the chunk directory for hash. It runs after a merge
// has already succeeded, so failures are logged and otherwise ignored.
func (s *Store) DeleteSubdir(hash string) {
	if ValidateHash(hash) != nil {
		return
	}
	dir := s.SubdirPath(hash)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to list chunk directory for cleanup", "file_hash", hash, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("failed to remove chunk", "file_hash", hash, "chunk", entry.Name(), "error", err)
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove chunk directory", "file_hash", hash, "error", err)
	}
}

// Progress returns the sorted chunk indices received so far for hash. The
// boolean is false when no chunk has arrived yet.
func (s *Store) Progress(hash string) ([]int, bool, error) {
	names, ok, err := s.ListSubdir(hash)
	if err != nil || !ok {
		return nil, ok, err
	}
	indices := make([]int, 0, len(names))
	for _, name := range names {
		idx, ok := parseChunkName(name)
		if !ok {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, true, nil
}

// parseChunkName accepts only the canonical decimal names PutChunk writes,
// so "01" and "+1" never stand in for chunk 1.
func parseChunkName(name string) (int, bool) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || strconv.Itoa(idx) != name {
		return 0, false
	}
	return idx, true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
