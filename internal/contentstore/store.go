// Package contentstore keeps files in a flat directory named by the digest of
// their content, so a given hash maps to at most one physical file.
package contentstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound reports that no stored file matches the requested hash.
	ErrNotFound = errors.New("contentstore: file not found")
	// ErrInvalidName rejects names that would escape the store root.
	ErrInvalidName = errors.New("contentstore: invalid file name")
)

const (
	defaultDirMode  fs.FileMode = 0o755
	defaultFileMode fs.FileMode = 0o644
)

// Config describes a content store rooted at Root. Index is optional; when it
// is nil lookups scan the directory.
type Config struct {
	Root   string
	Index  Index
	Logger *slog.Logger
}

type Store struct {
	root   string
	index  Index
	logger *slog.Logger
}

// New creates the store and makes sure its root directory exists.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("contentstore: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("contentstore: resolve root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{root: abs, index: cfg.Index, logger: logger}
	if err := s.EnsureRoot(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

// Path joins a storage-relative path onto the root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// EnsureRoot creates the root directory and its parents. The root may be
// removed underneath a running process, so writes call it every time.
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.root, defaultDirMode); err != nil {
		return fmt.Errorf("contentstore: ensure root %s: %w", s.root, err)
	}
	return nil
}

// Write creates or replaces root/name with data. The file is written to a
// temporary sibling first and renamed into place so readers never observe a
// partially written file.
func (s *Store) Write(name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := s.EnsureRoot(); err != nil {
		return err
	}
	target := filepath.Join(s.root, name)
	tmp, err := os.CreateTemp(s.root, ".write-*.tmp")
	if err != nil {
		return fmt.Errorf("contentstore: create temp for %s: %w", name, err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("contentstore: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("contentstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("contentstore: close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), defaultFileMode); err != nil {
		cleanup()
		return fmt.Errorf("contentstore: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		cleanup()
		return fmt.Errorf("contentstore: rename %s: %w", name, err)
	}
	return nil
}

// WriteContentAddressed stores data as <hash>[.<ext>], taking the extension
// from originalName, and returns the storage-relative path. Callers normally
// check Lookup first; writing an existing hash again simply overwrites it.
func (s *Store) WriteContentAddressed(originalName, hash string, data []byte) (string, error) {
	name, err := ContentName(originalName, hash)
	if err != nil {
		return "", err
	}
	if err := s.Write(name, data); err != nil {
		return "", err
	}
	s.remember(hash, name)
	return name, nil
}

// Register records an externally produced file (for example a merged upload)
// in the index so later lookups skip the directory scan.
func (s *Store) Register(hash, rel string) {
	s.remember(strings.TrimSpace(hash), rel)
}

// Lookup finds the file stored for hash. With ignoreExtension set, a file
// named "<hash>.mp4" matches; otherwise only an exact "<hash>" name does.
func (s *Store) Lookup(hash string, ignoreExtension bool) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" || validateName(hash) != nil {
		return "", ErrNotFound
	}
	if rel, ok := s.lookupIndex(hash, ignoreExtension); ok {
		return rel, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("contentstore: scan %s: %w", s.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".write-") {
			continue
		}
		candidate := name
		if ignoreExtension {
			candidate = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if candidate == hash {
			s.remember(hash, name)
			return name, nil
		}
	}
	return "", ErrNotFound
}

func (s *Store) lookupIndex(hash string, ignoreExtension bool) (string, bool) {
	if s.index == nil {
		return "", false
	}
	rel, ok, err := s.index.Get(hash)
	if err != nil {
		s.logger.Warn("content index lookup failed", "hash", hash, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if !ignoreExtension && rel != hash {
		return "", false
	}
	if _, err := os.Stat(s.Path(rel)); err != nil {
		if delErr := s.index.Delete(hash); delErr != nil {
			s.logger.Warn("failed to drop stale index entry", "hash", hash, "error", delErr)
		}
		return "", false
	}
	return rel, true
}

func (s *Store) remember(hash, rel string) {
	if s.index == nil || hash == "" || rel == "" {
		return
	}
	if err := s.index.Put(hash, rel); err != nil {
		s.logger.Warn("failed to update content index", "hash", hash, "path", rel, "error", err)
	}
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(trimmed, `/\`) || strings.Contains(trimmed, "\x00") {
		return ErrInvalidName
	}
	return nil
}
