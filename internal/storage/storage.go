package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type dataset struct {
	Files      map[string]File                 `json:"files"`
	Renditions map[string]Rendition            `json:"renditions"`
	Owners     map[string]map[string]Ownership `json:"owners"`
}

func newDataset() dataset {
	return dataset{
		Files:      make(map[string]File),
		Renditions: make(map[string]Rendition),
		Owners:     make(map[string]map[string]Ownership),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Files == nil {
		d.Files = make(map[string]File)
	}
	if d.Renditions == nil {
		d.Renditions = make(map[string]Rendition)
	}
	if d.Owners == nil {
		d.Owners = make(map[string]map[string]Ownership)
	}
}

func (d dataset) clone() dataset {
	out := newDataset()
	for id, file := range d.Files {
		out.Files[id] = file
	}
	for id, rendition := range d.Renditions {
		out.Renditions[id] = rendition
	}
	for fileID, owners := range d.Owners {
		copied := make(map[string]Ownership, len(owners))
		for identity, ownership := range owners {
			copied[identity] = ownership
		}
		out.Owners[fileID] = copied
	}
	return out
}

// Storage is a Repository kept in memory and, when a file path is given,
// persisted to a JSON document after every write.
type Storage struct {
	mu              sync.RWMutex
	filePath        string
	data            dataset
	now             func() time.Time
	persistOverride func(dataset) error
}

// NewStorage opens the JSON repository at path. An empty path keeps the
// data in memory only.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newDataset()
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data.ensureInitialized()
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in only once the
// copy has been persisted. Callers hold s.mu.
func (s *Storage) mutate(fn func(*dataset) error) error {
	next := s.data.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *Storage) FindFileByPath(_ context.Context, path string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, file := range s.data.Files {
		if file.Path == path {
			return file, nil
		}
	}
	return File{}, ErrNotFound
}

func (s *Storage) FindFileByID(_ context.Context, id string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.data.Files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return file, nil
}

// FindFileByHash returns the oldest file registered for hash.
func (s *Storage) FindFileByHash(_ context.Context, hash string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found File
	ok := false
	for _, file := range s.data.Files {
		if file.Hash != hash {
			continue
		}
		if !ok || file.CreatedAt.Before(found.CreatedAt) {
			found = file
			ok = true
		}
	}
	if !ok {
		return File{}, ErrNotFound
	}
	return found, nil
}

func (s *Storage) CreateFile(_ context.Context, hash, path string, fileType FileType) (File, error) {
	hash = strings.TrimSpace(hash)
	path = strings.TrimSpace(path)
	if hash == "" || path == "" {
		return File{}, fmt.Errorf("%w: hash and path are required", ErrInvalidInput)
	}
	if fileType == "" {
		fileType = DetectFileType(path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.Files {
		if existing.Path == path {
			return existing, nil
		}
	}
	file := File{ID: generateID(), Hash: hash, Path: path, Type: fileType, CreatedAt: s.now()}
	if err := s.mutate(func(d *dataset) error {
		d.Files[file.ID] = file
		return nil
	}); err != nil {
		return File{}, err
	}
	return file, nil
}

// CreateRenditionRecord stores a rendition for fileID. Recording the same
// path again replaces its label.
func (s *Storage) CreateRenditionRecord(_ context.Context, fileID, path string, label *string) (Rendition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Rendition{}, fmt.Errorf("%w: rendition path is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Files[fileID]; !ok {
		return Rendition{}, ErrNotFound
	}
	var rendition Rendition
	err := s.mutate(func(d *dataset) error {
		for id, existing := range d.Renditions {
			if existing.FileID == fileID && existing.Path == path {
				existing.Label = cloneLabel(label)
				d.Renditions[id] = existing
				rendition = existing
				return nil
			}
		}
		rendition = Rendition{
			ID:        generateID(),
			FileID:    fileID,
			Path:      path,
			Label:     cloneLabel(label),
			CreatedAt: s.now(),
		}
		d.Renditions[rendition.ID] = rendition
		return nil
	})
	if err != nil {
		return Rendition{}, err
	}
	return rendition, nil
}

func (s *Storage) ListRenditions(_ context.Context, fileID string) ([]Rendition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Files[fileID]; !ok {
		return nil, ErrNotFound
	}
	renditions := make([]Rendition, 0)
	for _, rendition := range s.data.Renditions {
		if rendition.FileID == fileID {
			rendition.Label = cloneLabel(rendition.Label)
			renditions = append(renditions, rendition)
		}
	}
	sort.Slice(renditions, func(i, j int) bool {
		if !renditions[i].CreatedAt.Equal(renditions[j].CreatedAt) {
			return renditions[i].CreatedAt.Before(renditions[j].CreatedAt)
		}
		return renditions[i].Path < renditions[j].Path
	})
	return renditions, nil
}

func (s *Storage) CreateOwnership(_ context.Context, identity, fileID string) (Ownership, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Ownership{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Files[fileID]; !ok {
		return Ownership{}, ErrNotFound
	}
	if existing, ok := s.data.Owners[fileID][identity]; ok {
		return existing, nil
	}
	ownership := Ownership{Identity: identity, FileID: fileID, CreatedAt: s.now()}
	if err := s.mutate(func(d *dataset) error {
		owners := d.Owners[fileID]
		if owners == nil {
			owners = make(map[string]Ownership)
			d.Owners[fileID] = owners
		}
		owners[identity] = ownership
		return nil
	}); err != nil {
		return Ownership{}, err
	}
	return ownership, nil
}

func (s *Storage) HasOwnership(_ context.Context, identity, fileID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Owners[fileID][identity]
	return ok, nil
}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) Close(context.Context) error { return nil }

func cloneLabel(label *string) *string {
	if label == nil {
		return nil
	}
	copied := *label
	return &copied
}

var _ Repository = (*Storage)(nil)
