package storage

import (
	"context"
	"errors"
	"testing"
)

// RepositoryFactory constructs a repository backed by either the JSON store
// or Postgres for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func RunRepositoryFileLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	if _, err := repo.FindFileByPath(ctx, "abc.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}

	file, err := repo.CreateFile(ctx, "abc", "abc.mp4", "")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if file.ID == "" || file.Type != FileTypeVideo || file.Hash != "abc" {
		t.Fatalf("unexpected file %+v", file)
	}

	again, err := repo.CreateFile(ctx, "abc", "abc.mp4", FileTypeVideo)
	if err != nil {
		t.Fatalf("CreateFile again: %v", err)
	}
	if again.ID != file.ID {
		t.Fatalf("expected existing record %s for the same path, got %s", file.ID, again.ID)
	}

	byPath, err := repo.FindFileByPath(ctx, "abc.mp4")
	if err != nil || byPath.ID != file.ID {
		t.Fatalf("FindFileByPath = %+v, %v", byPath, err)
	}
	byID, err := repo.FindFileByID(ctx, file.ID)
	if err != nil || byID.Path != "abc.mp4" {
		t.Fatalf("FindFileByID = %+v, %v", byID, err)
	}
	byHash, err := repo.FindFileByHash(ctx, "abc")
	if err != nil || byHash.ID != file.ID {
		t.Fatalf("FindFileByHash = %+v, %v", byHash, err)
	}
	if _, err := repo.FindFileByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if _, err := repo.CreateFile(ctx, "", "x.mp4", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty hash, got %v", err)
	}
}

func RunRepositoryRenditions(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	file, err := repo.CreateFile(ctx, "abc", "abc.mp4", FileTypeVideo)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	labels := []string{"360", "720"}
	for _, label := range labels {
		label := label
		if _, err := repo.CreateRenditionRecord(ctx, file.ID, "abc/"+label+"/index.m3u8", &label); err != nil {
			t.Fatalf("CreateRenditionRecord(%s): %v", label, err)
		}
	}
	if _, err := repo.CreateRenditionRecord(ctx, file.ID, "abc/poster.jpg", nil); err != nil {
		t.Fatalf("CreateRenditionRecord without label: %v", err)
	}
	relabel := "360"
	if _, err := repo.CreateRenditionRecord(ctx, file.ID, "abc/360/index.m3u8", &relabel); err != nil {
		t.Fatalf("re-recording a rendition should succeed: %v", err)
	}

	renditions, err := repo.ListRenditions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListRenditions: %v", err)
	}
	if len(renditions) != 3 {
		t.Fatalf("expected 3 renditions, got %d: %+v", len(renditions), renditions)
	}
	var unlabeled int
	for _, rendition := range renditions {
		if rendition.FileID != file.ID {
			t.Fatalf("rendition attached to wrong file: %+v", rendition)
		}
		if rendition.Label == nil {
			unlabeled++
		}
	}
	if unlabeled != 1 {
		t.Fatalf("expected one unlabeled rendition, got %d", unlabeled)
	}

	if _, err := repo.CreateRenditionRecord(ctx, "missing", "x/index.m3u8", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown file, got %v", err)
	}
	if _, err := repo.ListRenditions(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing unknown file, got %v", err)
	}
}

func RunRepositoryOwnership(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	file, err := repo.CreateFile(ctx, "abc", "abc.mp4", FileTypeVideo)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	owned, err := repo.HasOwnership(ctx, "alice", file.ID)
	if err != nil || owned {
		t.Fatalf("expected no ownership yet, got %v (err=%v)", owned, err)
	}

	first, err := repo.CreateOwnership(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("CreateOwnership: %v", err)
	}
	second, err := repo.CreateOwnership(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("CreateOwnership again: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("ownership should be idempotent: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if _, err := repo.CreateOwnership(ctx, "bob", file.ID); err != nil {
		t.Fatalf("CreateOwnership bob: %v", err)
	}

	for _, identity := range []string{"alice", "bob"} {
		owned, err := repo.HasOwnership(ctx, identity, file.ID)
		if err != nil || !owned {
			t.Fatalf("expected %s to own the file, got %v (err=%v)", identity, owned, err)
		}
	}
	if owned, _ := repo.HasOwnership(ctx, "carol", file.ID); owned {
		t.Fatal("carol should not own the file")
	}
	if _, err := repo.CreateOwnership(ctx, "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown file, got %v", err)
	}
	if _, err := repo.CreateOwnership(ctx, " ", file.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank identity, got %v", err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
