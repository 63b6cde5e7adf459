package ingest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/chunkstore"
	"vodforge/internal/contentstore"
	"vodforge/internal/jobs"
	"vodforge/internal/kv"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const testChunkSize = 4

type stubRunner struct {
	height     int
	failLabel  string
	mu         sync.Mutex
	transcoded []string
}

func (r *stubRunner) Probe(context.Context, string) (transcode.Probe, error) {
	return transcode.Probe{Width: r.height * 16 / 9, Height: r.height, DurationSeconds: 12.5}, nil
}

func (r *stubRunner) Transcode(_ context.Context, _ string, output string, _ int) error {
	name := filepath.Base(output)
	label := strings.TrimSuffix(name, filepath.Ext(name))
	if label == r.failLabel {
		return errors.New("encoder crashed")
	}
	r.mu.Lock()
	r.transcoded = append(r.transcoded, label)
	r.mu.Unlock()
	return os.WriteFile(output, []byte(label), 0o644)
}

func (r *stubRunner) Segment(_ context.Context, _ string, outputDir, _ string, _ int) (string, error) {
	if err := os.WriteFile(filepath.Join(outputDir, "segment_00000.ts"), []byte("ts"), 0o644); err != nil {
		return "", err
	}
	manifest := filepath.Join(outputDir, "index.m3u8")
	return manifest, os.WriteFile(manifest, []byte("#EXTM3U\n"), 0o644)
}

type recordingPublisher struct {
	mu       sync.Mutex
	enabled  bool
	err      error
	prefixes []string
}

func (p *recordingPublisher) Enabled() bool { return p.enabled }

func (p *recordingPublisher) PublishDir(_ context.Context, localDir, prefix string) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	count := 0
	err := filepath.WalkDir(localDir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return err
	})
	p.mu.Lock()
	p.prefixes = append(p.prefixes, prefix)
	p.mu.Unlock()
	return count, err
}

type harness struct {
	orchestrator *Orchestrator
	chunks       *chunkstore.Store
	repo         *storage.Storage
	tracker      *jobs.Tracker
	queue        *Queue
	pipeline     *transcode.Pipeline
	runner       *stubRunner
	publisher    *recordingPublisher
	metrics      *metrics.Recorder
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	root := t.TempDir()
	logger := logging.Discard()

	videos, err := contentstore.New(contentstore.Config{Root: filepath.Join(root, "videos"), Logger: logger})
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	chunks, err := chunkstore.New(chunkstore.Config{
		ChunkRoot: filepath.Join(root, "chunks"),
		Videos:    videos,
		ChunkSize: testChunkSize,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}
	tracker, err := jobs.NewTracker(jobs.Config{Store: kv.NewMemoryStore(), Logger: logger})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	runner := &stubRunner{height: 720}
	pipeline, err := transcode.NewPipeline(transcode.Config{
		TempRoot:     filepath.Join(root, "tmp"),
		ManifestRoot: filepath.Join(root, "m3u8"),
		Runner:       runner,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	repo, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	recorder := metrics.New()
	queue := newTestQueue(t, QueueConfig{Workers: 2, Metrics: recorder})
	queue.Start()
	publisher := &recordingPublisher{}

	cfg := Config{
		Chunks:     chunks,
		Tracker:    tracker,
		Processor:  pipeline,
		Repository: repo,
		Queue:      queue,
		Publisher:  publisher,
		Metrics:    recorder,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	orchestrator, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &harness{
		orchestrator: orchestrator,
		chunks:       chunks,
		repo:         repo,
		tracker:      tracker,
		queue:        queue,
		pipeline:     pipeline,
		runner:       runner,
		publisher:    publisher,
		metrics:      recorder,
	}
}

func (h *harness) upload(t *testing.T, hash string, chunks [][]byte, order []int) {
	t.Helper()
	for _, idx := range order {
		if err := h.orchestrator.UploadChunk(context.Background(), hash, idx, chunks[idx]); err != nil {
			t.Fatalf("UploadChunk(%d): %v", idx, err)
		}
	}
}

func (h *harness) awaitJob(t *testing.T, key string) (jobs.Result, error) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return !h.queue.InFlight(key) })
	return h.tracker.Poll(context.Background(), key)
}

func sampleUpload() ([][]byte, []byte, string) {
	chunks := [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ijkl"), []byte("mn")}
	whole := bytes.Join(chunks, nil)
	sum := md5.Sum(whole)
	return chunks, whole, hex.EncodeToString(sum[:])
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestMergeRegistersFileAndClearsChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunks, whole, hash := sampleUpload()
	h.upload(t, hash, chunks, []int{3, 0, 2, 1})

	progress, ok, err := h.orchestrator.ChunkProgress(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("ChunkProgress: %v %v", ok, err)
	}
	if len(progress) != 4 {
		t.Fatalf("unexpected progress %v", progress)
	}

	key, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks))
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	if key != jobs.Key(jobs.TypeMerge, hash) {
		t.Fatalf("unexpected job key %q", key)
	}
	result, err := h.awaitJob(t, key)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.Done {
		t.Fatalf("expected finished merge, got %+v", result)
	}
	var descriptor FileDescriptor
	if err := json.Unmarshal(result.Payload, &descriptor); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if descriptor.Hash != hash || descriptor.Path != hash+".mp4" || descriptor.Type != storage.FileTypeVideo || descriptor.Owner != "alice" {
		t.Fatalf("unexpected descriptor %+v", descriptor)
	}

	merged, err := os.ReadFile(h.chunks.Videos().Path(descriptor.Path))
	if err != nil {
		t.Fatalf("read merged file: %v", err)
	}
	if !bytes.Equal(merged, whole) {
		t.Fatalf("merged bytes %q, want %q", merged, whole)
	}
	if _, ok := h.chunks.HasSubdir(hash); ok {
		t.Fatal("expected chunk directory to be removed after merge")
	}
	owned, err := h.repo.HasOwnership(ctx, "alice", descriptor.ID)
	if err != nil || !owned {
		t.Fatalf("expected ownership, got %v %v", owned, err)
	}
	events, _ := h.metrics.JobCounts()
	if events[metrics.JobLabel{Kind: "merge", Status: "complete"}] != 1 {
		t.Fatalf("expected completed merge event, got %v", events)
	}
}

func TestBeginMergeRejectsInvalidChunkSets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunks, _, hash := sampleUpload()

	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, 4); !errors.Is(err, chunkstore.ErrChunkFolderNotFound) {
		t.Fatalf("expected ErrChunkFolderNotFound, got %v", err)
	}

	h.upload(t, hash, chunks, []int{0, 1, 3})
	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, 4); !errors.Is(err, chunkstore.ErrChunkIndexGap) {
		t.Fatalf("expected ErrChunkIndexGap, got %v", err)
	}
	h.upload(t, hash, chunks, []int{2})
	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, 5); !errors.Is(err, chunkstore.ErrChunkCountMismatch) {
		t.Fatalf("expected ErrChunkCountMismatch, got %v", err)
	}
	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, 0); !errors.Is(err, chunkstore.ErrChunkCountMismatch) {
		t.Fatalf("expected ErrChunkCountMismatch for zero count, got %v", err)
	}
	if _, err := h.orchestrator.BeginMerge(ctx, "", hash, 4); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	if _, err := h.tracker.Poll(ctx, jobs.Key(jobs.TypeMerge, hash)); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("rejected merges must not create a job key, got %v", err)
	}
}

func TestUploadChunkValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orchestrator.UploadChunk(ctx, "../x", 0, []byte("a")); !errors.Is(err, chunkstore.ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if err := h.orchestrator.UploadChunk(ctx, "abc", -1, []byte("a")); !errors.Is(err, chunkstore.ErrChunkIndexInvalid) {
		t.Fatalf("expected ErrChunkIndexInvalid, got %v", err)
	}
	if err := h.orchestrator.UploadChunk(ctx, "abc", 0, []byte("too long")); !errors.Is(err, chunkstore.ErrChunkSizeMismatch) {
		t.Fatalf("expected ErrChunkSizeMismatch, got %v", err)
	}
	if err := h.orchestrator.UploadChunk(ctx, "abc", 0, nil); !errors.Is(err, chunkstore.ErrChunkSizeMismatch) {
		t.Fatalf("expected ErrChunkSizeMismatch for empty chunk, got %v", err)
	}
	if _, ok, err := h.orchestrator.ChunkProgress(ctx, "abc"); err != nil || ok {
		t.Fatalf("expected no progress for rejected chunks, got %v %v", ok, err)
	}
	count, _ := h.metrics.ChunkTotals()
	if count != 0 {
		t.Fatalf("rejected chunks must not be counted, got %d", count)
	}
}

func TestFastUploadNegativeThenPositive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunks, _, hash := sampleUpload()

	result, err := h.orchestrator.FastUpload(ctx, "bob", hash)
	if err != nil {
		t.Fatalf("FastUpload: %v", err)
	}
	if result.Found {
		t.Fatalf("expected miss for unseen hash, got %+v", result)
	}
	if _, err := h.repo.FindFileByHash(ctx, hash); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("miss must not register a file, got %v", err)
	}

	h.upload(t, hash, chunks, []int{0, 1, 2, 3})
	key, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks))
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	merged, err := h.awaitJob(t, key)
	if err != nil || !merged.Done {
		t.Fatalf("merge did not finish: %+v %v", merged, err)
	}
	var descriptor FileDescriptor
	if err := json.Unmarshal(merged.Payload, &descriptor); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	result, err = h.orchestrator.FastUpload(ctx, "bob", hash)
	if err != nil {
		t.Fatalf("FastUpload: %v", err)
	}
	if !result.Found || result.File.ID != descriptor.ID {
		t.Fatalf("expected hit on file %s, got %+v", descriptor.ID, result)
	}
	for _, identity := range []string{"alice", "bob"} {
		owned, err := h.repo.HasOwnership(ctx, identity, descriptor.ID)
		if err != nil || !owned {
			t.Fatalf("expected %s to own %s: %v %v", identity, descriptor.ID, owned, err)
		}
	}
}

func TestFastUploadIgnoresRegisteredFileWithoutBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	if err := os.Remove(h.chunks.Videos().Path(file.Path)); err != nil {
		t.Fatalf("remove merged file: %v", err)
	}
	result, err := h.orchestrator.FastUpload(ctx, "bob", file.Hash)
	if err != nil {
		t.Fatalf("FastUpload: %v", err)
	}
	if result.Found {
		t.Fatalf("expected miss once the bytes are gone, got %+v", result)
	}
	owned, err := h.repo.HasOwnership(ctx, "bob", file.ID)
	if err != nil || owned {
		t.Fatalf("miss must not grant ownership: %v %v", owned, err)
	}
}

func TestDuplicateContentSharesOneFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunks, _, hash := sampleUpload()

	var ids []string
	for _, identity := range []string{"alice", "carol"} {
		h.upload(t, hash, chunks, []int{1, 3, 0, 2})
		key, err := h.orchestrator.BeginMerge(ctx, identity, hash, len(chunks))
		if err != nil {
			t.Fatalf("BeginMerge(%s): %v", identity, err)
		}
		result, err := h.awaitJob(t, key)
		if err != nil || !result.Done {
			t.Fatalf("merge for %s did not finish: %+v %v", identity, result, err)
		}
		var descriptor FileDescriptor
		if err := json.Unmarshal(result.Payload, &descriptor); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		ids = append(ids, descriptor.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("expected both uploads to reference one file, got %v", ids)
	}
	entries, err := os.ReadDir(h.chunks.Videos().Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	if len(names) != 1 || names[0] != hash+".mp4" {
		t.Fatalf("expected a single stored file, got %v", names)
	}
}

func TestMergeDigestMismatchFailsJob(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.DigestAlgorithm = chunkstore.DigestMD5 })
	ctx := context.Background()
	chunks, _, _ := sampleUpload()
	hash := "0123456789abcdef0123456789abcdef"
	h.upload(t, hash, chunks, []int{0, 1, 2, 3})

	key, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks))
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	if _, err := h.awaitJob(t, key); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected failed job to look absent, got %v", err)
	}
	reason, err := h.orchestrator.JobError(ctx, key)
	if err != nil || reason == "" {
		t.Fatalf("expected recorded failure reason, got %q %v", reason, err)
	}
	if _, err := h.chunks.Videos().Lookup(hash, true); !errors.Is(err, contentstore.ErrNotFound) {
		t.Fatalf("expected unverified merge to be removed, got %v", err)
	}
	if _, ok := h.chunks.HasSubdir(hash); !ok {
		t.Fatal("chunks must be kept after a failed merge so the client can resume")
	}
}

func mergeSample(t *testing.T, h *harness, identity string) FileDescriptor {
	t.Helper()
	chunks, _, hash := sampleUpload()
	h.upload(t, hash, chunks, []int{0, 1, 2, 3})
	key, err := h.orchestrator.BeginMerge(context.Background(), identity, hash, len(chunks))
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	result, err := h.awaitJob(t, key)
	if err != nil || !result.Done {
		t.Fatalf("merge did not finish: %+v %v", result, err)
	}
	var descriptor FileDescriptor
	if err := json.Unmarshal(result.Payload, &descriptor); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return descriptor
}

func TestProcessingRecordsRenditions(t *testing.T) {
	h := newHarness(t)
	h.publisher.enabled = true
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if key != jobs.Key(jobs.TypeProcess, file.Hash) {
		t.Fatalf("unexpected job key %q", key)
	}
	result, err := h.awaitJob(t, key)
	if err != nil || !result.Done {
		t.Fatalf("processing did not finish: %+v %v", result, err)
	}
	var processed ProcessingResult
	if err := json.Unmarshal(result.Payload, &processed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if processed.Height != 720 || len(processed.Renditions) != 3 {
		t.Fatalf("unexpected result %+v", processed)
	}
	if processed.Renditions[2].Label != "720" || processed.Renditions[2].Path != file.Hash+"/720/index.m3u8" {
		t.Fatalf("unexpected rendition %+v", processed.Renditions[2])
	}
	if processed.PublishedFiles != 6 {
		t.Fatalf("expected six published files, got %d", processed.PublishedFiles)
	}
	if len(h.publisher.prefixes) != 1 || h.publisher.prefixes[0] != file.Hash {
		t.Fatalf("unexpected publish prefixes %v", h.publisher.prefixes)
	}

	records, err := h.repo.ListRenditions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListRenditions: %v", err)
	}
	var labels []string
	for _, record := range records {
		if record.Label == nil {
			t.Fatalf("ladder renditions must carry a label: %+v", record)
		}
		labels = append(labels, *record.Label)
	}
	sort.Strings(labels)
	if len(labels) != 3 || labels[0] != "360" || labels[1] != "480" || labels[2] != "720" {
		t.Fatalf("unexpected rendition labels %v", labels)
	}
	if _, err := os.Stat(h.pipeline.TempDir(file.Hash)); !os.IsNotExist(err) {
		t.Fatalf("expected intermediates to be cleaned up, got %v", err)
	}
}

func TestProcessingRawRenditionHasNoLabel(t *testing.T) {
	h := newHarness(t)
	h.runner.height = 900
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if result, err := h.awaitJob(t, key); err != nil || !result.Done {
		t.Fatalf("processing did not finish: %+v %v", result, err)
	}
	records, err := h.repo.ListRenditions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListRenditions: %v", err)
	}
	raw := 0
	for _, record := range records {
		if record.Label == nil {
			raw++
			if record.Path != file.Hash+"/raw/index.m3u8" {
				t.Fatalf("unexpected raw path %q", record.Path)
			}
		}
	}
	if len(records) != 4 || raw != 1 {
		t.Fatalf("expected three ladder renditions and one raw, got %d records (%d raw)", len(records), raw)
	}
}

func TestProcessingFailureClearsJob(t *testing.T) {
	h := newHarness(t)
	h.runner.failLabel = "480"
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if _, err := h.awaitJob(t, key); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected failed job to be absent, got %v", err)
	}
	records, err := h.repo.ListRenditions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListRenditions: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("failed processing must not record renditions, got %v", records)
	}
	if _, err := os.Stat(h.pipeline.ManifestDir(file.Hash)); !os.IsNotExist(err) {
		t.Fatalf("expected manifest dir to be discarded, got %v", err)
	}
	events, _ := h.metrics.JobCounts()
	if events[metrics.JobLabel{Kind: "process", Status: "fail"}] != 1 {
		t.Fatalf("expected failed process event, got %v", events)
	}
}

func TestProcessingPublishFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.publisher.enabled = true
	h.publisher.err = errors.New("bucket unreachable")
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if _, err := h.awaitJob(t, key); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected failed job to be absent, got %v", err)
	}
	reason, _ := h.orchestrator.JobError(ctx, key)
	if reason == "" {
		t.Fatal("expected publish failure to be recorded")
	}
}

type panickingProcessor struct {
	manifestRoot string
}

func (p panickingProcessor) Run(context.Context, string, string, func(transcode.Stage)) (transcode.Result, error) {
	panic("segmenter exploded")
}

func (p panickingProcessor) ManifestDir(hash string) string {
	return filepath.Join(p.manifestRoot, hash)
}

func TestProcessingPanicClearsJob(t *testing.T) {
	manifestRoot := t.TempDir()
	h := newHarness(t, func(cfg *Config) {
		cfg.Processor = panickingProcessor{manifestRoot: manifestRoot}
	})
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if _, err := h.awaitJob(t, key); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected panicked job to be absent, got %v", err)
	}
	reason, err := h.orchestrator.JobError(ctx, key)
	if err != nil || !strings.Contains(reason, "segmenter exploded") {
		t.Fatalf("expected panic to be recorded, got %q %v", reason, err)
	}
	events, _ := h.metrics.JobCounts()
	if events[metrics.JobLabel{Kind: "process", Status: "fail"}] != 1 {
		t.Fatalf("expected failed process event, got %v", events)
	}
}

func TestReprocessingReturnsExistingRenditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	file := mergeSample(t, h, "alice")

	key, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if result, err := h.awaitJob(t, key); err != nil || !result.Done {
		t.Fatalf("processing did not finish: %+v %v", result, err)
	}
	records, err := h.repo.ListRenditions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListRenditions: %v", err)
	}
	h.runner.mu.Lock()
	transcoded := len(h.runner.transcoded)
	h.runner.mu.Unlock()

	// A second run would fail on this label and discard the manifests.
	h.runner.failLabel = "480"
	again, err := h.orchestrator.BeginProcessing(ctx, "alice", file.ID)
	if err != nil {
		t.Fatalf("BeginProcessing again: %v", err)
	}
	if again != key {
		t.Fatalf("expected key %q, got %q", key, again)
	}
	result, err := h.awaitJob(t, again)
	if err != nil || !result.Done {
		t.Fatalf("expected existing renditions to be reported: %+v %v", result, err)
	}
	var processed ProcessingResult
	if err := json.Unmarshal(result.Payload, &processed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := make(map[string]string, len(records))
	for _, record := range records {
		want[record.ID] = record.Path
	}
	if len(processed.Renditions) != len(records) {
		t.Fatalf("expected %d renditions, got %+v", len(records), processed.Renditions)
	}
	for _, rendition := range processed.Renditions {
		if want[rendition.ID] != rendition.Path {
			t.Fatalf("unexpected rendition %+v", rendition)
		}
	}

	after, err := h.repo.ListRenditions(ctx, file.ID)
	if err != nil || len(after) != len(records) {
		t.Fatalf("renditions changed: %v %v", after, err)
	}
	if _, err := os.Stat(filepath.Join(h.pipeline.ManifestDir(file.Hash), "720", "index.m3u8")); err != nil {
		t.Fatalf("expected manifests to survive: %v", err)
	}
	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	if len(h.runner.transcoded) != transcoded {
		t.Fatalf("expected no further transcodes, got %v", h.runner.transcoded)
	}
}

func TestBeginProcessingChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	file := mergeSample(t, h, "alice")
	image, err := h.repo.CreateFile(ctx, "imagehash", "imagehash.png", storage.FileTypeImage)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := h.repo.CreateOwnership(ctx, "alice", image.ID); err != nil {
		t.Fatalf("CreateOwnership: %v", err)
	}

	cases := []struct {
		name     string
		identity string
		fileID   string
		want     error
	}{
		{name: "missing identity", identity: "", fileID: file.ID, want: ErrInvalidRequest},
		{name: "missing file id", identity: "alice", fileID: "", want: ErrInvalidRequest},
		{name: "unknown file", identity: "alice", fileID: "nope", want: ErrFileNotFound},
		{name: "not a video", identity: "alice", fileID: image.ID, want: ErrNotVideo},
		{name: "not the owner", identity: "mallory", fileID: file.ID, want: ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.orchestrator.BeginProcessing(ctx, tc.identity, tc.fileID); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBeginMergeWhileInFlightReturnsSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunks, _, hash := sampleUpload()
	h.upload(t, hash, chunks, []int{0, 1, 2, 3})

	release := make(chan struct{})
	key := jobs.Key(jobs.TypeMerge, hash)
	if err := h.queue.Enqueue(Task{Key: key, Run: func(context.Context) error {
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	defer close(release)

	got, err := h.orchestrator.BeginMerge(ctx, "alice", hash, 99)
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	if got != key {
		t.Fatalf("expected existing key %q, got %q", key, got)
	}
	if !h.orchestrator.Busy(hash) {
		t.Fatal("expected hash to be busy while its merge runs")
	}
}

func TestSubmitFailsJobWhenQueueIsFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	full := NewQueue(QueueConfig{QueueSize: 1, Logger: logging.Discard(), Metrics: metrics.New()})
	if err := full.Enqueue(Task{Key: "merge:other", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.orchestrator.queue = full

	chunks, _, hash := sampleUpload()
	h.upload(t, hash, chunks, []int{0, 1, 2, 3})
	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := h.tracker.Poll(ctx, jobs.Key(jobs.TypeMerge, hash)); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected job key to be cleared, got %v", err)
	}
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idle := NewQueue(QueueConfig{Logger: logging.Discard(), Metrics: metrics.New()})
	h.orchestrator.queue = idle

	chunks, _, hash := sampleUpload()
	h.upload(t, hash, chunks, []int{0, 1, 2, 3})
	key, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks))
	if err != nil {
		t.Fatalf("BeginMerge: %v", err)
	}
	if result, err := h.tracker.Poll(ctx, key); err != nil || result.Done {
		t.Fatalf("expected queued job to report a status: %+v %v", result, err)
	}
	if err := idle.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := h.tracker.Poll(ctx, key); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected abandoned job to be cleared, got %v", err)
	}
	reason, err := h.orchestrator.JobError(ctx, key)
	if err != nil || reason != ErrQueueClosed.Error() {
		t.Fatalf("expected shutdown reason, got %q %v", reason, err)
	}
	if _, err := h.orchestrator.BeginMerge(ctx, "alice", hash, len(chunks)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after shutdown, got %v", err)
	}
}
