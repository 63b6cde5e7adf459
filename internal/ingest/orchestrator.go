package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"vodforge/internal/chunkstore"
	"vodforge/internal/contentstore"
	"vodforge/internal/jobs"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

var (
	ErrInvalidRequest = errors.New("ingest: invalid request")
	ErrFileNotFound   = errors.New("ingest: file not found")
	ErrNotVideo       = errors.New("ingest: file is not a video")
	ErrForbidden      = errors.New("ingest: file is not owned by caller")
)

// Job statuses written while work is in progress. Pipeline stages are
// written verbatim.
const (
	StatusMerging = "merging"
	StatusProbing = string(transcode.StageProbing)
	StatusPublish = "publishing"
)

const cleanupTimeout = 10 * time.Second

// Processor runs the transcode pipeline for one merged source.
type Processor interface {
	Run(ctx context.Context, sourcePath, hash string, onStage func(transcode.Stage)) (transcode.Result, error)
	ManifestDir(hash string) string
}

// Publisher mirrors a finished rendition directory to remote storage.
type Publisher interface {
	Enabled() bool
	PublishDir(ctx context.Context, localDir, prefix string) (int, error)
}

type Config struct {
	Chunks     *chunkstore.Store
	Tracker    *jobs.Tracker
	Processor  Processor
	Repository storage.Repository
	Queue      *Queue
	Publisher  Publisher
	// DigestAlgorithm, when set, verifies that a merged file hashes to the
	// file hash the client declared.
	DigestAlgorithm string
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

type Orchestrator struct {
	chunks    *chunkstore.Store
	videos    *contentstore.Store
	tracker   *jobs.Tracker
	processor Processor
	repo      storage.Repository
	queue     *Queue
	publisher Publisher
	digest    string
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// FastUploadResult is the outcome of an instant upload. File is zero when
// Found is false.
type FastUploadResult struct {
	Found bool         `json:"found"`
	File  storage.File `json:"file"`
}

// FileDescriptor is the payload of a completed merge job.
type FileDescriptor struct {
	ID    string           `json:"id"`
	Hash  string           `json:"hash"`
	Path  string           `json:"path"`
	Type  storage.FileType `json:"type"`
	Owner string           `json:"owner"`
}

// RenditionDescriptor describes one published rendition.
type RenditionDescriptor struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Height int    `json:"height,omitempty"`
	Path   string `json:"path"`
}

// ProcessingResult is the payload of a completed processing job.
type ProcessingResult struct {
	FileID          string                `json:"file_id"`
	Hash            string                `json:"hash"`
	Width           int                   `json:"width"`
	Height          int                   `json:"height"`
	DurationSeconds float64               `json:"duration_seconds"`
	Renditions      []RenditionDescriptor `json:"renditions"`
	PublishedFiles  int                   `json:"published_files,omitempty"`
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Chunks == nil:
		return nil, fmt.Errorf("ingest: chunk store is required")
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("ingest: job tracker is required")
	case cfg.Processor == nil:
		return nil, fmt.Errorf("ingest: processor is required")
	case cfg.Repository == nil:
		return nil, fmt.Errorf("ingest: repository is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("ingest: queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Orchestrator{
		chunks:    cfg.Chunks,
		videos:    cfg.Chunks.Videos(),
		tracker:   cfg.Tracker,
		processor: cfg.Processor,
		repo:      cfg.Repository,
		queue:     cfg.Queue,
		publisher: cfg.Publisher,
		digest:    strings.TrimSpace(cfg.DigestAlgorithm),
		metrics:   recorder,
		logger:    logger,
	}, nil
}

func requireIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: uploader identity is required", ErrInvalidRequest)
	}
	return nil
}

// FastUpload registers an ownership trace against an already stored video
// with the given hash. A hash that was never stored is reported with
// Found=false and leaves no record behind.
func (o *Orchestrator) FastUpload(ctx context.Context, identity, hash string) (FastUploadResult, error) {
	if err := requireIdentity(identity); err != nil {
		return FastUploadResult{}, err
	}
	if err := chunkstore.ValidateHash(hash); err != nil {
		return FastUploadResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	file, ok := o.knownFile(ctx, hash)
	if !ok {
		rel, err := o.videos.Lookup(hash, true)
		if errors.Is(err, contentstore.ErrNotFound) {
			o.metrics.ObserveFastUpload(false)
			return FastUploadResult{}, nil
		}
		if err != nil {
			return FastUploadResult{}, err
		}
		if file, err = o.registerFile(ctx, hash, rel); err != nil {
			return FastUploadResult{}, err
		}
	}
	if _, err := o.repo.CreateOwnership(ctx, identity, file.ID); err != nil {
		return FastUploadResult{}, fmt.Errorf("record ownership: %w", err)
	}
	o.metrics.ObserveFastUpload(true)
	return FastUploadResult{Found: true, File: file}, nil
}

// UploadChunk stores one chunk of an upload. Sending the same index again
// replaces the earlier bytes.
func (o *Orchestrator) UploadChunk(ctx context.Context, hash string, index int, data []byte) error {
	if err := chunkstore.ValidateHash(hash); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: %d", chunkstore.ErrChunkIndexInvalid, index)
	}
	if len(data) == 0 || int64(len(data)) > o.chunks.ChunkSize() {
		return fmt.Errorf("%w: chunk %d is %d bytes, chunk size is %d", chunkstore.ErrChunkSizeMismatch, index, len(data), o.chunks.ChunkSize())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.chunks.PutChunk(o.chunks.SubdirPath(hash), index, data); err != nil {
		return err
	}
	o.metrics.ObserveChunk(len(data))
	return nil
}

// ChunkProgress returns the sorted chunk indices received for hash, or
// false when no upload directory exists.
func (o *Orchestrator) ChunkProgress(_ context.Context, hash string) ([]int, bool, error) {
	if err := chunkstore.ValidateHash(hash); err != nil {
		return nil, false, err
	}
	return o.chunks.Progress(hash)
}

// BeginMerge validates the chunk set, marks the merge job as running and
// queues the merge. It returns the job key to poll.
func (o *Orchestrator) BeginMerge(ctx context.Context, identity, hash string, chunkCount int) (string, error) {
	if err := requireIdentity(identity); err != nil {
		return "", err
	}
	if err := chunkstore.ValidateHash(hash); err != nil {
		return "", err
	}
	key := jobs.Key(jobs.TypeMerge, hash)
	if o.queue.InFlight(key) {
		return key, nil
	}
	if _, err := o.chunks.Validate(hash, chunkCount); err != nil {
		return "", err
	}
	return key, o.submit(ctx, key, StatusMerging, func(taskCtx context.Context) error {
		return o.runMerge(taskCtx, key, identity, hash, chunkCount)
	})
}

// BeginProcessing checks that fileID is a video owned by identity and
// queues the transcode pipeline for it. It returns the job key to poll.
func (o *Orchestrator) BeginProcessing(ctx context.Context, identity, fileID string) (string, error) {
	if err := requireIdentity(identity); err != nil {
		return "", err
	}
	if strings.TrimSpace(fileID) == "" {
		return "", fmt.Errorf("%w: file id is required", ErrInvalidRequest)
	}
	file, err := o.repo.FindFileByID(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return "", err
	}
	if file.Type != storage.FileTypeVideo {
		return "", fmt.Errorf("%w: %s is %s", ErrNotVideo, fileID, file.Type)
	}
	owned, err := o.repo.HasOwnership(ctx, identity, file.ID)
	if err != nil {
		return "", err
	}
	if !owned {
		return "", fmt.Errorf("%w: %s", ErrForbidden, fileID)
	}
	key := jobs.Key(jobs.TypeProcess, file.Hash)
	if o.queue.InFlight(key) {
		return key, nil
	}
	existing, err := o.repo.ListRenditions(ctx, file.ID)
	if err != nil {
		return "", fmt.Errorf("list renditions: %w", err)
	}
	if len(existing) > 0 {
		// Renditions are produced once; later requests report them as is.
		if err := o.tracker.Complete(ctx, key, recordedResult(file, existing)); err != nil {
			return "", err
		}
		return key, nil
	}
	return key, o.submit(ctx, key, StatusProbing, func(taskCtx context.Context) error {
		return o.runProcessing(taskCtx, key, file)
	})
}

// PollJob reads the state of a merge or processing job.
func (o *Orchestrator) PollJob(ctx context.Context, key string) (jobs.Result, error) {
	return o.tracker.Poll(ctx, key)
}

// JobError returns the recorded failure reason for key, if any.
func (o *Orchestrator) JobError(ctx context.Context, key string) (string, error) {
	return o.tracker.LastError(ctx, key)
}

// Busy reports whether a merge or processing task for hash is queued or
// running.
func (o *Orchestrator) Busy(hash string) bool {
	return o.queue.InFlight(jobs.Key(jobs.TypeMerge, hash)) || o.queue.InFlight(jobs.Key(jobs.TypeProcess, hash))
}

func (o *Orchestrator) submit(ctx context.Context, key, status string, run func(context.Context) error) error {
	kind, _, ok := jobs.SplitKey(key)
	if !ok {
		return fmt.Errorf("%w: job key %q", ErrInvalidRequest, key)
	}
	if err := o.tracker.Start(ctx, key, status); err != nil {
		return err
	}
	err := o.queue.Enqueue(Task{
		Key: key,
		Run: func(taskCtx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s job panicked: %v", kind, r)
					o.failJob(taskCtx, key, kind, err)
				}
			}()
			return run(taskCtx)
		},
		Abandon: func(cause error) {
			o.failJob(ctx, key, kind, cause)
		},
	})
	if errors.Is(err, ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		if failErr := o.tracker.Fail(context.WithoutCancel(ctx), key, err); failErr != nil {
			o.logger.Warn("failed to clear job key", "job", key, "error", failErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) runMerge(ctx context.Context, key, identity, hash string, chunkCount int) error {
	logger := o.logger.With("job", key, "file_hash", hash)
	o.metrics.JobStarted(jobs.TypeMerge)

	descriptor, err := o.merge(ctx, identity, hash, chunkCount)
	if err == nil {
		err = o.tracker.Complete(ctx, key, descriptor)
	}
	if err != nil {
		o.failJob(ctx, key, jobs.TypeMerge, err)
		return err
	}
	o.metrics.JobCompleted(jobs.TypeMerge)
	o.chunks.DeleteSubdir(hash)
	logger.Info("merge complete", "file_id", descriptor.ID, "path", descriptor.Path)
	return nil
}

func (o *Orchestrator) merge(ctx context.Context, identity, hash string, chunkCount int) (FileDescriptor, error) {
	rel, err := o.chunks.Merge(ctx, hash, chunkCount)
	if err != nil {
		return FileDescriptor{}, err
	}
	if o.digest != "" {
		path := o.videos.Path(rel)
		if err := chunkstore.VerifyDigest(path, o.digest, hash); err != nil {
			if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				o.logger.Warn("failed to remove unverified merge", "path", path, "error", removeErr)
			}
			return FileDescriptor{}, err
		}
	}
	file, err := o.registerFile(ctx, hash, rel)
	if err != nil {
		return FileDescriptor{}, err
	}
	if _, err := o.repo.CreateOwnership(ctx, identity, file.ID); err != nil {
		return FileDescriptor{}, fmt.Errorf("record ownership: %w", err)
	}
	return FileDescriptor{
		ID:    file.ID,
		Hash:  file.Hash,
		Path:  file.Path,
		Type:  file.Type,
		Owner: identity,
	}, nil
}

func (o *Orchestrator) runProcessing(ctx context.Context, key string, file storage.File) error {
	logger := o.logger.With("job", key, "file_hash", file.Hash, "file_id", file.ID)
	o.metrics.JobStarted(jobs.TypeProcess)

	result, err := o.process(ctx, key, file, logger)
	if err == nil {
		err = o.tracker.Complete(ctx, key, result)
	}
	if err != nil {
		o.failJob(ctx, key, jobs.TypeProcess, err)
		return err
	}
	o.metrics.JobCompleted(jobs.TypeProcess)
	logger.Info("processing complete", "renditions", len(result.Renditions))
	return nil
}

func (o *Orchestrator) process(ctx context.Context, key string, file storage.File, logger *slog.Logger) (ProcessingResult, error) {
	source := o.videos.Path(file.Path)
	outcome, err := o.processor.Run(ctx, source, file.Hash, func(stage transcode.Stage) {
		if stage == transcode.StageProbing || stage == transcode.StageDone {
			return
		}
		if err := o.tracker.Advance(ctx, key, string(stage)); err != nil {
			logger.Warn("failed to advance job status", "stage", stage, "error", err)
		}
	})
	if err != nil {
		return ProcessingResult{}, err
	}

	result := ProcessingResult{
		FileID:          file.ID,
		Hash:            file.Hash,
		Width:           outcome.Probe.Width,
		Height:          outcome.Probe.Height,
		DurationSeconds: outcome.Probe.DurationSeconds,
		Renditions:      make([]RenditionDescriptor, 0, len(outcome.Renditions)),
	}

	if o.publisher != nil && o.publisher.Enabled() {
		if err := o.tracker.Advance(ctx, key, StatusPublish); err != nil {
			logger.Warn("failed to advance job status", "stage", StatusPublish, "error", err)
		}
		count, err := o.publisher.PublishDir(ctx, o.processor.ManifestDir(file.Hash), file.Hash)
		if err != nil {
			return ProcessingResult{}, fmt.Errorf("publish renditions: %w", err)
		}
		result.PublishedFiles = count
	}

	for _, rendition := range outcome.Renditions {
		var label *string
		if rendition.Label != transcode.RawLabel {
			value := rendition.Label
			label = &value
		}
		record, err := o.repo.CreateRenditionRecord(ctx, file.ID, rendition.RelPath, label)
		if err != nil {
			return ProcessingResult{}, fmt.Errorf("record rendition %s: %w", rendition.Label, err)
		}
		result.Renditions = append(result.Renditions, RenditionDescriptor{
			ID:     record.ID,
			Label:  rendition.Label,
			Height: rendition.Height,
			Path:   rendition.RelPath,
		})
	}
	return result, nil
}

// knownFile returns the registered video for hash when its bytes are still
// in the video store. It spares FastUpload the directory scan.
func (o *Orchestrator) knownFile(ctx context.Context, hash string) (storage.File, bool) {
	file, err := o.repo.FindFileByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("file lookup by hash failed", "file_hash", hash, "error", err)
		}
		return storage.File{}, false
	}
	if file.Type != storage.FileTypeVideo {
		return storage.File{}, false
	}
	if _, err := os.Stat(o.videos.Path(file.Path)); err != nil {
		return storage.File{}, false
	}
	return file, true
}

// recordedResult rebuilds a processing payload from stored rendition
// records. Source dimensions are not stored, so they are left empty.
func recordedResult(file storage.File, records []storage.Rendition) ProcessingResult {
	result := ProcessingResult{
		FileID:     file.ID,
		Hash:       file.Hash,
		Renditions: make([]RenditionDescriptor, 0, len(records)),
	}
	for _, record := range records {
		label := transcode.RawLabel
		if record.Label != nil {
			label = *record.Label
		}
		result.Renditions = append(result.Renditions, RenditionDescriptor{
			ID:    record.ID,
			Label: label,
			Path:  record.Path,
		})
	}
	return result
}

// registerFile returns the bookkeeping record for a stored video, creating
// it on first sight.
func (o *Orchestrator) registerFile(ctx context.Context, hash, rel string) (storage.File, error) {
	file, err := o.repo.FindFileByPath(ctx, rel)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.File{}, err
	}
	file, err = o.repo.CreateFile(ctx, hash, rel, storage.DetectFileType(rel))
	if err != nil {
		return storage.File{}, fmt.Errorf("register file: %w", err)
	}
	return file, nil
}

func (o *Orchestrator) failJob(ctx context.Context, key, kind string, cause error) {
	o.metrics.JobFailed(kind)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.tracker.Fail(cleanupCtx, key, cause); err != nil {
		o.logger.Error("failed to clear job key", "job", key, "error", err)
	}
}
