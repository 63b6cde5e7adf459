// Package transcode turns a merged source video into a set of HLS
// renditions: probe, rendition ladder, parallel transcodes, segmenting and
// cleanup of intermediates.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Stage is a step of the processing state machine.
type Stage string

const (
	StageProbing     Stage = "probing"
	StageTranscoding Stage = "rendition-transcoding"
	StageSegmenting  Stage = "segmenting"
	StageCleanup     Stage = "cleanup"
	StageDone        Stage = "done"
)

const (
	DefaultSegmentSeconds = 10
	DefaultParallelism    = 4

	intermediateExt = ".mp4"
)

var ErrInvalidHash = errors.New("transcode: invalid file hash")

type Config struct {
	TempRoot       string
	ManifestRoot   string
	KeyInfoPath    string
	SegmentSeconds int
	Parallelism    int
	Runner         Runner
	Logger         *slog.Logger
}

// Rendition is one segmented output of a source file. RelPath is relative
// to the manifest root and uses forward slashes.
type Rendition struct {
	Label        string `json:"label"`
	Height       int    `json:"height,omitempty"`
	ManifestPath string `json:"-"`
	RelPath      string `json:"path"`
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Probe      Probe       `json:"probe"`
	Ladder     Ladder      `json:"ladder"`
	Renditions []Rendition `json:"renditions"`
}

type Pipeline struct {
	tempRoot       string
	manifestRoot   string
	keyInfoPath    string
	segmentSeconds int
	parallelism    int
	runner         Runner
	logger         *slog.Logger
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("transcode: runner is required")
	}
	tempRoot, err := prepareRoot(cfg.TempRoot, "temp")
	if err != nil {
		return nil, err
	}
	manifestRoot, err := prepareRoot(cfg.ManifestRoot, "manifest")
	if err != nil {
		return nil, err
	}
	keyInfo := strings.TrimSpace(cfg.KeyInfoPath)
	if keyInfo != "" {
		if keyInfo, err = filepath.Abs(keyInfo); err != nil {
			return nil, fmt.Errorf("resolve key info path: %w", err)
		}
	}
	segmentSeconds := cfg.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = DefaultSegmentSeconds
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		tempRoot:       tempRoot,
		manifestRoot:   manifestRoot,
		keyInfoPath:    keyInfo,
		segmentSeconds: segmentSeconds,
		parallelism:    parallelism,
		runner:         cfg.Runner,
		logger:         logger,
	}, nil
}

func prepareRoot(root, name string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("transcode: %s root is required", name)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s root: %w", name, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create %s root: %w", name, err)
	}
	return abs, nil
}

func (p *Pipeline) TempRoot() string     { return p.tempRoot }
func (p *Pipeline) ManifestRoot() string { return p.manifestRoot }

// TempDir is where intermediates for hash are written.
func (p *Pipeline) TempDir(hash string) string {
	return filepath.Join(p.tempRoot, hash)
}

// ManifestDir holds the segmented renditions for hash.
func (p *Pipeline) ManifestDir(hash string) string {
	return filepath.Join(p.manifestRoot, hash)
}

func validHash(hash string) error {
	if hash == "" || hash == "." || hash == ".." || strings.ContainsAny(hash, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

func (p *Pipeline) ProbeResolution(ctx context.Context, sourcePath string) (Probe, error) {
	probe, err := p.runner.Probe(ctx, sourcePath)
	if err != nil {
		return Probe{}, err
	}
	if probe.Height <= 0 {
		return Probe{}, ErrNoVideoStream
	}
	return probe, nil
}

// TranscodeRenditions produces <temp>/<hash>/<label>.mp4 for every label in
// the ladder. Transcodes run concurrently and the first failure cancels the
// rest.
func (p *Pipeline) TranscodeRenditions(ctx context.Context, sourcePath, hash string, ladder Ladder) error {
	if err := validHash(hash); err != nil {
		return err
	}
	dir := p.TempDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism)
	for _, label := range ladder.Labels() {
		label := label
		height, _ := labelHeight(label)
		output := filepath.Join(dir, label+intermediateExt)
		group.Go(func() error {
			if err := p.runner.Transcode(gctx, sourcePath, output, height); err != nil {
				return fmt.Errorf("rendition %s: %w", label, err)
			}
			p.logger.Debug("rendition transcoded", "file_hash", hash, "label", label)
			return nil
		})
	}
	return group.Wait()
}

// SegmentToStreamingFormat segments every intermediate in the hash's temp
// directory into <manifest>/<hash>/<label>/index.m3u8.
func (p *Pipeline) SegmentToStreamingFormat(ctx context.Context, hash string) ([]Rendition, error) {
	if err := validHash(hash); err != nil {
		return nil, err
	}
	labels, err := p.intermediateLabels(hash)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no intermediates for %s", hash)
	}

	renditions := make([]Rendition, len(labels))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism)
	for i, label := range labels {
		i, label := i, label
		input := filepath.Join(p.TempDir(hash), label+intermediateExt)
		outputDir := filepath.Join(p.ManifestDir(hash), label)
		group.Go(func() error {
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create rendition dir %s: %w", label, err)
			}
			manifest, err := p.runner.Segment(gctx, input, outputDir, p.keyInfoPath, p.segmentSeconds)
			if err != nil {
				return fmt.Errorf("segment %s: %w", label, err)
			}
			rel, err := filepath.Rel(p.manifestRoot, manifest)
			if err != nil {
				return fmt.Errorf("segment %s: %w", label, err)
			}
			height, _ := labelHeight(label)
			renditions[i] = Rendition{
				Label:        label,
				Height:       height,
				ManifestPath: manifest,
				RelPath:      filepath.ToSlash(rel),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return renditions, nil
}

func (p *Pipeline) intermediateLabels(hash string) ([]string, error) {
	entries, err := os.ReadDir(p.TempDir(hash))
	if err != nil {
		return nil, fmt.Errorf("list intermediates: %w", err)
	}
	labels := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != intermediateExt {
			continue
		}
		label := strings.TrimSuffix(name, intermediateExt)
		if _, ok := labelHeight(label); !ok {
			continue
		}
		labels = append(labels, label)
	}
	sortLabels(labels)
	return labels, nil
}

// CleanupIntermediates removes the hash's temp directory. Failures are
// logged and otherwise ignored.
func (p *Pipeline) CleanupIntermediates(hash string) {
	if validHash(hash) != nil {
		return
	}
	if err := os.RemoveAll(p.TempDir(hash)); err != nil {
		p.logger.Warn("remove intermediates", "file_hash", hash, "error", err)
	}
}

// Run drives one source through every stage. onStage, when set, is called
// as each stage begins. On failure the temp and manifest directories for
// the hash are removed so no partial rendition set remains.
func (p *Pipeline) Run(ctx context.Context, sourcePath, hash string, onStage func(Stage)) (Result, error) {
	if err := validHash(hash); err != nil {
		return Result{}, err
	}
	notify := func(stage Stage) {
		if onStage != nil {
			onStage(stage)
		}
	}
	logger := p.logger.With("file_hash", hash)

	notify(StageProbing)
	probe, err := p.ProbeResolution(ctx, sourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	ladder := RenditionLadder(probe.Height)
	logger.Info("rendition ladder", "height", probe.Height, "labels", strings.Join(ladder.Labels(), ","))

	notify(StageTranscoding)
	if err := p.TranscodeRenditions(ctx, sourcePath, hash, ladder); err != nil {
		p.discard(hash)
		return Result{}, err
	}

	notify(StageSegmenting)
	if err := os.RemoveAll(p.ManifestDir(hash)); err != nil {
		p.discard(hash)
		return Result{}, fmt.Errorf("clear previous renditions: %w", err)
	}
	renditions, err := p.SegmentToStreamingFormat(ctx, hash)
	if err != nil {
		p.discard(hash)
		return Result{}, err
	}

	notify(StageCleanup)
	p.CleanupIntermediates(hash)

	notify(StageDone)
	logger.Info("processing complete", "renditions", len(renditions))
	return Result{Probe: probe, Ladder: ladder, Renditions: renditions}, nil
}

func (p *Pipeline) discard(hash string) {
	p.CleanupIntermediates(hash)
	if err := os.RemoveAll(p.ManifestDir(hash)); err != nil {
		p.logger.Warn("remove partial renditions", "file_hash", hash, "error", err)
	}
}
