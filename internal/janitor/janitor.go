// Package janitor removes upload leftovers that no job will come back for:
// chunk directories of abandoned uploads and transcode intermediates of
// crashed processing runs.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vodforge/internal/observability/metrics"
)

const (
	DefaultSchedule  = "@every 30m"
	DefaultRetention = 48 * time.Hour
)

// Area is a directory whose children are named by file hash.
type Area struct {
	Name string
	Root string
}

type Config struct {
	Schedule  string
	Retention time.Duration
	Areas     []Area
	// Busy reports whether a hash has a queued or running job. Busy
	// entries are never removed.
	Busy    func(hash string) bool
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Janitor struct {
	areas     []Area
	retention time.Duration
	busy      func(string) bool
	metrics   *metrics.Recorder
	logger    *slog.Logger
	clock     func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func New(cfg Config) (*Janitor, error) {
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	busy := cfg.Busy
	if busy == nil {
		busy = func(string) bool { return false }
	}
	areas := make([]Area, 0, len(cfg.Areas))
	for _, area := range cfg.Areas {
		if strings.TrimSpace(area.Root) == "" {
			continue
		}
		areas = append(areas, area)
	}

	j := &Janitor{
		areas:     areas,
		retention: retention,
		busy:      busy,
		metrics:   recorder,
		logger:    logger,
		clock:     clock,
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j.cron = cron.New(cron.WithParser(parser))
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or for
// ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.logger.Warn("previous sweep still running, skipping")
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	removed, err := j.Sweep(context.Background())
	if err != nil {
		j.logger.Error("sweep failed", "error", err, "removed", removed)
		return
	}
	if removed > 0 {
		j.logger.Info("sweep complete", "removed", removed)
	}
}

// Sweep removes every entry older than the retention window from each
// area and returns how many were removed. An area that cannot be listed is
// reported after the remaining areas have been swept.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.clock().Add(-j.retention)
	removed := 0
	var errs []error
	for _, area := range j.areas {
		n, err := j.sweepArea(ctx, area, cutoff)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) sweepArea(ctx context.Context, area Area, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(area.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("janitor: list %s: %w", area.Name, err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := entry.Name()
		stale := strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
		if !entry.IsDir() && !stale {
			continue
		}
		if entry.IsDir() && j.busy(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(area.Root, name)
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("failed to remove expired entry", "area", area.Name, "path", path, "error", err)
			continue
		}
		removed++
		j.metrics.ObserveJanitorRemoval(area.Name)
		j.logger.Debug("removed expired entry", "area", area.Name, "path", path, "age", j.clock().Sub(info.ModTime()).Round(time.Second))
	}
	return removed, nil
}
