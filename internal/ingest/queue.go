package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vodforge/internal/observability/metrics"
)

var (
	ErrQueueFull     = errors.New("ingest: task queue is full")
	ErrQueueClosed   = errors.New("ingest: task queue is shut down")
	ErrDuplicateTask = errors.New("ingest: task already queued")
)

// Task is a unit of background work. Key identifies the job; only one task
// per key may be queued or running at a time. Abandon, when set, is called
// for a task that was still queued at shutdown.
type Task struct {
	Key     string
	Run     func(ctx context.Context) error
	Abandon func(cause error)
}

type QueueConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

const (
	defaultQueueWorkers = 2
	defaultQueueSize    = 64
	defaultTaskTimeout  = 30 * time.Minute
)

// Queue is a fixed pool of workers draining a bounded channel of tasks.
type Queue struct {
	workers int
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	tasks chan Task
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	started bool
	closed  bool
}

func NewQueue(cfg QueueConfig) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultQueueWorkers
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workers: workers,
		timeout: timeout,
		logger:  logger,
		metrics: recorder,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan Task, size),
		pending: make(map[string]struct{}),
	}
}

func (q *Queue) Start() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Shutdown stops accepting tasks, cancels running ones and waits for the
// workers to exit or ctx to expire. Queued tasks that never started are
// abandoned with ErrQueueClosed.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.abandonQueued()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a task without blocking.
func (q *Queue) Enqueue(task Task) error {
	key := strings.TrimSpace(task.Key)
	if key == "" || task.Run == nil {
		return fmt.Errorf("ingest: task requires a key and a run function")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.pending[key]; exists {
		return ErrDuplicateTask
	}
	task.Key = key
	select {
	case q.tasks <- task:
		q.pending[key] = struct{}{}
		q.metrics.SetQueueDepth(len(q.tasks))
		return nil
	default:
		return ErrQueueFull
	}
}

// InFlight reports whether a task for key is queued or running.
func (q *Queue) InFlight(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.metrics.SetQueueDepth(len(q.tasks))
			q.run(task)
			q.finish(task.Key)
		}
	}
}

func (q *Queue) run(task Task) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()
	logger := q.logger.With("task", task.Key)
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return task.Run(ctx)
	}()
	if err != nil {
		logger.Error("background task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Debug("background task finished", "duration_ms", time.Since(start).Milliseconds())
}

func (q *Queue) abandonQueued() {
	for {
		select {
		case task := <-q.tasks:
			if task.Abandon != nil {
				task.Abandon(ErrQueueClosed)
			}
			q.finish(task.Key)
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) finish(key string) {
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}
