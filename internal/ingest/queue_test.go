package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestQueue(t *testing.T, cfg QueueConfig) *Queue {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	queue := NewQueue(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})
	return queue
}

func TestQueueRunsTasks(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{Workers: 2})
	queue.Start()

	var ran atomic.Int32
	for _, key := range []string{"merge:a", "merge:b", "process:a"} {
		if err := queue.Enqueue(Task{Key: key, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Enqueue(%s): %v", key, err)
		}
	}
	waitFor(t, time.Second, func() bool { return ran.Load() == 3 })
	waitFor(t, time.Second, func() bool {
		return !queue.InFlight("merge:a") && !queue.InFlight("merge:b") && !queue.InFlight("process:a")
	})
}

func TestQueueRejectsDuplicateKeys(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{Workers: 1})
	queue.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := queue.Enqueue(Task{Key: "merge:a", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if !queue.InFlight("merge:a") {
		t.Fatal("expected running task to be in flight")
	}
	err := queue.Enqueue(Task{Key: "merge:a", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return !queue.InFlight("merge:a") })

	if err := queue.Enqueue(Task{Key: "merge:a", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("expected key to be reusable after completion: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	recorder := metrics.New()
	queue := newTestQueue(t, QueueConfig{QueueSize: 1, Metrics: recorder})
	noop := func(context.Context) error { return nil }

	if err := queue.Enqueue(Task{Key: "merge:a", Run: noop}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.Enqueue(Task{Key: "merge:b", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if queue.InFlight("merge:b") {
		t.Fatal("rejected task must not be tracked")
	}
	if !queue.InFlight("merge:a") {
		t.Fatal("expected accepted task to be in flight")
	}
}

func TestQueueClosedAfterShutdown(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{})
	queue.Start()
	if err := queue.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := queue.Enqueue(Task{Key: "merge:a", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueueShutdownAbandonsQueuedTasks(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{})

	var ran atomic.Bool
	abandoned := make(chan error, 1)
	err := queue.Enqueue(Task{
		Key: "process:a",
		Run: func(context.Context) error {
			ran.Store(true)
			return nil
		},
		Abandon: func(cause error) { abandoned <- cause },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case cause := <-abandoned:
		if !errors.Is(cause, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", cause)
		}
	default:
		t.Fatal("expected queued task to be abandoned")
	}
	if ran.Load() {
		t.Fatal("abandoned task must not run")
	}
	if queue.InFlight("process:a") {
		t.Fatal("abandoned task must release its key")
	}
}

func TestQueueValidatesTask(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{})
	if err := queue.Enqueue(Task{Key: " ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := queue.Enqueue(Task{Key: "merge:a"}); err == nil {
		t.Fatal("expected error for missing run function")
	}
}

func TestQueueRecoversFromPanics(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{Workers: 1})
	queue.Start()

	if err := queue.Enqueue(Task{Key: "merge:boom", Run: func(context.Context) error {
		panic("boom")
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var ran atomic.Bool
	if err := queue.Enqueue(Task{Key: "merge:after", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, ran.Load)
	waitFor(t, time.Second, func() bool { return !queue.InFlight("merge:boom") })
}

func TestQueueAppliesTaskTimeout(t *testing.T) {
	queue := newTestQueue(t, QueueConfig{Workers: 1, Timeout: 20 * time.Millisecond})
	queue.Start()

	result := make(chan error, 1)
	if err := queue.Enqueue(Task{Key: "process:slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
}

func TestQueueShutdownCancelsRunningTasks(t *testing.T) {
	queue := NewQueue(QueueConfig{Workers: 1, Logger: logging.Discard(), Metrics: metrics.New()})
	queue.Start()

	started := make(chan struct{})
	if err := queue.Enqueue(Task{Key: "process:long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
