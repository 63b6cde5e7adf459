package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, chunk
// ingestion, background jobs and janitor sweeps. Map-backed counters are
// guarded by a RWMutex while gauges use atomics.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	chunkCount      uint64
	chunkBytes      uint64
	fastUploads     map[string]uint64
	jobEvents       map[JobLabel]uint64
	janitorRemovals map[string]uint64
	activeJobs      atomic.Int64
	queueDepth      atomic.Int64
}

// JobLabel identifies a background job event by job kind ("merge",
// "process") and lifecycle status ("start", "complete", "fail").
type JobLabel struct {
	Kind   string
	Status string
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		fastUploads:     make(map[string]uint64),
		jobEvents:       make(map[JobLabel]uint64),
		janitorRemovals: make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records a stored upload chunk of the given size.
func (r *Recorder) ObserveChunk(size int) {
	if size < 0 {
		size = 0
	}
	r.mu.Lock()
	r.chunkCount++
	r.chunkBytes += uint64(size)
	r.mu.Unlock()
}

// ObserveFastUpload records the outcome of a hash-only upload attempt.
func (r *Recorder) ObserveFastUpload(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.mu.Lock()
	r.fastUploads[result]++
	r.mu.Unlock()
}

// JobStarted records the beginning of a background job and increments the
// active job gauge.
func (r *Recorder) JobStarted(kind string) {
	r.recordJobEvent(kind, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records a finished job and decrements the active job gauge.
func (r *Recorder) JobCompleted(kind string) {
	r.recordJobEvent(kind, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job and decrements the active job gauge without
// letting it go negative.
func (r *Recorder) JobFailed(kind string) {
	r.recordJobEvent(kind, "fail")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// SetQueueDepth reports how many tasks are waiting in the background queue.
func (r *Recorder) SetQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(int64(depth))
}

// ObserveJanitorRemoval records a directory removed by the janitor, keyed by
// area ("chunks", "temp").
func (r *Recorder) ObserveJanitorRemoval(area string) {
	normalized := normalizeName(area)
	r.mu.Lock()
	r.janitorRemovals[normalized]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current number of running background jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of job event counters and the active gauge.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// ChunkTotals returns the number of chunks and bytes observed so far.
func (r *Recorder) ChunkTotals() (count, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunkCount, r.chunkBytes
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkCount = 0
	r.chunkBytes = 0
	r.fastUploads = make(map[string]uint64)
	r.jobEvents = make(map[JobLabel]uint64)
	r.janitorRemovals = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with label
// sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_chunks_total Upload chunks stored")
	fmt.Fprintln(w, "# TYPE vodforge_upload_chunks_total counter")
	fmt.Fprintf(w, "vodforge_upload_chunks_total %d\n", r.chunkCount)

	fmt.Fprintln(w, "# HELP vodforge_upload_chunk_bytes_total Bytes received in upload chunks")
	fmt.Fprintln(w, "# TYPE vodforge_upload_chunk_bytes_total counter")
	fmt.Fprintf(w, "vodforge_upload_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP vodforge_fast_uploads_total Hash-only upload attempts by result")
	fmt.Fprintln(w, "# TYPE vodforge_fast_uploads_total counter")
	for _, result := range sortedKeys(r.fastUploads) {
		fmt.Fprintf(w, "vodforge_fast_uploads_total{result=\"%s\"} %d\n", result, r.fastUploads[result])
	}

	fmt.Fprintln(w, "# HELP vodforge_jobs_total Background job events by kind and status")
	fmt.Fprintln(w, "# TYPE vodforge_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "vodforge_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodforge_active_jobs Current number of running background jobs")
	fmt.Fprintln(w, "# TYPE vodforge_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_queue_depth Tasks waiting in the background queue")
	fmt.Fprintln(w, "# TYPE vodforge_queue_depth gauge")
	fmt.Fprintf(w, "vodforge_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP vodforge_janitor_removals_total Stale directories removed by the janitor")
	fmt.Fprintln(w, "# TYPE vodforge_janitor_removals_total counter")
	for _, area := range sortedKeys(r.janitorRemovals) {
		fmt.Fprintf(w, "vodforge_janitor_removals_total{area=\"%s\"} %d\n", area, r.janitorRemovals[area])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses identifier-like segments (hashes, UUIDs, numeric
// indices) to ":id" so label cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ":") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	if digitCount == len(segment) {
		return true
	}
	return len(segment) >= 16 || digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobStarted records a job start on the default recorder.
func JobStarted(kind string) {
	defaultRecorder.JobStarted(kind)
}

// JobCompleted records a job completion on the default recorder.
func JobCompleted(kind string) {
	defaultRecorder.JobCompleted(kind)
}

// JobFailed records a job failure on the default recorder.
func JobFailed(kind string) {
	defaultRecorder.JobFailed(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
