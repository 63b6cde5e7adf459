package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/kv"
	"vodforge/internal/observability/logging"
	"vodforge/internal/storage"
	"vodforge/internal/viewers"
)

// IdentityHeader carries the uploader identity on every mutating request.
const IdentityHeader = "X-Uploader-Id"

const defaultMaxChunkBytes = 5 << 20

// Ingest is the orchestrator surface the handlers drive.
type Ingest interface {
	FastUpload(ctx context.Context, identity, hash string) (ingest.FastUploadResult, error)
	UploadChunk(ctx context.Context, hash string, index int, data []byte) error
	ChunkProgress(ctx context.Context, hash string) ([]int, bool, error)
	BeginMerge(ctx context.Context, identity, hash string, chunkCount int) (string, error)
	BeginProcessing(ctx context.Context, identity, fileID string) (string, error)
	PollJob(ctx context.Context, key string) (jobs.Result, error)
	JobError(ctx context.Context, key string) (string, error)
}

type Handler struct {
	Ingest  Ingest
	Viewers *viewers.Tracker
	Store   storage.Repository
	KV      kv.Store
	// MaxChunkBytes bounds a single chunk body. It should match the chunk
	// store's chunk size.
	MaxChunkBytes int64
	Logger        *slog.Logger
}

func NewHandler(orchestrator Ingest, store storage.Repository, kvStore kv.Store) *Handler {
	return &Handler{Ingest: orchestrator, Store: store, KV: kvStore}
}

// Routes mounts the health probe and the /api tree on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/uploads/fast", h.FastUpload)
		r.Post("/uploads/chunk", h.UploadChunk)
		r.Get("/uploads/{hash}/progress", h.UploadProgress)
		r.Post("/uploads/merge", h.BeginMerge)
		r.Post("/files/{id}/process", h.ProcessFile)
		r.Get("/jobs/{key}", h.Job)
		r.Get("/viewers/{hash}", h.ViewerCount)
		r.Post("/viewers/{hash}", h.JoinViewers)
		r.Delete("/viewers/{hash}", h.LeaveViewers)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) maxChunkBytes() int64 {
	if h.MaxChunkBytes > 0 {
		return h.MaxChunkBytes
	}
	return defaultMaxChunkBytes
}

func identityFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}
