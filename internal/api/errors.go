package api

import (
	"errors"
	"net/http"

	"vodforge/internal/chunkstore"
	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/storage"
	"vodforge/internal/viewers"
)

var errInternal = errors.New("internal server error")

// statusForError maps domain sentinels to HTTP status codes. Anything not
// recognised is a server fault.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ingest.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chunkstore.ErrChunkFolderNotFound),
		errors.Is(err, ingest.ErrFileNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case chunkstore.IsValidationError(err),
		errors.Is(err, ingest.ErrInvalidRequest),
		errors.Is(err, ingest.ErrNotVideo),
		errors.Is(err, viewers.ErrInvalidInput),
		errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrQueueFull),
		errors.Is(err, ingest.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger(r).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, errInternal)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, err)
}
