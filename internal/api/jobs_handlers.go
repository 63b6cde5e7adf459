package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vodforge/internal/jobs"
)

type jobNotFoundResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Job reports a job's state: 200 with the terminal payload once done, 202
// with the current status while it runs, and 404 when the key is absent.
// A recently failed job carries its failure reason on the 404.
func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, _, ok := jobs.SplitKey(key); !ok {
		writeJSON(w, http.StatusNotFound, jobNotFoundResponse{Error: jobs.ErrNotFound.Error()})
		return
	}
	result, err := h.Ingest.PollJob(r.Context(), key)
	if errors.Is(err, jobs.ErrNotFound) {
		response := jobNotFoundResponse{Error: jobs.ErrNotFound.Error()}
		if reason, reasonErr := h.Ingest.JobError(r.Context(), key); reasonErr == nil {
			response.Reason = reason
		}
		writeJSON(w, http.StatusNotFound, response)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !result.Done {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
