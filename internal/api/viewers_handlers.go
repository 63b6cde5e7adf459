package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type viewersResponse struct {
	FileHash   string `json:"file_hash"`
	Viewers    int64  `json:"viewers"`
	IsWatching *bool  `json:"is_watching,omitempty"`
}

var errViewersDisabled = errors.New("live viewers are not configured")

func (h *Handler) JoinViewers(w http.ResponseWriter, r *http.Request) {
	if h.Viewers == nil {
		writeError(w, http.StatusServiceUnavailable, errViewersDisabled)
		return
	}
	hash := chi.URLParam(r, "hash")
	count, err := h.Viewers.Join(r.Context(), hash, identityFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	watching := true
	writeJSON(w, http.StatusOK, viewersResponse{FileHash: hash, Viewers: count, IsWatching: &watching})
}

func (h *Handler) LeaveViewers(w http.ResponseWriter, r *http.Request) {
	if h.Viewers == nil {
		writeError(w, http.StatusServiceUnavailable, errViewersDisabled)
		return
	}
	hash := chi.URLParam(r, "hash")
	count, err := h.Viewers.Leave(r.Context(), hash, identityFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	watching := false
	writeJSON(w, http.StatusOK, viewersResponse{FileHash: hash, Viewers: count, IsWatching: &watching})
}

// ViewerCount returns the audience size. is_watching is included only when
// the request carries an identity.
func (h *Handler) ViewerCount(w http.ResponseWriter, r *http.Request) {
	if h.Viewers == nil {
		writeError(w, http.StatusServiceUnavailable, errViewersDisabled)
		return
	}
	hash := chi.URLParam(r, "hash")
	count, err := h.Viewers.Count(r.Context(), hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	response := viewersResponse{FileHash: hash, Viewers: count}
	if identity := identityFromRequest(r); identity != "" {
		watching, err := h.Viewers.IsWatching(r.Context(), hash, identity)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		response.IsWatching = &watching
	}
	writeJSON(w, http.StatusOK, response)
}
