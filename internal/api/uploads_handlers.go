package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"vodforge/internal/chunkstore"
	"vodforge/internal/ingest"
	"vodforge/internal/storage"
)

// multipartOverhead is the slack allowed on top of the chunk size for form
// boundaries and the text fields of a multipart chunk request.
const multipartOverhead = 1 << 20

type fastUploadRequest struct {
	FileHash string `json:"file_hash"`
}

type fastUploadResponse struct {
	Found bool          `json:"found"`
	File  *storage.File `json:"file,omitempty"`
}

type chunkResponse struct {
	FileHash string `json:"file_hash"`
	Index    int    `json:"index"`
	Size     int    `json:"size"`
}

type progressResponse struct {
	FileHash string `json:"file_hash"`
	Received []int  `json:"received"`
}

type mergeRequest struct {
	FileHash   string `json:"file_hash"`
	ChunkCount int    `json:"chunk_count"`
}

type jobAcceptedResponse struct {
	JobKey string `json:"job_key"`
}

func (h *Handler) FastUpload(w http.ResponseWriter, r *http.Request) {
	var req fastUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	result, err := h.Ingest.FastUpload(r.Context(), identityFromRequest(r), req.FileHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusNotFound, fastUploadResponse{Found: false})
		return
	}
	file := result.File
	writeJSON(w, http.StatusOK, fastUploadResponse{Found: true, File: &file})
}

// UploadChunk accepts either a multipart form with file_hash, chunk_hash and
// a "file" part, or a raw body with file_hash and chunk_hash in the query.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	hash, rawIndex, data, err := h.readChunk(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(rawIndex))
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: chunk_hash %q is not an integer", chunkstore.ErrChunkIndexInvalid, rawIndex))
		return
	}
	if err := h.Ingest.UploadChunk(r.Context(), hash, index, data); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{FileHash: hash, Index: index, Size: len(data)})
}

func (h *Handler) readChunk(w http.ResponseWriter, r *http.Request) (string, string, []byte, error) {
	limit := h.maxChunkBytes()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		query := r.URL.Query()
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: read chunk body: %w", ingest.ErrInvalidRequest, err)
		}
		return strings.TrimSpace(query.Get("file_hash")), query.Get("chunk_hash"), data, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		return "", "", nil, fmt.Errorf("%w: parse multipart form: %w", ingest.ErrInvalidRequest, err)
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: file part is required: %w", ingest.ErrInvalidRequest, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: read chunk part: %w", ingest.ErrInvalidRequest, err)
	}
	return strings.TrimSpace(r.FormValue("file_hash")), r.FormValue("chunk_hash"), data, nil
}

func (h *Handler) UploadProgress(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	received, ok, err := h.Ingest.ChunkProgress(r.Context(), hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ok {
		h.writeServiceError(w, r, fmt.Errorf("%w: %s", chunkstore.ErrChunkFolderNotFound, hash))
		return
	}
	if received == nil {
		received = []int{}
	}
	writeJSON(w, http.StatusOK, progressResponse{FileHash: hash, Received: received})
}

func (h *Handler) BeginMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	key, err := h.Ingest.BeginMerge(r.Context(), identityFromRequest(r), strings.TrimSpace(req.FileHash), req.ChunkCount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, key)
}

func (h *Handler) ProcessFile(w http.ResponseWriter, r *http.Request) {
	key, err := h.Ingest.BeginProcessing(r.Context(), identityFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, key)
}

func writeAccepted(w http.ResponseWriter, key string) {
	if key == "" {
		writeError(w, http.StatusInternalServerError, errors.New("job key missing"))
		return
	}
	w.Header().Set("Location", "/api/jobs/"+key)
	writeJSON(w, http.StatusAccepted, jobAcceptedResponse{JobKey: key})
}
