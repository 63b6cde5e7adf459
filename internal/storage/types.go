package storage

import (
	"path/filepath"
	"strings"
	"time"
)

// FileType classifies a stored file by its extension.
type FileType string

const (
	FileTypeVideo FileType = "video"
	FileTypeImage FileType = "image"
	FileTypeOther FileType = "other"
)

var (
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".avi": {}, ".flv": {}, ".m4v": {}, ".ts": {}, ".wmv": {},
	}
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {}, ".svg": {},
	}
)

// DetectFileType derives the file type from the extension of path.
func DetectFileType(path string) FileType {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := videoExtensions[ext]; ok {
		return FileTypeVideo
	}
	if _, ok := imageExtensions[ext]; ok {
		return FileTypeImage
	}
	return FileTypeOther
}

// File is the bookkeeping record for one content-addressed file. Path is
// relative to the content store root.
type File struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	Type      FileType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Rendition records one segmented output of a file. Label is nil for
// records created without a resolution label.
type Rendition struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	Path      string    `json:"path"`
	Label     *string   `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ownership traces an uploader identity back to a file.
type Ownership struct {
	Identity  string    `json:"identity"`
	FileID    string    `json:"file_id"`
	CreatedAt time.Time `json:"created_at"`
}
