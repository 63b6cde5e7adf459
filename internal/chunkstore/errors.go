package chunkstore

import "errors"

// Merge validation failures. They describe client input problems and are
// reported synchronously, before any background work starts.
var (
	ErrChunkFolderNotFound = errors.New("chunk folder not found")
	ErrChunkCountMismatch  = errors.New("chunk count mismatch")
	ErrChunkIndexInvalid   = errors.New("chunk index invalid")
	ErrChunkIndexGap       = errors.New("chunk index gap")
	ErrChunkSizeMismatch   = errors.New("chunk size mismatch")
	ErrDigestMismatch      = errors.New("merged file digest mismatch")
	ErrInvalidHash         = errors.New("invalid file hash")
)

// IsValidationError reports whether err is a malformed chunk set or hash.
// A missing chunk folder is a not-found condition and is excluded.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrChunkCountMismatch,
		ErrChunkIndexInvalid,
		ErrChunkIndexGap,
		ErrChunkSizeMismatch,
		ErrInvalidHash,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
