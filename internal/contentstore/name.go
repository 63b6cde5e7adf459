package contentstore

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxExtensionLength = 10

// ContentName derives the on-disk name for hash: the bare hash when
// originalName carries no usable extension, otherwise hash plus the
// lower-cased extension.
func ContentName(originalName, hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if err := validateName(hash); err != nil {
		return "", err
	}
	ext := Extension(originalName)
	if ext == "" {
		return hash, nil
	}
	return hash + ext, nil
}

// Extension returns the normalized extension of name including the leading
// dot, or "" when the name has none or it is not plain ASCII alphanumerics.
func Extension(name string) string {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	if normalized == "" {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(normalized)))
	if len(ext) < 2 || len(ext) > maxExtensionLength+1 {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return ext
}
