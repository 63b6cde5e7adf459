package chunkstore

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported digest algorithms for post-merge verification.
const (
	DigestMD5     = "md5"
	DigestSHA256  = "sha256"
	DigestBLAKE2b = "blake2b"
)

func newHasher(algo string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case DigestMD5:
		return md5.New(), nil
	case DigestSHA256:
		return sha256.New(), nil
	case DigestBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("chunkstore: unsupported digest %q", algo)
	}
}

// Digest returns the lowercase hex digest of r.
func Digest(r io.Reader, algo string) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigest checks that the file at path hashes to expected. An empty
// algorithm disables verification.
func VerifyDigest(path, algo, expected string) error {
	if strings.TrimSpace(algo) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	got, err := Digest(f, algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: %s digest %s, expected %s", ErrDigestMismatch, algo, got, expected)
	}
	return nil
}
