package chunkstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDigestKnownValues(t *testing.T) {
	cases := []struct {
		algo string
		want string
	}{
		{algo: DigestMD5, want: "900150983cd24fb0d6963f7d28e17f72"},
		{algo: DigestSHA256, want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tc := range cases {
		got, err := Digest(strings.NewReader("abc"), tc.algo)
		if err != nil {
			t.Fatalf("Digest(%s): %v", tc.algo, err)
		}
		if got != tc.want {
			t.Errorf("Digest(%s) = %s, want %s", tc.algo, got, tc.want)
		}
	}
}

func TestDigestBlake2bLength(t *testing.T) {
	got, err := Digest(strings.NewReader("abc"), DigestBLAKE2b)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(got))
	}
}

func TestDigestUnsupported(t *testing.T) {
	if _, err := Digest(strings.NewReader("abc"), "crc32"); err == nil {
		t.Fatalf("expected unsupported algorithm error")
	}
}

func TestVerifyDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.mp4")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := VerifyDigest(path, DigestMD5, "900150983CD24FB0D6963F7D28E17F72"); err != nil {
		t.Fatalf("expected case-insensitive match, got %v", err)
	}
	if err := VerifyDigest(path, DigestMD5, "deadbeef"); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if err := VerifyDigest(path, "", "ignored"); err != nil {
		t.Fatalf("empty algorithm should skip verification, got %v", err)
	}
}
