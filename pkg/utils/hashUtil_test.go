package utils

import (
	"os"
	"path/filepath"
	"testing"
)

// BLAKE3 digest of the empty input.
const emptyDigest = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"

func TestHashBytesEmpty(t *testing.T) {
	if got := HashBytes(nil); got != emptyDigest {
		t.Fatalf("HashBytes(nil) = %s, want %s", got, emptyDigest)
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	content := []byte("cargo fmt -- --check\nok\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if want := HashBytes(content); got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
	if HashString(string(content)) != got {
		t.Errorf("HashString disagrees with HashFile")
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
