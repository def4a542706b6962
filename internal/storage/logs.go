package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const maxNameLength = 48

// LogStorage keeps the combined output of every executed step, one
// zstd-compressed file per step, grouped by run.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a log storage rooted at baseDir.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog stores output for step index (0-based) of a run and returns the
// file path.
func (ls *LogStorage) SaveLog(runID string, index int, step string, output []byte) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}

	filename := fmt.Sprintf("%02d-%s.log.zst", index+1, sanitize(step))
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create log file: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("create log encoder: %w", err)
	}
	if _, err := enc.Write(output); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return "", fmt.Errorf("write log file: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("flush log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close log file: %w", err)
	}
	return path, nil
}

// ReadLog returns the decompressed contents of a log written by SaveLog.
func ReadLog(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open log decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return data, nil
}

// sanitize turns a step name into something safe for a filename.
func sanitize(name string) string {
	var clean strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			clean.WriteRune(r)
		default:
			clean.WriteRune('-')
		}
	}
	out := strings.Trim(clean.String(), "-.")
	if len(out) > maxNameLength {
		out = strings.TrimRight(out[:maxNameLength], "-.")
	}
	if out == "" {
		return "step"
	}
	return out
}
