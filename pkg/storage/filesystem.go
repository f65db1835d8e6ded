package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefScheme prefixes references produced by LocalStorage.
const RefScheme = "local://"

// ErrInvalidRef is returned for references that are not owned by this store.
var ErrInvalidRef = errors.New("invalid storage reference")

var extensions = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/mpeg":  ".mp3",
	"audio/ogg":   ".ogg",
	"audio/webm":  ".webm",
	"audio/mp4":   ".m4a",
}

// LocalStorage persists audio blobs on disk under a base directory.
type LocalStorage struct {
	baseDir string
	now     func() time.Time
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./blobs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob directory: %w", err)
	}
	return &LocalStorage{baseDir: abs, now: time.Now}, nil
}

// Store writes data under recordings/YYYY/MM and returns an opaque reference.
func (s *LocalStorage) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("store blob: empty payload")
	}
	now := s.now().UTC()
	rel := filepath.ToSlash(filepath.Join(
		"recordings",
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		uuid.NewString()+extensionFor(contentType),
	))
	path := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return RefScheme + rel, nil
}

// Open returns a read-only handle for the referenced blob.
func (s *LocalStorage) Open(ref string) (*os.File, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

// Delete removes a stored blob if present.
func (s *LocalStorage) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *LocalStorage) resolve(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", ErrInvalidRef
	}
	rel := filepath.FromSlash(strings.TrimPrefix(ref, RefScheme))
	path := filepath.Join(s.baseDir, rel)
	if path != s.baseDir && !strings.HasPrefix(path, s.baseDir+string(filepath.Separator)) {
		return "", ErrInvalidRef
	}
	return path, nil
}

func extensionFor(contentType string) string {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if ext, ok := extensions[strings.ToLower(base)]; ok {
		return ext
	}
	return ".bin"
}

// ContentTypeFor guesses the MIME type of a stored blob from its extension.
func ContentTypeFor(ref string) string {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
