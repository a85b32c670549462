package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalStore keeps objects as files under a base directory.
type LocalStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalStore returns a store rooted at baseDir. The directory is created on first write.
func NewLocalStore(baseDir string, logger *zap.Logger) *LocalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{baseDir: baseDir, logger: logger}
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, full, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	parentDir := filepath.Dir(full)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		s.logger.Error("failed to create parent directories",
			zap.String("path", parentDir),
			zap.Error(err))
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		s.logger.Error("failed to write file",
			zap.String("path", full),
			zap.Error(err))
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	s.logger.Debug("file saved",
		zap.String("path", rel),
		zap.Int("size", len(data)),
		zap.String("content_type", contentType))
	return rel, nil
}

func (s *LocalStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	s.logger.Debug("file deleted", zap.String("path", rel))
	return nil
}

// ValidatePath checks that fullPath stays within the base directory.
func (s *LocalStore) ValidatePath(fullPath string) error {
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", fullPath)
	}
	return nil
}

func (s *LocalStore) resolve(name string) (rel, full string, err error) {
	rel, err = CleanName(name)
	if err != nil {
		return "", "", err
	}
	full = filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if err := s.ValidatePath(full); err != nil {
		return "", "", err
	}
	return rel, full, nil
}
