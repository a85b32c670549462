// Package storage persists rendered documents and source XML under relative paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("object not found")

// ContentStore is durable byte storage addressed by relative, slash-separated paths.
type ContentStore interface {
	// Put stores data under name, replacing any previous object, and returns the
	// relative path callers persist.
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

// CleanName normalizes a relative object name and rejects names that escape the
// store root.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", fmt.Errorf("empty object name")
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("object name %q must be relative", name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object name %q escapes the store root", name)
	}
	return cleaned, nil
}

// URL joins a public base URL and a relative path. An empty base yields the path.
func URL(baseURL, relPath string) string {
	if relPath == "" {
		return ""
	}
	if baseURL == "" {
		return relPath
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(relPath, "/")
}
