package securestore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Retrieve when the key has no stored value.
var (
	ErrNotFound    = errors.New("key not found in secure storage")
	ErrStoreClosed = errors.New("secure storage is closed")
)

// Store defines the interface the encryption engine persists through. It is
// an opaque, possibly-unreliable key-value backend: every method may fail or
// the backend may be entirely unavailable, and the engine layers its own
// fallback behaviour on top. Values are already encrypted or wrapped by the
// engine; the sensitive flag only lets a backend apply stricter handling
// (restrictive permissions, separate prefixes, server-side encryption).
type Store interface {

	// Store persists value under key. Sensitive entries get the backend's
	// strictest available handling.
	Store(ctx context.Context, key, value string, sensitive bool) error

	// Retrieve returns the value stored under key, or ErrNotFound.
	Retrieve(ctx context.Context, key string, sensitive bool) (string, error)

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all stored keys beginning with prefix. An empty prefix
	// lists everything.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping tests connectivity for remote backends.
	Ping(ctx context.Context) error

	// Close releases any resources the store holds.
	Close() error

	// GetType identifies the backend ("filesystem", "memory", "s3").
	GetType() string
}

// StoreType represents the supported storage backends.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeMemory     StoreType = "memory"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	// Type must be one of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings, e.g. "base_path" for the
	// filesystem store or "endpoint"/"bucket" for s3.
	Config map[string]interface{} `json:"config"`
}

// NewStore is the factory for storage backends.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
