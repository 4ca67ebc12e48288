package securestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	filePermissions os.FileMode = 0600
	dirPermissions  os.FileMode = 0700

	plainSuffix     = ".dat"
	sensitiveSuffix = ".sec"
)

// FileSystemStore implements Store on the local filesystem. Each entry is a
// single file whose name is the base64url-encoded key, so arbitrary key
// strings (including the engine's "archived-key:<id>:<ts>" ids) map to safe
// file names. Writes go through a temp file and rename so a crash never
// leaves a half-written entry behind.
type FileSystemStore struct {
	basePath string
	tempDir  string
}

// NewFileSystemStore initializes the store rooted at basePath, creating the
// directory tree with owner-only permissions.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath: basePath,
		tempDir:  filepath.Join(basePath, "temp"),
	}

	for _, dir := range []string{fs.basePath, fs.tempDir} {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

func (fs *FileSystemStore) entryPath(key string, sensitive bool) string {
	name := base64.URLEncoding.EncodeToString([]byte(key))
	if sensitive {
		return filepath.Join(fs.basePath, name+sensitiveSuffix)
	}
	return filepath.Join(fs.basePath, name+plainSuffix)
}

func (fs *FileSystemStore) Store(ctx context.Context, key, value string, sensitive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	// A key may move between sensitive and plain classification; drop the
	// stale counterpart so Retrieve never sees two generations.
	other := fs.entryPath(key, !sensitive)
	if _, err := os.Stat(other); err == nil {
		_ = os.Remove(other)
	}

	return fs.writeSecureFile(fs.entryPath(key, sensitive), []byte(value))
}

func (fs *FileSystemStore) Retrieve(ctx context.Context, key string, sensitive bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Preferred classification first, then the other suffix: callers are not
	// required to remember how an entry was originally stored.
	paths := []string{fs.entryPath(key, sensitive), fs.entryPath(key, !sensitive)}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read entry %s: %w", key, err)
		}
	}
	return "", ErrNotFound
}

func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var firstErr error
	for _, sensitive := range []bool{false, true} {
		if err := os.Remove(fs.entryPath(key, sensitive)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete entry %s: %w", key, err)
			}
		}
	}
	return firstErr
}

func (fs *FileSystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var encoded string
		switch {
		case strings.HasSuffix(name, plainSuffix):
			encoded = strings.TrimSuffix(name, plainSuffix)
		case strings.HasSuffix(name, sensitiveSuffix):
			encoded = strings.TrimSuffix(name, sensitiveSuffix)
		default:
			continue
		}

		decoded, err := base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			// Foreign file in the store directory; ignore it.
			continue
		}
		key := string(decoded)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("store path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// writeSecureFile writes data with owner-only permissions via a temp file and
// atomic rename.
func (fs *FileSystemStore) writeSecureFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(fs.tempDir, "entry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err = tmp.Chmod(filePermissions); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync entry: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize entry: %w", err)
	}
	return nil
}
