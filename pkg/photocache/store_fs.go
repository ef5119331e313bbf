package photocache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps one JSON file per key inside a single directory.
// It needs no external services and survives restarts, which makes it the
// default backend for local runs. Writes go through a temp file and rename
// so a crash mid-write leaves either the old entry or none at all.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed and returns a store over it.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) entryPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return data, nil
}

func (s *FSStore) Set(ctx context.Context, key string, data []byte) error {
	if err := writeFileAtomic(s.entryPath(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.entryPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *FSStore) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache dir: %w", err)
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete cache entry: %w", err)
		}
	}
	return firstErr
}

func (s *FSStore) Usage(ctx context.Context) (Usage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to list cache dir: %w", err)
	}
	var u Usage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		u.Entries++
		u.Bytes += info.Size()
	}
	return u, nil
}

// writeFileAtomic writes data to a hidden temp file in the target directory,
// fsyncs it, and renames it into place. Readers never observe a partial
// entry and a crash cannot corrupt an existing one.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""

	// Directory sync is best effort; the rename already happened.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
