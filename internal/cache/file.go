package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per fingerprint under Dir, fanned out by the
// first two characters of the fingerprint.
type FileStore struct {
	Dir string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Get implements Store
func (s *FileStore) Get(_ context.Context, fingerprint string) (*Record, error) {
	data, err := os.ReadFile(s.path(fingerprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cache record %s: %w", fingerprint, err)
	}
	return &rec, nil
}

// Put implements Store. The record is written to a temporary file and renamed
// into place, so readers never observe a partial record; the last writer wins.
func (s *FileStore) Put(_ context.Context, rec *Record) error {
	if rec == nil || rec.Fingerprint == "" {
		return fmt.Errorf("cache record has no fingerprint")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	path := s.path(rec.Fingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// Delete implements Store
func (s *FileStore) Delete(_ context.Context, f Filter) (int, error) {
	return s.deleteWhere(f.Match)
}

func (s *FileStore) deleteWhere(match func(*Record) bool) (int, error) {
	n := 0
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() && path == s.bakesDir() {
			return fs.SkipDir
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// Not ours
			return nil
		}
		if !match(&rec) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("scanning cache directory: %w", err)
	}
	return n, nil
}

func (s *FileStore) path(fingerprint string) string {
	name := fingerprint + ".json"
	if len(fingerprint) < 2 {
		return filepath.Join(s.Dir, name)
	}
	return filepath.Join(s.Dir, fingerprint[:2], name)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temporary cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing cache record: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("writing cache record: %w", err)
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing cache record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("committing cache record: %w", err)
	}
	return nil
}
