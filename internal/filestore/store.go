// store.go - Listing, opening and deleting stored files.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	tempPrefix = ".upload-"
	tempSuffix = ".part"
)

// Store is a flat directory of uploaded files. It holds no index; every
// read goes to the filesystem, so several processes may share a directory.
type Store struct {
	dir     string
	policy  ExtensionPolicy
	allowed map[string]bool
	naming  NamingPolicy
	now     func() time.Time
}

// StoredFile describes one listed file.
type StoredFile struct {
	Name      string
	Size      int64
	CreatedAt time.Time
	Notes     *string
}

// New validates opts and returns a Store. The directory is not touched;
// call EnsureDir at startup.
func New(opts Options) (*Store, error) {
	if err := opts.normalise(); err != nil {
		return nil, err
	}
	return &Store{
		dir:     filepath.Clean(opts.Dir),
		policy:  opts.ExtensionPolicy,
		allowed: allowSet(opts.AllowedExtensions),
		naming:  opts.Naming,
		now:     opts.Now,
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// Naming returns the configured naming policy.
func (s *Store) Naming() NamingPolicy { return s.naming }

// EnsureDir creates the storage directory if it is missing.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorageUnavailable, s.dir, err)
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrStorageUnavailable, s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrStorageUnavailable, s.dir)
	}
	return nil
}

// ExtensionAllowed reports whether the current policy accepts name.
func (s *Store) ExtensionAllowed(name string) bool {
	if s.policy == ExtensionAny {
		return true
	}
	return s.allowed[Extension(name)]
}

// List scans the storage directory and returns every visible file, newest
// first. Entries that vanish or cannot be stat'ed mid-scan are skipped.
// A missing directory is recreated and reported as empty.
func (s *Store) List(ctx context.Context) ([]StoredFile, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.EnsureDir(); err != nil {
			return nil, err
		}
		return []StoredFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, s.dir, err)
	}

	files := make([]StoredFile, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if isHidden(name) || IsNotesName(name) || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StoredFile{
			Name:      name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Notes:     s.readNotes(name),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.After(files[j].CreatedAt)
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// readNotes returns nil when no notes artifact exists or it is unreadable.
func (s *Store) readNotes(storedName string) *string {
	data, err := os.ReadFile(filepath.Join(s.dir, NotesName(storedName)))
	if err != nil {
		return nil
	}
	notes := string(data)
	return &notes
}

// resolve maps a client supplied stored name onto a path in the directory.
// Anything that sanitization would change is treated as not found, which
// rejects separators, traversal and hidden files in one check.
func (s *Store) resolve(name string) (string, error) {
	if len(name) > maxStoredNameBytes {
		return "", ErrNotFound
	}
	clean, err := cleanFilename(name)
	if err != nil || clean != name || IsNotesName(name) {
		return "", ErrNotFound
	}
	return filepath.Join(s.dir, clean), nil
}

// Open opens a stored file for reading. The caller closes the file.
func (s *Store) Open(name string) (*os.File, fs.FileInfo, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Delete removes a stored file and its notes artifact.
func (s *Store) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return ErrNotFound
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	if err := os.Remove(path + NotesSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove notes for %s: %w", name, err)
	}
	return nil
}

// RemoveStaleTemps deletes staging files older than maxAge left behind by
// crashed or killed requests. It returns the number removed.
func (s *Store) RemoveStaleTemps(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, s.dir, err)
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, tempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Writable creates and removes a probe file to check the directory accepts writes.
func (s *Store) Writable(probeID string) error {
	path := filepath.Join(s.dir, ".health-"+probeID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	f.Close()
	return os.Remove(path)
}
