// batch.go - Staging and atomic commit of one upload request.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxCollisionAttempts bounds the -N suffix search for timestamp names.
const maxCollisionAttempts = 1000

// SavedFile is one committed upload.
type SavedFile struct {
	Name     string `json:"filename"`
	Original string `json:"original"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

type stagedFile struct {
	original string
	clean    string
	tempPath string
	size     int64
	sum      string
}

// Batch stages the files of one upload request. Nothing becomes visible in
// the storage directory until Commit; Abort removes every staged temp file.
// A Batch is not safe for concurrent use.
type Batch struct {
	store  *Store
	at     time.Time
	staged []*stagedFile
	notes  string
	// notesWritten is set once Commit has written the notes artifact.
	notesWritten bool
	closed       bool
}

// NewBatch starts a batch. The timestamp used for naming is taken now.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, at: s.now()}
}

// Len returns the number of staged files.
func (b *Batch) Len() int { return len(b.staged) }

// SetNotes attaches notes to the first file of the batch. Empty notes are
// not written.
func (b *Batch) SetNotes(notes string) { b.notes = notes }

// Add validates originalName and streams r into a staging file. Validation
// happens before anything is written, so a rejected part leaves no trace.
func (b *Batch) Add(originalName string, r io.Reader) error {
	if b.closed {
		return errors.New("filestore: batch already closed")
	}
	if strings.TrimSpace(originalName) == "" {
		return &ClientInputError{Reason: ReasonNoFile}
	}
	clean, err := SanitizeFilename(originalName)
	if err != nil {
		return &ClientInputError{Reason: ReasonInvalidName, Name: originalName, Err: err}
	}
	if IsNotesName(clean) {
		return &ClientInputError{Reason: ReasonReservedName, Name: originalName}
	}
	if !b.store.ExtensionAllowed(clean) {
		return &ClientInputError{Reason: ReasonTypeNotAllow, Name: originalName}
	}
	// Verbatim names would replace each other within the same commit.
	if b.store.naming == NamingVerbatim && b.hasStaged(clean) {
		return &ClientInputError{Reason: ReasonDuplicate, Name: originalName}
	}

	if err := b.store.EnsureDir(); err != nil {
		return err
	}
	tempPath := filepath.Join(b.store.dir, tempPrefix+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return &PartialIOError{Name: clean, Err: err}
	}

	src := &readTracker{r: r}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), src)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return classifyCopyError(clean, originalName, src.err, err)
	}

	b.staged = append(b.staged, &stagedFile{
		original: originalName,
		clean:    clean,
		tempPath: tempPath,
		size:     n,
		sum:      hex.EncodeToString(h.Sum(nil)),
	})
	return nil
}

// classifyCopyError separates failures of the client stream from failures
// of the disk.
func classifyCopyError(clean, original string, readErr, err error) error {
	if readErr == nil {
		return &PartialIOError{Name: clean, Err: err}
	}
	var tooLarge *http.MaxBytesError
	if errors.As(readErr, &tooLarge) {
		return fmt.Errorf("read %s: %w", clean, readErr)
	}
	return &ClientInputError{Reason: ReasonInterrupted, Name: original, Err: readErr}
}

// Commit makes every staged file visible and writes the notes. On a commit
// failure the files committed so far stay in place and the rest are removed.
func (b *Batch) Commit() ([]SavedFile, error) {
	if b.closed {
		return nil, errors.New("filestore: batch already closed")
	}
	defer b.Abort()

	saved := make([]SavedFile, 0, len(b.staged))
	for i, sf := range b.staged {
		name, err := b.commitOne(sf)
		if err != nil {
			return saved, err
		}
		sf.tempPath = ""
		saved = append(saved, SavedFile{Name: name, Original: sf.original, Size: sf.size, SHA256: sf.sum})

		if i == 0 && b.notes != "" {
			if err := b.writeNotes(name); err != nil {
				return saved, &PartialIOError{Name: NotesName(name), Err: err}
			}
			b.notesWritten = true
		} else if b.store.naming == NamingVerbatim {
			// The replaced file's notes no longer describe it.
			err := os.Remove(filepath.Join(b.store.dir, NotesName(name)))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return saved, &PartialIOError{Name: NotesName(name), Err: err}
			}
		}
	}
	return saved, nil
}

// NotesSaved reports whether Commit wrote a notes artifact.
func (b *Batch) NotesSaved() bool { return b.notesWritten }

func (b *Batch) hasStaged(clean string) bool {
	for _, sf := range b.staged {
		if sf.clean == clean {
			return true
		}
	}
	return false
}

func (b *Batch) commitOne(sf *stagedFile) (string, error) {
	if b.store.naming == NamingVerbatim {
		dst := filepath.Join(b.store.dir, sf.clean)
		if err := os.Rename(sf.tempPath, dst); err != nil {
			return "", &PartialIOError{Name: sf.clean, Err: err}
		}
		return sf.clean, nil
	}

	base := b.at.Format(timestampLayout) + sf.clean
	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		name := collisionName(base, attempt)
		dst := filepath.Join(b.store.dir, name)
		if _, err := os.Lstat(dst + NotesSuffix); err == nil {
			continue
		}
		err := os.Link(sf.tempPath, dst)
		if err == nil {
			os.Remove(sf.tempPath)
			return name, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		// Some filesystems refuse hard links; fall back to check-then-rename.
		if _, statErr := os.Lstat(dst); statErr == nil {
			continue
		}
		if err := os.Rename(sf.tempPath, dst); err != nil {
			return "", &PartialIOError{Name: name, Err: err}
		}
		return name, nil
	}
	return "", &PartialIOError{Name: base, Err: errors.New("too many files with the same name")}
}

// collisionName inserts -N before the extension for attempt N > 0.
func collisionName(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), attempt, ext)
}

func (b *Batch) writeNotes(storedName string) error {
	tmp := filepath.Join(b.store.dir, tempPrefix+uuid.NewString()+tempSuffix)
	if err := os.WriteFile(tmp, []byte(b.notes), 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(b.store.dir, NotesName(storedName))); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Abort removes every staged file that has not been committed. It is safe
// to call more than once and after Commit.
func (b *Batch) Abort() {
	b.closed = true
	for _, sf := range b.staged {
		if sf.tempPath != "" {
			os.Remove(sf.tempPath)
			sf.tempPath = ""
		}
	}
}

// readTracker remembers the first read error so copy failures can be
// attributed to the client stream or to the disk.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
