// upload.go - Multipart upload handler.
package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"file-drop/internal/filestore"
)

const (
	notesField    = "notes"
	maxNotesBytes = 1 << 20

	reasonNoFileProvided = "No file provided"
	reasonMalformed      = "Malformed upload"
	reasonNotesTooLong   = "Notes too long"
)

// uploadResponse is the JSON body of an accepted upload. Filename repeats
// the first stored name for clients that send a single file.
type uploadResponse struct {
	Success    bool                  `json:"success"`
	Message    string                `json:"message"`
	Filename   string                `json:"filename"`
	Files      []string              `json:"files"`
	NotesSaved bool                  `json:"notes_saved"`
	Details    []filestore.SavedFile `json:"details"`
}

// handleUpload handles POST /upload. Every file part of the multipart body
// is staged; the batch is committed only when the whole body was read and
// every part was accepted.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.ContentLength > s.cfg.MaxRequestBytes {
		s.failUpload(w, r, &http.MaxBytesError{Limit: s.cfg.MaxRequestBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)

	batch := s.store.NewBatch()
	defer batch.Abort()

	notes, err := readUploadParts(r, batch)
	if err == nil && batch.Len() == 0 {
		err = &filestore.ClientInputError{Reason: reasonNoFileProvided}
	}
	if err != nil {
		s.failUpload(w, r, err)
		return
	}

	batch.SetNotes(notes)
	saved, err := batch.Commit()
	s.afterCommit(r, saved, batch.NotesSaved())
	if err != nil {
		s.failUpload(w, r, err)
		return
	}

	var total int64
	names := make([]string, 0, len(saved))
	for _, f := range saved {
		names = append(names, f.Name)
		total += f.Size
	}
	s.metrics.RecordUpload(len(saved), total, time.Since(start))
	s.requestLogger(r).Info("upload stored",
		zap.Strings("files", names),
		zap.Int64("bytes", total),
		zap.Bool("notes", batch.NotesSaved()))

	msg := "File uploaded successfully"
	if len(saved) > 1 {
		msg = fmt.Sprintf("%d files uploaded successfully", len(saved))
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:    true,
		Message:    msg,
		Filename:   names[0],
		Files:      names,
		NotesSaved: batch.NotesSaved(),
		Details:    saved,
	})
}

// readUploadParts stages every file part into batch and returns the notes
// field. Parts without a filename other than notes are ignored.
func readUploadParts(r *http.Request, batch *filestore.Batch) (string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", &filestore.ClientInputError{Reason: reasonNoFileProvided, Err: err}
	}

	var notes string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return notes, nil
		}
		if err != nil {
			return "", partError(err)
		}

		filename, isFile := partFileName(part)
		switch {
		case isFile:
			err = batch.Add(filename, part)
		case part.FormName() == notesField:
			notes, err = readNotes(part)
		default:
			_, err = io.Copy(io.Discard, part)
			if err != nil {
				err = partError(err)
			}
		}
		_ = part.Close()
		if err != nil {
			return "", err
		}
	}
}

// partFileName reports the raw filename parameter of a part. The
// multipart package's FileName strips directories, which would hide
// Windows paths from the sanitizer.
func partFileName(part *multipart.Part) (string, bool) {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

func readNotes(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxNotesBytes+1))
	if err != nil {
		return "", partError(err)
	}
	if len(b) > maxNotesBytes {
		return "", &filestore.ClientInputError{Reason: reasonNotesTooLong}
	}
	return string(b), nil
}

func partError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return &filestore.ClientInputError{Reason: reasonMalformed, Err: err}
}

func (s *Server) failUpload(w http.ResponseWriter, r *http.Request, err error) {
	status := writeError(w, err)
	log := s.requestLogger(r)
	if status >= http.StatusInternalServerError {
		s.metrics.RecordUploadError()
		log.Error("upload failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.metrics.RecordUploadRejected()
		log.Warn("upload rejected", zap.Int("status", status), zap.Error(err))
	}

	_, body := classifyError(err)
	s.recordAudit(r, AuditEvent{
		Action:     AuditActionUpload,
		StoredName: body.File,
		Success:    false,
		Error:      body.Error,
	})
}

// afterCommit audits and mirrors the files that reached the storage
// directory, including those of a batch whose commit failed midway. A notes
// file that was never written is skipped by the mirror worker.
func (s *Server) afterCommit(r *http.Request, saved []filestore.SavedFile, notesSaved bool) {
	for i, f := range saved {
		s.recordAudit(r, AuditEvent{
			Action:     AuditActionUpload,
			StoredName: f.Name,
			SizeBytes:  f.Size,
			SHA256:     f.SHA256,
			Success:    true,
		})

		if s.mirror == nil {
			continue
		}
		s.mirror.EnqueuePut(f.Name)
		switch {
		case i == 0 && notesSaved:
			s.mirror.EnqueuePut(filestore.NotesName(f.Name))
		case s.store.Naming() == filestore.NamingVerbatim:
			s.mirror.EnqueueRemove(filestore.NotesName(f.Name))
		}
	}
}
