// download.go - File download and delete handlers.
package server

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"file-drop/internal/filestore"
)

// contentTypeFor guesses a media type from the stored name.
func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// attachmentDisposition builds a Content-Disposition header that survives
// non-ASCII names.
func attachmentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

// handleDownload handles GET /download/{name}. Names are re-sanitized by the
// store, so anything that is not a listed file is a 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	log := s.requestLogger(r).With(zap.String("file", name))

	f, info, err := s.store.Open(name)
	if err != nil {
		status := writeError(w, err)
		if errors.Is(err, filestore.ErrNotFound) {
			s.metrics.RecordDownloadNotFound()
			log.Debug("download not found")
		} else {
			s.metrics.RecordDownloadError()
			log.Error("download failed", zap.Int("status", status), zap.Error(err))
		}
		s.recordAudit(r, AuditEvent{
			Action:     AuditActionDownload,
			StoredName: name,
			Error:      http.StatusText(status),
		})
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", contentTypeFor(info.Name()))
	h.Set("Content-Disposition", attachmentDisposition(info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)

	s.metrics.RecordDownload(info.Size())
	s.recordAudit(r, AuditEvent{
		Action:     AuditActionDownload,
		StoredName: info.Name(),
		SizeBytes:  info.Size(),
		Success:    true,
	})
}

// handleDelete handles DELETE /files/{name}, removing the file and its notes.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	log := s.requestLogger(r).With(zap.String("file", name))

	if err := s.store.Delete(name); err != nil {
		status := writeError(w, err)
		if status >= http.StatusInternalServerError {
			log.Error("delete failed", zap.Error(err))
		}
		s.recordAudit(r, AuditEvent{
			Action:     AuditActionDelete,
			StoredName: name,
			Error:      http.StatusText(status),
		})
		return
	}

	s.metrics.RecordDelete()
	log.Info("file deleted")
	s.recordAudit(r, AuditEvent{Action: AuditActionDelete, StoredName: name, Success: true})
	if s.mirror != nil {
		s.mirror.EnqueueRemove(name)
		s.mirror.EnqueueRemove(filestore.NotesName(name))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "filename": name})
}
