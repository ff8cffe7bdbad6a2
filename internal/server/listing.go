// listing.go - Upload listing as an HTML page or JSON.
package server

import (
	"bytes"
	"embed"
	"html/template"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"file-drop/internal/filestore"
)

//go:embed templates/index.html
var templateFS embed.FS

const uploadTimeLayout = "2006-01-02 15:04:05"

const listingUnavailable = "Storage directory could not be read"

func parseTemplates() *template.Template {
	return template.Must(template.New("index.html").Funcs(template.FuncMap{
		"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
		"ago":   humanize.Time,
		"stamp": func(t time.Time) string { return t.Format(uploadTimeLayout) },
	}).ParseFS(templateFS, "templates/index.html"))
}

// fileEntry is one row of the JSON listing.
type fileEntry struct {
	Filename   string  `json:"filename"`
	Size       int64   `json:"size"`
	UploadTime string  `json:"upload_time"`
	Notes      *string `json:"notes"`
}

// listingResponse degrades to an empty list plus an error message when the
// storage directory cannot be read.
type listingResponse struct {
	Files []fileEntry `json:"files"`
	Error string      `json:"error,omitempty"`
}

type indexPage struct {
	Base  string
	Files []filestore.StoredFile
	Error string
}

func (s *Server) listFiles(r *http.Request) ([]filestore.StoredFile, string) {
	files, err := s.store.List(r.Context())
	if err != nil {
		s.metrics.RecordListingError()
		s.requestLogger(r).Error("listing failed", zap.Error(err))
		return []filestore.StoredFile{}, listingUnavailable
	}
	return files, ""
}

// handleUploadStatus handles GET /upload-status.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	files, errMsg := s.listFiles(r)
	resp := listingResponse{Files: make([]fileEntry, 0, len(files)), Error: errMsg}
	for _, f := range files {
		resp.Files = append(resp.Files, fileEntry{
			Filename:   f.Name,
			Size:       f.Size,
			UploadTime: f.CreatedAt.Format(uploadTimeLayout),
			Notes:      f.Notes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIndex renders the listing page, or the JSON listing for API clients.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		s.handleUploadStatus(w, r)
		return
	}

	files, errMsg := s.listFiles(r)
	var buf bytes.Buffer
	err := s.tmpl.Execute(&buf, indexPage{
		Base:  s.cfg.BasePath,
		Files: files,
		Error: errMsg,
	})
	if err != nil {
		s.requestLogger(r).Error("render index", zap.Error(err))
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accept))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
