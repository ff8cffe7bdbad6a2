// compression.go - gzip compression for pages and JSON responses.
package server

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// compressionResponseWriter defers the decision to compress until the
// handler has chosen a status and headers.
type compressionResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
	compress    bool
}

func (crw *compressionResponseWriter) WriteHeader(code int) {
	if crw.wroteHeader {
		return
	}
	crw.wroteHeader = true
	h := crw.Header()
	if code != http.StatusNoContent && code != http.StatusNotModified &&
		code >= http.StatusOK && h.Get("Content-Encoding") == "" {
		crw.compress = true
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
	}
	crw.ResponseWriter.WriteHeader(code)
}

func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	if !crw.wroteHeader {
		if crw.Header().Get("Content-Type") == "" {
			crw.Header().Set("Content-Type", http.DetectContentType(b))
		}
		crw.WriteHeader(http.StatusOK)
	}
	if crw.compress {
		return crw.gz.Write(b)
	}
	return crw.ResponseWriter.Write(b)
}

func (crw *compressionResponseWriter) close() error {
	if crw.compress {
		return crw.gz.Close()
	}
	return nil
}

// compressionMiddleware gzips responses for clients that accept it.
func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		crw := &compressionResponseWriter{ResponseWriter: w, gz: gzip.NewWriter(w)}
		defer crw.close()
		next.ServeHTTP(crw, r)
	})
}

// acceptsCompression checks if the client accepts gzip encoding.
func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression reports requests whose bodies are stored files,
// which ServeContent serves with ranges and exact lengths.
func shouldSkipCompression(r *http.Request) bool {
	if r.Method == http.MethodHead {
		return true
	}
	path := r.URL.Path
	if strings.HasPrefix(path, "/download/") {
		return true
	}
	if path == "/upload" && r.Method == http.MethodPost {
		return true
	}
	return false
}
