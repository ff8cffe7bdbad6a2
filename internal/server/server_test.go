package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"file-drop/internal/filestore"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 45, 0, time.Local)

const stampPrefix = "20240301_123045_"

func newTestStore(t *testing.T, mutate func(*filestore.Options)) *filestore.Store {
	t.Helper()
	opts := filestore.Options{Dir: t.TempDir(), Now: func() time.Time { return fixedNow }}
	if mutate != nil {
		mutate(&opts)
	}
	store, err := filestore.New(opts)
	require.NoError(t, err)
	require.NoError(t, store.EnsureDir())
	return store
}

func newTestServer(t *testing.T, store *filestore.Store, mutate func(*Config)) *Server {
	t.Helper()
	if store == nil {
		store = newTestStore(t, nil)
	}
	cfg := Config{Addr: ":0", Version: "test", Store: store}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

type testFile struct {
	field    string
	name     string
	contents []byte
}

func file(name, contents string) testFile {
	return testFile{field: "file", name: name, contents: []byte(contents)}
}

func uploadRequest(t *testing.T, path, notes string, files ...testFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = w.Write(f.contents)
		require.NoError(t, err)
	}
	if notes != "" {
		require.NoError(t, mw.WriteField("notes", notes))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func visibleFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := serve(s, uploadRequest(t, "/upload", "final draft", file("report.txt", "quarterly numbers")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON[uploadResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "File uploaded successfully", resp.Message)
	assert.Equal(t, stampPrefix+"report.txt", resp.Filename)
	assert.Equal(t, []string{stampPrefix + "report.txt"}, resp.Files)
	assert.True(t, resp.NotesSaved)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, int64(len("quarterly numbers")), resp.Details[0].Size)
	assert.Len(t, resp.Details[0].SHA256, 64)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/upload-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeJSON[listingResponse](t, rec)
	require.Len(t, listing.Files, 1)
	got := listing.Files[0]
	assert.Equal(t, stampPrefix+"report.txt", got.Filename)
	assert.Equal(t, int64(17), got.Size)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "final draft", *got.Notes)
	_, err := time.ParseInLocation(uploadTimeLayout, got.UploadTime, time.Local)
	assert.NoError(t, err)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/download/"+got.Filename, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quarterly numbers", rec.Body.String())
	assert.Equal(t, `attachment; filename=`+stampPrefix+"report.txt", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "17", rec.Header().Get("Content-Length"))
}

func TestUploadMultipleFiles(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := uploadRequest(t, "/upload", "",
		testFile{field: "file[0]", name: "a.txt", contents: []byte("a")},
		testFile{field: "file[1]", name: "b.pdf", contents: []byte("bb")},
	)
	rec := serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON[uploadResponse](t, rec)
	assert.Equal(t, "2 files uploaded successfully", resp.Message)
	assert.Equal(t, []string{stampPrefix + "a.txt", stampPrefix + "b.pdf"}, resp.Files)
	assert.False(t, resp.NotesSaved)
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name      string
		req       func(t *testing.T) *http.Request
		wantError string
		wantFile  string
	}{
		{
			name:      "empty filename",
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "/upload", "", file("", "data")) },
			wantError: filestore.ReasonNoFile,
		},
		{
			name:      "disallowed extension",
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "/upload", "", file("tool.exe", "MZ")) },
			wantError: filestore.ReasonTypeNotAllow,
			wantFile:  "tool.exe",
		},
		{
			name:      "reserved notes name",
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "/upload", "", file("x_notes.txt", "n")) },
			wantError: filestore.ReasonReservedName,
			wantFile:  "x_notes.txt",
		},
		{
			name:      "notes without a file",
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "/upload", "just notes") },
			wantError: reasonNoFileProvided,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantError: reasonNoFileProvided,
		},
		{
			name: "one bad part rejects the batch",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/upload", "", file("ok.txt", "fine"), file("bad.exe", "MZ"))
			},
			wantError: filestore.ReasonTypeNotAllow,
			wantFile:  "bad.exe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, nil)
			s := newTestServer(t, store, nil)

			rec := serve(s, tt.req(t))
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeJSON[errorResponse](t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantFile, body.File)

			assert.Empty(t, visibleFiles(t, store.Dir()), "rejected upload must leave the directory untouched")
			assert.Equal(t, int64(1), s.metrics.Snapshot().UploadRejectedTotal)
		})
	}
}

func TestVerbatimUploadWithRepeatedName(t *testing.T) {
	store := newTestStore(t, func(o *filestore.Options) { o.Naming = filestore.NamingVerbatim })
	s := newTestServer(t, store, nil)

	rec := serve(s, uploadRequest(t, "/upload", "n", file("a.txt", "one"), file("a.txt", "two")))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, filestore.ReasonDuplicate, decodeJSON[errorResponse](t, rec).Error)
	assert.Empty(t, visibleFiles(t, store.Dir()))

	rec = serve(s, uploadRequest(t, "/upload", "n", file("a.txt", "one")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[uploadResponse](t, rec)
	assert.Equal(t, []string{"a.txt"}, resp.Files)
	assert.True(t, resp.NotesSaved)
	assert.FileExists(t, filepath.Join(store.Dir(), filestore.NotesName("a.txt")))
}

func TestUploadTooLarge(t *testing.T) {
	big := strings.Repeat("x", 4096)

	t.Run("content length over the cap", func(t *testing.T) {
		store := newTestStore(t, nil)
		s := newTestServer(t, store, func(c *Config) { c.MaxRequestBytes = 1024 })

		rec := serve(s, uploadRequest(t, "/upload", "", file("big.txt", big)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "File too large", decodeJSON[errorResponse](t, rec).Error)
		assert.Empty(t, visibleFiles(t, store.Dir()))
	})

	t.Run("cap trips mid stream", func(t *testing.T) {
		store := newTestStore(t, nil)
		s := newTestServer(t, store, func(c *Config) { c.MaxRequestBytes = 1024 })

		req := uploadRequest(t, "/upload", "", file("big.txt", big))
		req.ContentLength = -1
		rec := serve(s, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, visibleFiles(t, store.Dir()), "staged temp file must be removed")
	})
}

func TestConcurrentUploadsSameName(t *testing.T) {
	store := newTestStore(t, nil)
	s := newTestServer(t, store, nil)
	h := s.Handler()

	const n = 4
	reqs := make([]*http.Request, n)
	for i := range reqs {
		reqs[i] = uploadRequest(t, "/upload", "", file("same.txt", fmt.Sprintf("upload %d", i)))
	}

	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, reqs[i])
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "upload %d", i)
	}
	files, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, n, "every concurrent upload is kept")
}

func TestDownloadNotFound(t *testing.T) {
	store := newTestStore(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "report.txt"), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "report.txt_notes.txt"), []byte("n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), ".hidden"), []byte("h"), 0o644))
	s := newTestServer(t, store, nil)

	for _, path := range []string{
		"/download/missing.txt",
		"/download/..%2F..%2Fetc%2Fpasswd",
		"/download/..%5Creport.txt",
		"/download/report.txt_notes.txt",
		"/download/.hidden",
	} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "File not found", decodeJSON[errorResponse](t, rec).Error, path)
	}
	assert.Equal(t, int64(5), s.metrics.Snapshot().DownloadNotFoundTotal)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/download/report.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDownloadRange(t *testing.T) {
	store := newTestStore(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "digits.txt"), []byte("0123456789"), 0o644))
	s := newTestServer(t, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/download/digits.txt", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := serve(s, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
}

func TestAttachmentDispositionEncodesNonASCII(t *testing.T) {
	v := attachmentDisposition("résumé.pdf")
	assert.True(t, strings.HasPrefix(v, "attachment; filename*=utf-8''"), v)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, nil)
	s := newTestServer(t, store, nil)

	rec := serve(s, uploadRequest(t, "/upload", "remove me", file("old.txt", "old")))
	require.Equal(t, http.StatusOK, rec.Code)
	name := decodeJSON[uploadResponse](t, rec).Filename

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/files/"+name, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, visibleFiles(t, store.Dir()), "file and notes are removed")

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/files/"+name, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/files/"+name, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIndexPage(t *testing.T) {
	store := newTestStore(t, nil)
	s := newTestServer(t, store, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "No files uploaded yet.")

	rec = serve(s, uploadRequest(t, "/upload", "see <b>here</b>", file("photo.png", "png")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `href="/download/`+stampPrefix+`photo.png"`)
	assert.Contains(t, body, "see &lt;b&gt;here&lt;/b&gt;", "notes are escaped")
	assert.Contains(t, body, `data-upload-url="/upload"`)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec = serve(s, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, decodeJSON[listingResponse](t, rec).Files, 1)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/?format=json", nil))
	assert.Len(t, decodeJSON[listingResponse](t, rec).Files, 1)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListingDegradesWhenDirectoryUnreadable(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))
	store, err := filestore.New(filestore.Options{Dir: notADir})
	require.NoError(t, err)
	s := newTestServer(t, store, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/upload-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeJSON[listingResponse](t, rec)
	assert.NotNil(t, listing.Files)
	assert.Empty(t, listing.Files)
	assert.Equal(t, listingUnavailable, listing.Error)
	assert.Contains(t, rec.Body.String(), `"files":[]`)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), listingUnavailable)

	rec = serve(s, uploadRequest(t, "/upload", "", file("a.txt", "a")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Storage unavailable", decodeJSON[errorResponse](t, rec).Error)
	assert.NotContains(t, rec.Body.String(), notADir, "absolute paths never reach clients")

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBasePath(t *testing.T) {
	s := newTestServer(t, nil, func(c *Config) { c.BasePath = "/drop/" })

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/drop", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/drop/", rec.Header().Get("Location"))

	rec = serve(s, uploadRequest(t, "/drop/upload", "", file("a.txt", "a")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/drop/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="/drop/download/`+stampPrefix+`a.txt"`)
	assert.Contains(t, rec.Body.String(), `data-upload-url="/drop/upload"`)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/drop/download/"+stampPrefix+"a.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/upload-status", "/dropper/upload-status"} {
		rec = serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHealthEndpoints(t *testing.T) {
	audit := &fakeAudit{}
	s := newTestServer(t, nil, func(c *Config) { c.Audit = audit })

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[Health](t, rec)
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, ComponentStatusUp, health.Components["storage"].Status)
	assert.Equal(t, ComponentStatusUp, health.Components["database"].Status)
	assert.NotContains(t, health.Components, "mirror")

	audit.pingErr = fmt.Errorf("connection refused")
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "a down audit database only degrades")
	assert.Equal(t, HealthStatusDegraded, decodeJSON[Health](t, rec).Status)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := serve(s, uploadRequest(t, "/upload", "", file("a.txt", "abc")))
	require.Equal(t, http.StatusOK, rec.Code)
	serve(s, httptest.NewRequest(http.MethodGet, "/download/missing.txt", nil))

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, body, `filedrop_info{version="test",naming="timestamp"} 1`)
	assert.Contains(t, body, "filedrop_uploads_total 1\n")
	assert.Contains(t, body, "filedrop_upload_bytes_total 3\n")
	assert.Contains(t, body, "filedrop_download_not_found_total 1\n")
	assert.Contains(t, body, "filedrop_storage_files 1\n")
	assert.Contains(t, body, "filedrop_storage_bytes 3\n")
	assert.Contains(t, body, "filedrop_request_errors_4xx_total 1\n")
	assert.NotContains(t, body, "filedrop_mirror_")
}

type fakeAudit struct {
	mu      sync.Mutex
	events  []AuditEvent
	pingErr error
}

func (f *fakeAudit) Record(ctx context.Context, ev AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	ev.CreatedAt = time.Now()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAudit) Recent(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []AuditEvent{}
	for i := len(f.events) - 1; i >= 0; i-- {
		ev := f.events[i]
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, ev.Action) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAudit) Ping(ctx context.Context) error { return f.pingErr }

func containsAction(actions []AuditAction, a AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func TestAuditTrail(t *testing.T) {
	audit := &fakeAudit{}
	s := newTestServer(t, nil, func(c *Config) {
		c.Audit = audit
		c.TrustedProxies = []string{"192.0.2.1", "10.0.0.0/8"}
	})

	req := uploadRequest(t, "/upload", "", file("a.txt", "abc"))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("X-Request-Id", "req-42")
	rec := serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	name := decodeJSON[uploadResponse](t, rec).Filename

	serve(s, uploadRequest(t, "/upload", "", file("a.exe", "MZ")))
	serve(s, httptest.NewRequest(http.MethodGet, "/download/"+name, nil))
	serve(s, httptest.NewRequest(http.MethodDelete, "/files/"+name, nil))

	require.Len(t, audit.events, 4)
	up := audit.events[0]
	assert.Equal(t, AuditActionUpload, up.Action)
	assert.True(t, up.Success)
	assert.Equal(t, name, up.StoredName)
	assert.Equal(t, int64(3), up.SizeBytes)
	assert.Len(t, up.SHA256, 64)
	assert.Equal(t, "203.0.113.7", up.ClientIP)
	assert.Equal(t, "req-42", up.RequestID)

	rejected := audit.events[1]
	assert.False(t, rejected.Success)
	assert.Equal(t, filestore.ReasonTypeNotAllow, rejected.Error)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/audit?action=upload&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events []AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, AuditActionUpload, page.Events[0].Action)
	assert.False(t, page.Events[0].Success, "newest upload event first")

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/audit?action=login", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/audit?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditDisabled(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadsAreMirrored(t *testing.T) {
	store := newTestStore(t, func(o *filestore.Options) { o.Naming = filestore.NamingVerbatim })
	objects := newFakeObjectStore()
	mirror := newMirror(objects, MirrorConfig{Bucket: "drop", Prefix: "backup"}, store.Dir(), nil)
	s := newTestServer(t, store, func(c *Config) { c.Mirror = mirror })

	rec := serve(s, uploadRequest(t, "/upload", "v1 notes", file("doc.pdf", "%PDF-1"), file("img.png", "png")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, ComponentStatusUp, decodeJSON[Health](t, rec).Components["mirror"].Status)

	require.Eventually(t, func() bool { return mirror.Stats().Uploaded == 3 }, 2*time.Second, 5*time.Millisecond)
	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/files/img.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mirror.Close(context.Background()))

	data, ok := objects.object("drop/backup/doc.pdf")
	require.True(t, ok)
	assert.Equal(t, "%PDF-1", string(data))
	notes, ok := objects.object("drop/backup/doc.pdf_notes.txt")
	require.True(t, ok)
	assert.Equal(t, "v1 notes", string(notes))
	_, ok = objects.object("drop/backup/img.png")
	assert.False(t, ok, "deleted files are removed from the mirror")

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "filedrop_mirror_uploaded_total 3\n")
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/upload-status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	h := rec.Header()
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
	assert.Empty(t, h.Get("Strict-Transport-Security"))
	assert.NotEmpty(t, h.Get("X-Request-Id"))

	assert.Equal(t, "gzip", h.Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":[]}`, string(plain))

	req = httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = serve(s, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func TestRateLimitedServer(t *testing.T) {
	limiter := NewMemoryLimiter(1, time.Minute)
	defer limiter.Close()
	s := newTestServer(t, nil, func(c *Config) { c.Limiter = limiter })

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/upload-status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/upload-status", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "probes are exempt")
	assert.Equal(t, int64(1), s.metrics.Snapshot().RateLimitedTotal)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, nil, func(c *Config) { c.AllowedOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodGet, "/upload-status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := serve(s, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/upload-status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := newTestServer(t, nil, func(c *Config) { c.Logger = zap.New(core) })

	req := httptest.NewRequest(http.MethodGet, "/download/missing.txt", nil)
	req.Header.Set("X-Request-Id", "trace-me")
	serve(s, req)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "trace-me", fields["request_id"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.Equal(t, "/download/missing.txt", fields["path"])
}

func TestServerStartAndShutdown(t *testing.T) {
	s := newTestServer(t, nil, func(c *Config) { c.Addr = "127.0.0.1:0" })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
