// prometheus.go - Prometheus text exposition of the server counters.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type promWriter struct {
	sb strings.Builder
}

func (p *promWriter) metric(name, typ, help string, value any) {
	fmt.Fprintf(&p.sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(&p.sb, "%s %g\n\n", name, v)
	default:
		fmt.Fprintf(&p.sb, "%s %d\n\n", name, v)
	}
}

// prometheusLabel escapes a label value.
func prometheusLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}

// handleMetrics exports counters, storage gauges and mirror stats.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	var p promWriter

	p.sb.WriteString("# HELP filedrop_info Application version info\n")
	p.sb.WriteString("# TYPE filedrop_info gauge\n")
	fmt.Fprintf(&p.sb, "filedrop_info{version=\"%s\",naming=\"%s\"} 1\n\n",
		prometheusLabel(s.cfg.Version), prometheusLabel(string(s.store.Naming())))

	p.metric("filedrop_requests_total", "counter", "Total number of HTTP requests", snap.RequestsTotal)
	p.metric("filedrop_request_errors_4xx_total", "counter", "HTTP responses with a 4xx status", snap.RequestErrors4xx)
	p.metric("filedrop_request_errors_5xx_total", "counter", "HTTP responses with a 5xx status", snap.RequestErrors5xx)
	p.metric("filedrop_rate_limited_total", "counter", "Requests refused by the rate limiter", snap.RateLimitedTotal)

	p.metric("filedrop_uploads_total", "counter", "Accepted upload requests", snap.UploadsTotal)
	p.metric("filedrop_upload_files_total", "counter", "Files stored by accepted uploads", snap.UploadFilesTotal)
	p.metric("filedrop_upload_bytes_total", "counter", "Bytes stored by accepted uploads", snap.UploadBytesTotal)
	p.metric("filedrop_upload_rejected_total", "counter", "Uploads refused because of client input", snap.UploadRejectedTotal)
	p.metric("filedrop_upload_errors_total", "counter", "Uploads that failed on the server", snap.UploadErrorsTotal)
	p.metric("filedrop_upload_avg_duration_ms", "gauge", "Mean duration of accepted uploads", snap.UploadAvgDurationMs)

	p.metric("filedrop_downloads_total", "counter", "Completed downloads", snap.DownloadsTotal)
	p.metric("filedrop_download_bytes_total", "counter", "Bytes of files served", snap.DownloadBytesTotal)
	p.metric("filedrop_download_not_found_total", "counter", "Downloads of unknown names", snap.DownloadNotFoundTotal)
	p.metric("filedrop_download_errors_total", "counter", "Downloads that failed on the server", snap.DownloadErrorsTotal)
	p.metric("filedrop_deletes_total", "counter", "Files deleted", snap.DeletesTotal)
	p.metric("filedrop_listing_errors_total", "counter", "Listings that could not read the storage directory", snap.ListingErrorsTotal)

	if files, err := s.store.List(r.Context()); err == nil {
		var total int64
		for _, f := range files {
			total += f.Size
		}
		p.metric("filedrop_storage_files", "gauge", "Files currently stored", int64(len(files)))
		p.metric("filedrop_storage_bytes", "gauge", "Bytes currently stored", total)
	}

	if s.mirror != nil {
		ms := s.mirror.Stats()
		p.metric("filedrop_mirror_uploaded_total", "counter", "Objects copied to the mirror", ms.Uploaded)
		p.metric("filedrop_mirror_removed_total", "counter", "Objects removed from the mirror", ms.Removed)
		p.metric("filedrop_mirror_failed_total", "counter", "Mirror jobs that failed", ms.Failed)
		p.metric("filedrop_mirror_dropped_total", "counter", "Mirror jobs dropped on a full queue", ms.Dropped)
		p.metric("filedrop_mirror_queue_length", "gauge", "Mirror jobs waiting", int64(ms.Queued))
	}

	p.metric("filedrop_uptime_seconds", "counter", "Process uptime in seconds", time.Since(s.started).Seconds())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(p.sb.String()))
}
