// metrics.go - In-process request and transfer counters.
package server

import (
	"sync"
	"time"
)

// Metrics holds request and transfer counters for one Server.
type Metrics struct {
	mu sync.RWMutex

	// Upload metrics
	uploadsTotal        int64
	uploadFilesTotal    int64
	uploadBytesTotal    int64
	uploadRejectedTotal int64
	uploadErrorsTotal   int64
	uploadDurationTotal time.Duration

	// Download metrics
	downloadsTotal        int64
	downloadBytesTotal    int64
	downloadNotFoundTotal int64
	downloadErrorsTotal   int64

	deletesTotal int64

	// System metrics
	requestsTotal      int64
	requestErrors5xx   int64
	requestErrors4xx   int64
	rateLimitedTotal   int64
	listingErrorsTotal int64
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpload records one accepted upload request carrying files files.
func (m *Metrics) RecordUpload(files int, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadFilesTotal += int64(files)
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

// RecordUploadRejected records an upload refused because of client input.
func (m *Metrics) RecordUploadRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadRejectedTotal++
}

// RecordUploadError records an upload that failed on the server side.
func (m *Metrics) RecordUploadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
}

func (m *Metrics) RecordDownload(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
	m.downloadBytesTotal += bytes
}

func (m *Metrics) RecordDownloadNotFound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadNotFoundTotal++
}

func (m *Metrics) RecordDownloadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErrorsTotal++
}

func (m *Metrics) RecordDelete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletesTotal++
}

func (m *Metrics) RecordRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitedTotal++
}

func (m *Metrics) RecordListingError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listingErrorsTotal++
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		UploadsTotal:          m.uploadsTotal,
		UploadFilesTotal:      m.uploadFilesTotal,
		UploadBytesTotal:      m.uploadBytesTotal,
		UploadRejectedTotal:   m.uploadRejectedTotal,
		UploadErrorsTotal:     m.uploadErrorsTotal,
		UploadAvgDurationMs:   avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		DownloadsTotal:        m.downloadsTotal,
		DownloadBytesTotal:    m.downloadBytesTotal,
		DownloadNotFoundTotal: m.downloadNotFoundTotal,
		DownloadErrorsTotal:   m.downloadErrorsTotal,
		DeletesTotal:          m.deletesTotal,
		RequestsTotal:         m.requestsTotal,
		RequestErrors5xx:      m.requestErrors5xx,
		RequestErrors4xx:      m.requestErrors4xx,
		RateLimitedTotal:      m.rateLimitedTotal,
		ListingErrorsTotal:    m.listingErrorsTotal,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	UploadsTotal        int64   `json:"uploads_total"`
	UploadFilesTotal    int64   `json:"upload_files_total"`
	UploadBytesTotal    int64   `json:"upload_bytes_total"`
	UploadRejectedTotal int64   `json:"upload_rejected_total"`
	UploadErrorsTotal   int64   `json:"upload_errors_total"`
	UploadAvgDurationMs float64 `json:"upload_avg_duration_ms"`

	DownloadsTotal        int64 `json:"downloads_total"`
	DownloadBytesTotal    int64 `json:"download_bytes_total"`
	DownloadNotFoundTotal int64 `json:"download_not_found_total"`
	DownloadErrorsTotal   int64 `json:"download_errors_total"`

	DeletesTotal int64 `json:"deletes_total"`

	RequestsTotal      int64 `json:"requests_total"`
	RequestErrors5xx   int64 `json:"request_errors_5xx"`
	RequestErrors4xx   int64 `json:"request_errors_4xx"`
	RateLimitedTotal   int64 `json:"rate_limited_total"`
	ListingErrorsTotal int64 `json:"listing_errors_total"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
