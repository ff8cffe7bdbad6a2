// mirror.go - Asynchronous copy of committed files to object storage.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// objectStore is the part of *minio.Client the mirror uses.
type objectStore interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type mirrorOp int

const (
	mirrorPut mirrorOp = iota
	mirrorRemove
)

func (op mirrorOp) String() string {
	if op == mirrorRemove {
		return "remove"
	}
	return "put"
}

type mirrorJob struct {
	op   mirrorOp
	name string
}

const mirrorCallTimeout = 5 * time.Minute

// Mirror copies committed files to object storage in the background. The
// storage directory stays authoritative; mirror failures are logged and
// counted, never reported to the uploading client.
type Mirror struct {
	client  objectStore
	bucket  string
	prefix  string
	dir     string
	breaker *CircuitBreaker
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan mirrorJob
	done   chan struct{}

	uploaded atomic.Int64
	removed  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewMirror connects to the configured endpoint, checks the bucket and
// starts the worker. dir is the storage directory files are read from.
func NewMirror(ctx context.Context, cfg MirrorConfig, dir string, logger *zap.Logger) (*Mirror, error) {
	client, err := newMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}
	return newMirror(client, cfg, dir, logger), nil
}

func newMirror(client objectStore, cfg MirrorConfig, dir string, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	m := &Mirror{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  normalisePrefix(cfg.Prefix),
		dir:     dir,
		breaker: NewCircuitBreaker("mirror", 5, 30*time.Second, logger),
		logger:  logger.With(zap.String("component", "mirror"), zap.String("bucket", cfg.Bucket)),
		queue:   make(chan mirrorJob, size),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// EnqueuePut schedules a stored file for upload. It never blocks; when the
// queue is full the job is dropped and counted.
func (m *Mirror) EnqueuePut(name string) bool { return m.enqueue(mirrorJob{op: mirrorPut, name: name}) }

// EnqueueRemove schedules removal of a mirrored object.
func (m *Mirror) EnqueueRemove(name string) bool {
	return m.enqueue(mirrorJob{op: mirrorRemove, name: name})
}

func (m *Mirror) enqueue(job mirrorJob) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return false
	}
	select {
	case m.queue <- job:
		return true
	default:
		m.dropped.Add(1)
		m.logger.Warn("mirror queue full, dropping job",
			zap.String("op", job.op.String()), zap.String("file", job.name))
		return false
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for job := range m.queue {
		m.process(job)
	}
}

func (m *Mirror) process(job mirrorJob) {
	key := m.prefix + job.name
	path := filepath.Join(m.dir, job.name)

	if job.op == mirrorPut {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			// Deleted before the worker got to it.
			return
		}
	}

	err := m.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorCallTimeout)
		defer cancel()
		switch job.op {
		case mirrorPut:
			_, err := m.client.FPutObject(ctx, m.bucket, key, path, minio.PutObjectOptions{
				ContentType: contentTypeFor(job.name),
			})
			return err
		case mirrorRemove:
			return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
		}
		return fmt.Errorf("unknown mirror op %d", job.op)
	})
	if err != nil {
		m.failed.Add(1)
		m.logger.Warn("mirror job failed",
			zap.String("op", job.op.String()), zap.String("object", key), zap.Error(err))
		return
	}

	if job.op == mirrorPut {
		m.uploaded.Add(1)
	} else {
		m.removed.Add(1)
	}
	m.logger.Debug("mirror job done", zap.String("op", job.op.String()), zap.String("object", key))
}

// Close stops accepting jobs and waits for the queue to drain or ctx to end.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror drain: %w", ctx.Err())
	}
}

// Check reports whether the bucket is reachable.
func (m *Mirror) Check(ctx context.Context) error {
	return checkBucket(ctx, m.client, m.bucket)
}

// MirrorStats summarises mirror activity since start.
type MirrorStats struct {
	Uploaded int64               `json:"uploaded"`
	Removed  int64               `json:"removed"`
	Failed   int64               `json:"failed"`
	Dropped  int64               `json:"dropped"`
	Queued   int                 `json:"queued"`
	Breaker  CircuitBreakerStats `json:"breaker"`
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Uploaded: m.uploaded.Load(),
		Removed:  m.removed.Load(),
		Failed:   m.failed.Load(),
		Dropped:  m.dropped.Load(),
		Queued:   len(m.queue),
		Breaker:  m.breaker.Stats(),
	}
}
