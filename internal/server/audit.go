// audit.go - PostgreSQL audit trail of uploads, downloads and deletes.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionUpload   AuditAction = "upload"
	AuditActionDownload AuditAction = "download"
	AuditActionDelete   AuditAction = "delete"
)

// AuditEvent is one row of the audit log.
type AuditEvent struct {
	ID         int64       `json:"id"`
	Action     AuditAction `json:"action"`
	StoredName string      `json:"stored_name,omitempty"`
	SizeBytes  int64       `json:"size_bytes,omitempty"`
	SHA256     string      `json:"sha256,omitempty"`
	ClientIP   string      `json:"client_ip"`
	RequestID  string      `json:"request_id,omitempty"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AuditFilter narrows Recent. An empty Actions slice matches every action.
type AuditFilter struct {
	Actions []AuditAction
	Limit   int
}

// AuditRecorder persists audit events. The HTTP layer treats a nil recorder
// as "audit disabled".
type AuditRecorder interface {
	Record(ctx context.Context, ev AuditEvent) error
	Recent(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
	Ping(ctx context.Context) error
}

// AuditStore writes audit events to PostgreSQL.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record inserts ev. CreatedAt is assigned by the database.
func (a *AuditStore) Record(ctx context.Context, ev AuditEvent) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			action, stored_name, size_bytes, sha256, client_ip, request_id, success, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ev.Action),
		ev.StoredName,
		ev.SizeBytes,
		ev.SHA256,
		ev.ClientIP,
		ev.RequestID,
		ev.Success,
		ev.Error,
	)
	return err
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Recent returns the newest events first.
func (a *AuditStore) Recent(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	var actions []string
	for _, act := range f.Actions {
		actions = append(actions, string(act))
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, action, stored_name, size_bytes, sha256, client_ip,
		       request_id, success, error, created_at
		FROM audit_events
		WHERE ($1::text[] IS NULL OR action = ANY($1::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		pq.Array(actions), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var ev AuditEvent
		var action string
		if err := rows.Scan(
			&ev.ID,
			&action,
			&ev.StoredName,
			&ev.SizeBytes,
			&ev.SHA256,
			&ev.ClientIP,
			&ev.RequestID,
			&ev.Success,
			&ev.Error,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Action = AuditAction(action)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (a *AuditStore) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

const auditWriteTimeout = 3 * time.Second

// recordAudit fills in the request fields of ev and stores it. Audit
// failures are logged and never change the response.
func (s *Server) recordAudit(r *http.Request, ev AuditEvent) {
	if s.audit == nil {
		return
	}
	ev.ClientIP = getClientIP(r)
	ev.RequestID = RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, ev); err != nil {
		s.requestLogger(r).Warn("audit write failed",
			zap.String("action", string(ev.Action)),
			zap.String("file", ev.StoredName),
			zap.Error(err))
	}
}

// handleAudit handles GET /audit?action=upload&action=delete&limit=20.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Audit log not enabled"})
		return
	}

	q := r.URL.Query()
	var f AuditFilter
	for _, a := range q["action"] {
		switch act := AuditAction(a); act {
		case AuditActionUpload, AuditActionDownload, AuditActionDelete:
			f.Actions = append(f.Actions, act)
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Unknown action: " + a})
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		f.Limit = n
	}

	events, err := s.audit.Recent(r.Context(), f)
	if err != nil {
		s.requestLogger(r).Error("audit query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Audit log unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
