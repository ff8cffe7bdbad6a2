// response.go - JSON responses and mapping of storage errors to status codes.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"file-drop/internal/filestore"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	File    string `json:"file,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classifyError maps a filestore or transport error onto a status and a
// client safe message. Internal details such as absolute paths stay in logs.
func classifyError(err error) (int, errorResponse) {
	var (
		clientErr  *filestore.ClientInputError
		partialErr *filestore.PartialIOError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"}
	case errors.As(err, &clientErr):
		return http.StatusBadRequest, errorResponse{Error: clientErr.Reason, File: clientErr.Name}
	case errors.Is(err, filestore.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "File not found"}
	case errors.As(err, &partialErr):
		return http.StatusInternalServerError, errorResponse{Error: "Failed to store file", File: partialErr.Name}
	case errors.Is(err, filestore.ErrStorageUnavailable):
		return http.StatusInternalServerError, errorResponse{Error: "Storage unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
	}
}

func writeError(w http.ResponseWriter, err error) int {
	status, body := classifyError(err)
	writeJSON(w, status, body)
	return status
}
