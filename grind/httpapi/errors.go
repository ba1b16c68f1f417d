package httpapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/Emyrk/grindview/grind"
	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/tracefs"
)

// errBadRequest marks malformed query parameters.
var errBadRequest = errors.New("bad request")

func statusOf(err error) int {
	switch {
	case errors.Is(err, tracefs.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, callgrind.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, callgrind.ErrIndexOutOfRange),
		errors.Is(err, tracefs.ErrInvalidName),
		errors.Is(err, grind.ErrNoSourceFile),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, grind.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, grind.ErrNoRenderer):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	event := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
