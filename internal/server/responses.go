package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kilocode/backplane/internal/logfields"
)

// writeJSON encodes v into a buffer first so a serialization failure never
// produces a partial response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("encode JSON response", logfields.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("write JSON response body", logfields.Error(err))
	}
}

// writeError emits the canonical {"error": message} payload.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
