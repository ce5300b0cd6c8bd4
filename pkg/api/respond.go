// pkg/api/respond.go
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, log *logrus.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

// writeError sends the standard error body {"error": "..."}.
func writeError(w http.ResponseWriter, log *logrus.Logger, statusCode int, message string) {
	writeJSON(w, log, statusCode, map[string]string{"error": message})
}
