package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackErrorBody is served verbatim when a response payload cannot be
// marshaled. It mirrors models.Error("Internal server error") so clients
// always receive the standard envelope.
const fallbackErrorBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse marshals the payload (an APIResponse or WebhookResult)
// before touching the ResponseWriter so an encoding failure can still
// downgrade the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		body = []byte(fallbackErrorBody)
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
