package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hoztech/whatsflow/internal/config"
	"github.com/hoztech/whatsflow/internal/models"
)

// webhookEnvelope mirrors the provider's nested webhook payload shape:
// entry[0].changes[0].value.messages[0].
type webhookEnvelope struct {
	Entry []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Messages []webhookMessage `json:"messages"`
}

type webhookMessage struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *webhookText `json:"text,omitempty"`
}

type webhookText struct {
	Body string `json:"body"`
}

// extractIncomingMessage normalizes the first message of the envelope. The
// second return reports whether the envelope carried a message at all.
func extractIncomingMessage(env *webhookEnvelope) (models.IncomingMessage, bool) {
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		return models.IncomingMessage{}, false
	}
	value := env.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return models.IncomingMessage{}, false
	}
	raw := value.Messages[0]

	msg := models.IncomingMessage{
		ID:   raw.ID,
		From: raw.From,
		Type: models.MessageType(raw.Type),
	}
	if raw.Timestamp != "" {
		if ts, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
			msg.Timestamp = ts
		}
	}
	// Only text bodies are extracted; other types keep an empty body with the
	// type preserved.
	if raw.Type == string(models.MessageTypeText) && raw.Text != nil {
		msg.Body = raw.Text.Body
	}
	return msg, true
}

// webhookHandler serves the provider webhook: POST carries message envelopes,
// GET is either the verification handshake or a health probe.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		s.webhookVerifyHandler(w, r)
	case http.MethodPost:
		s.webhookReceiveHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// webhookVerifyHandler implements the provider's GET verification handshake.
// A GET without handshake parameters answers with a JSON health descriptor.
func (s *Server) webhookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "" && token == "" && challenge == "" {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("webhook endpoint ready", nil))
		return
	}

	expected, err := s.cfg.Get(config.KeyWebhookVerifyToken)
	if err != nil {
		slog.Error("Server.webhookVerifyHandler: failed to read verify token", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if mode != "subscribe" || expected == "" || token != expected {
		slog.Warn("Server.webhookVerifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("Server.webhookVerifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(challenge)); err != nil {
		slog.Error("Server.webhookVerifyHandler: failed to write challenge", "error", err)
	}
}

// webhookReceiveHandler ingests one provider envelope and runs it through the
// engine. Recognized envelopes always answer 200 with a status descriptor;
// only malformed bodies answer 400.
func (s *Server) webhookReceiveHandler(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		slog.Warn("Server.webhookReceiveHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.WebhookResult{
			Status:  models.WebhookStatusError,
			Message: "invalid JSON payload",
		})
		return
	}
	if len(env.Entry) == 0 {
		slog.Warn("Server.webhookReceiveHandler: envelope missing entry")
		writeJSONResponse(w, http.StatusBadRequest, models.WebhookResult{
			Status:  models.WebhookStatusError,
			Message: "missing entry",
		})
		return
	}

	msg, found := extractIncomingMessage(&env)
	if !found {
		// Status updates and other non-message notifications land here.
		writeJSONResponse(w, http.StatusOK, models.WebhookResult{Status: models.WebhookStatusIgnored})
		return
	}

	slog.Debug("Server.webhookReceiveHandler: message extracted", "messageID", msg.ID, "from", msg.From, "type", msg.Type)
	response := s.eng.ProcessIncomingMessage(msg)
	if response == nil {
		writeJSONResponse(w, http.StatusOK, models.WebhookResult{Status: models.WebhookStatusFiltered})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.WebhookResult{
		Status:   models.WebhookStatusSuccess,
		Response: response,
	})
}
