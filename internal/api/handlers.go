package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hoztech/whatsflow/internal/engine"
	"github.com/hoztech/whatsflow/internal/models"
)

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sendHandler: validation failed", "error", err, "to", req.PhoneNumber)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var res interface{}
	if req.TemplateName != "" {
		res = s.eng.SendTemplateMessage(r.Context(), req.PhoneNumber, req.TemplateName, req.LanguageCode, req.Parameters)
	} else {
		res = s.eng.SendTextMessage(r.Context(), req.PhoneNumber, req.Message)
	}
	slog.Info("Server.sendHandler: send attempted", "to", req.PhoneNumber, "template", req.TemplateName)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.st.ListContacts()
		if err != nil {
			slog.Error("Server.contactsHandler: failed to list contacts", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list contacts"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(contacts))
	case http.MethodPost:
		var req models.ContactUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.contactsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		contact, err := s.eng.UpsertContact(req)
		if err != nil {
			slog.Warn("Server.contactsHandler: upsert failed", "error", err, "phone", req.PhoneNumber)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Server.contactsHandler: contact upserted", "phone", contact.PhoneNumber)
		writeJSONResponse(w, http.StatusOK, models.Success(contact))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) blockContactHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyPhoneNumber.Error()))
		return
	}
	contact, err := s.eng.BlockContact(req.PhoneNumber)
	if err != nil {
		slog.Error("Server.blockContactHandler: block failed", "error", err, "phone", req.PhoneNumber)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to block contact"))
		return
	}
	slog.Info("Server.blockContactHandler: contact blocked", "phone", contact.PhoneNumber)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact blocked", contact))
}

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		templates, err := s.st.ListTemplates()
		if err != nil {
			slog.Error("Server.templatesHandler: failed to list templates", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list templates"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(templates))
	case http.MethodPost:
		var t models.Template
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			slog.Warn("Server.templatesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.eng.CreateTemplate(&t); err != nil {
			if err == models.ErrDuplicateTemplateStep {
				writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
				return
			}
			slog.Warn("Server.templatesHandler: create failed", "error", err, "name", t.Name)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Server.templatesHandler: template created", "name", t.Name, "step", t.StepNumber)
		writeJSONResponse(w, http.StatusOK, models.Success(t))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		entries, err := s.st.ListConfig()
		if err != nil {
			slog.Error("Server.configHandler: failed to list config", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list config"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(entries))
	case http.MethodPost:
		var req struct {
			Key       string `json:"key"`
			Value     string `json:"value"`
			UpdatedBy string `json:"updated_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.Key == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("config key must not be empty"))
			return
		}
		if err := s.cfg.Set(req.Key, req.Value, req.UpdatedBy); err != nil {
			slog.Error("Server.configHandler: failed to set config", "error", err, "key", req.Key)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to set config"))
			return
		}
		slog.Info("Server.configHandler: config set", "key", req.Key)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Config updated", nil))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	s.setChatbotActive(w, r, true)
}

func (s *Server) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	s.setChatbotActive(w, r, false)
}

func (s *Server) setChatbotActive(w http.ResponseWriter, r *http.Request, active bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	updatedBy := r.URL.Query().Get("updated_by")
	if updatedBy == "" {
		updatedBy = "api"
	}
	var err error
	if active {
		err = s.eng.Activate(updatedBy)
	} else {
		err = s.eng.Deactivate(updatedBy)
	}
	if err != nil {
		slog.Error("Server.setChatbotActive: failed to update flag", "error", err, "active", active)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update chatbot state"))
		return
	}
	slog.Info("Server.setChatbotActive: chatbot state updated", "active", active, "updatedBy", updatedBy)
	if active {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chatbot activated", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chatbot deactivated", nil))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.eng.Stats()
	if err != nil {
		slog.Error("Server.statsHandler: failed to collect stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to collect stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := models.CleanupRequest{Days: engine.DefaultCleanupDays}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	count, err := s.eng.Cleanup(req.Days)
	if err != nil {
		slog.Error("Server.cleanupHandler: cleanup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Cleanup failed"))
		return
	}
	slog.Info("Server.cleanupHandler: cleanup finished", "days", req.Days, "deactivated", count)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deactivated_sessions": count}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("whatsflow is running", nil))
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.st.ListLogEntries(limit)
	if err != nil {
		slog.Error("Server.logsHandler: failed to list log entries", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list log entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}
