package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codemate/internal/chat"
	"codemate/internal/gateway"
	"codemate/internal/prompt"
	"codemate/internal/providers"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type providerInfo struct {
	ID           string   `json:"id"`
	BaseURL      string   `json:"baseUrl,omitempty"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"defaultModel"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.Providers()
	out := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		baseURL, err := s.registry.BaseURL(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		models, err := s.registry.Models(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		info := providerInfo{ID: id, BaseURL: baseURL, Models: models}
		if len(models) > 0 {
			info.DefaultModel = models[0]
		}
		out = append(out, info)
	}
	writeOK(w, "providers", out)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request, userID string) {
	provider := registry.Normalize(r.PathValue("provider"))
	if err := s.registry.Validate(provider, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.vault.GetStorePref(r.Context(), userID, provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "key status", status)
}

// handleListKeys reports the key status of every registered provider.
// Providers without a record are UNSET.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, userID string) {
	stored, err := s.vault.Statuses(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make(map[string]vault.Status, len(stored))
	for _, p := range s.registry.Providers() {
		st, ok := stored[p]
		if !ok {
			st = vault.Status{StorePref: vault.Unset}
		}
		out[p] = st
	}
	writeOK(w, "key statuses", out)
}

type auditItem struct {
	Action string          `json:"action"`
	Meta   json.RawMessage `json:"meta"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, userID string) {
	var limit uint64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 || n > 500 {
			s.writeError(w, r, invalidArgument("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	entries, err := s.vault.AuditLog(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]auditItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditItem{Action: e.Action, Meta: json.RawMessage(e.MetaJSON)})
	}
	writeOK(w, "audit log", out)
}

type saveKeyRequest struct {
	APIKey    string `json:"apiKey"`
	StorePref string `json:"storePref"`
}

func (s *Server) handleSaveKey(w http.ResponseWriter, r *http.Request, userID string) {
	var req saveKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pref, err := vault.ParseStorePref(req.StorePref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pref == vault.Unset {
		s.writeError(w, r, invalidArgument("store preference must be LOCAL or CLOUD"))
		return
	}
	provider := registry.Normalize(r.PathValue("provider"))
	if err := s.vault.SaveKey(r.Context(), userID, provider, req.APIKey, pref); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.vault.GetStorePref(r.Context(), userID, provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "key saved", status)
}

type setModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetKeyModel(w http.ResponseWriter, r *http.Request, userID string) {
	var req setModelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		s.writeError(w, r, invalidArgument("model is required"))
		return
	}
	provider := registry.Normalize(r.PathValue("provider"))
	if err := s.vault.SetDefaultModel(r.Context(), userID, provider, req.Model); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "default model saved", map[string]string{"provider": provider, "model": req.Model})
}

type settingsBody struct {
	DefaultProvider string    `json:"defaultProvider"`
	DefaultModel    string    `json:"defaultModel"`
	PrePrompt       string    `json:"prePrompt"`
	UpdatedAt       time.Time `json:"updatedAt,omitzero"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, userID string) {
	settings, err := s.sessions.GetAISettings(r.Context(), userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, storeErr(err))
		return
	}
	out := settingsBody{
		DefaultProvider: settings.DefaultProvider,
		DefaultModel:    settings.DefaultModel,
		PrePrompt:       settings.PrePrompt,
		UpdatedAt:       settings.UpdatedAt,
	}
	if out.DefaultProvider == "" {
		out.DefaultProvider = s.registry.DefaultProvider()
	}
	if out.DefaultModel == "" {
		out.DefaultModel, _ = s.registry.DefaultModel(out.DefaultProvider)
	}
	writeOK(w, "settings", out)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, userID string) {
	var req settingsBody
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.DefaultProvider = registry.Normalize(req.DefaultProvider)
	if req.DefaultProvider == "" && req.DefaultModel != "" {
		s.writeError(w, r, invalidArgument("defaultModel requires defaultProvider"))
		return
	}
	if req.DefaultProvider != "" {
		if err := s.registry.Validate(req.DefaultProvider, req.DefaultModel); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	err := s.sessions.UpsertAISettings(r.Context(), storage.AISettings{
		UserID:          userID,
		DefaultProvider: req.DefaultProvider,
		DefaultModel:    req.DefaultModel,
		PrePrompt:       req.PrePrompt,
	})
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	req.UpdatedAt = time.Time{}
	writeOK(w, "settings saved", req)
}

type chatRequest struct {
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	APIKey       string              `json:"apiKey"`
	Messages     []storage.Message   `json:"messages"`
	SystemPrompt string              `json:"systemPrompt"`
	CodeContext  *prompt.CodeContext `json:"codeContext"`
	ImageBase64  string              `json:"imageBase64"`
}

type chatReply struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reply    string `json:"reply"`
}

// handleChat sends one prompt. The last entry of messages is the new user
// prompt; everything before it is the displayed transcript, greeting
// included.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, r, invalidArgument("messages must end with the user prompt"))
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != providers.RoleUser || strings.TrimSpace(last.Content) == "" {
		s.writeError(w, r, invalidArgument("messages must end with a non-empty user prompt"))
		return
	}

	opts, err := s.defaults.Resolve(r.Context(), chat.Options{
		UserID:       userID,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}

	prior := make([]providers.Message, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		prior = append(prior, providers.Message{Role: m.Role, Content: m.Content})
	}
	messages := prompt.Build(prompt.Input{
		SystemPrompt: opts.SystemPrompt,
		Prior:        prior,
		Prompt:       last.Content,
		Code:         req.CodeContext,
		ImageBase64:  req.ImageBase64,
	})

	reply, err := s.gateway.Send(r.Context(), gateway.Request{
		UserID:   userID,
		Provider: opts.Provider,
		Model:    opts.Model,
		APIKey:   req.APIKey,
		Messages: messages,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "Successfully received reply", chatReply{Provider: opts.Provider, Model: opts.Model, Reply: reply})
}

type createSessionRequest struct {
	ProblemID string  `json:"problemId"`
	ImageURL  *string `json:"imageUrl"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProblemID) == "" {
		s.writeError(w, r, invalidArgument("problemId is required"))
		return
	}
	chatID, err := s.sessions.CreateSession(r.Context(), userID, req.ProblemID, req.ImageURL)
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "session created", Data: map[string]string{"chatId": chatID}})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	problemID := strings.TrimSpace(r.URL.Query().Get("problemId"))
	if problemID == "" {
		s.writeError(w, r, invalidArgument("problemId is required"))
		return
	}
	out, err := s.sessions.ListByProblem(r.Context(), userID, problemID)
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "sessions", out)
}

func (s *Server) handleFetchSession(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessions.FetchSession(r.Context(), r.PathValue("chatId"))
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "session", out)
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessions.FetchMessages(r.Context(), r.PathValue("chatId"))
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "messages", out)
}

type messagesRequest struct {
	Messages []storage.Message `json:"messages"`
}

func (s *Server) decodeMessages(w http.ResponseWriter, r *http.Request) ([]storage.Message, error) {
	var req messagesRequest
	if err := decodeBody(w, r, &req); err != nil {
		return nil, err
	}
	for i, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant:
		default:
			return nil, invalidArgument("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return req.Messages, nil
}

func (s *Server) handleAppendMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.decodeMessages(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.AppendMessages(r.Context(), r.PathValue("chatId"), messages); err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "messages appended", nil)
}

func (s *Server) handleOverwriteMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.decodeMessages(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.OverwriteMessages(r.Context(), r.PathValue("chatId"), messages); err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "messages replaced", nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.DeleteSession(r.Context(), r.PathValue("chatId"))
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	if !removed {
		s.writeError(w, r, storage.ErrSessionNotFound)
		return
	}
	writeOK(w, "session deleted", map[string]bool{"deleted": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := s.sessions.AggregateStatistics(r.Context(), storage.StatsFilter{
		UserID:    q.Get("userId"),
		ProblemID: q.Get("problemId"),
	})
	if err != nil {
		s.writeError(w, r, storeErr(err))
		return
	}
	writeOK(w, "statistics", stats)
}
