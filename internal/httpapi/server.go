package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"codemate/internal/chat"
	"codemate/internal/gateway"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

// UserHeader carries the caller's identity. Authentication happens in front
// of this server.
const UserHeader = "X-User-ID"

const (
	kindUnauthenticated = "unauthenticated"

	maxBodyBytes = 16 << 20
)

var errMissingUser = errors.New("missing " + UserHeader + " header")

type KeyVault interface {
	GetStorePref(ctx context.Context, userID, provider string) (vault.Status, error)
	SaveKey(ctx context.Context, userID, provider, plaintext string, pref vault.StorePref) error
	SetDefaultModel(ctx context.Context, userID, provider, model string) error
	Statuses(ctx context.Context, userID string) (map[string]vault.Status, error)
	AuditLog(ctx context.Context, userID string, limit uint64) ([]storage.AuditEntry, error)
}

type Sender interface {
	Send(ctx context.Context, req gateway.Request) (string, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, userID, problemID string, imageURL *string) (string, error)
	AppendMessages(ctx context.Context, chatID string, messages []storage.Message) error
	OverwriteMessages(ctx context.Context, chatID string, messages []storage.Message) error
	FetchMessages(ctx context.Context, chatID string) ([]storage.Message, error)
	FetchSession(ctx context.Context, chatID string) (storage.Session, error)
	ListByProblem(ctx context.Context, userID, problemID string) ([]storage.SessionSummary, error)
	DeleteSession(ctx context.Context, chatID string) (bool, error)
	AggregateStatistics(ctx context.Context, f storage.StatsFilter) (storage.Stats, error)
	GetAISettings(ctx context.Context, userID string) (storage.AISettings, error)
	UpsertAISettings(ctx context.Context, a storage.AISettings) error
	Ping(ctx context.Context) error
}

type Catalog interface {
	Providers() []string
	BaseURL(provider string) (string, error)
	Models(provider string) ([]string, error)
	DefaultProvider() string
	DefaultModel(provider string) (string, error)
	Validate(provider, model string) error
}

type Config struct {
	Vault    KeyVault
	Gateway  Sender
	Sessions SessionStore
	Registry Catalog
	Defaults chat.Defaults
	Logger   zerolog.Logger
}

type Server struct {
	vault    KeyVault
	gateway  Sender
	sessions SessionStore
	registry Catalog
	defaults chat.Defaults
	logger   zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		vault:    cfg.Vault,
		gateway:  cfg.Gateway,
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		defaults: cfg.Defaults,
		logger:   cfg.Logger,
	}
}

// Register mounts the API routes and the health check on mux.
func (s *Server) Register(mux *http.ServeMux, healthPath string) {
	if healthPath != "" {
		mux.HandleFunc("GET "+healthPath, s.handleHealth)
	}
	mux.HandleFunc("GET /v1/providers", s.handleProviders)

	mux.HandleFunc("GET /v1/keys", s.withUser(s.handleListKeys))
	mux.HandleFunc("GET /v1/audit", s.withUser(s.handleAudit))
	mux.HandleFunc("GET /v1/keys/{provider}", s.withUser(s.handleGetKey))
	mux.HandleFunc("PUT /v1/keys/{provider}", s.withUser(s.handleSaveKey))
	mux.HandleFunc("PUT /v1/keys/{provider}/model", s.withUser(s.handleSetKeyModel))

	mux.HandleFunc("GET /v1/settings", s.withUser(s.handleGetSettings))
	mux.HandleFunc("PUT /v1/settings", s.withUser(s.handlePutSettings))

	mux.HandleFunc("POST /v1/chat", s.withUser(s.handleChat))

	mux.HandleFunc("POST /v1/sessions", s.withUser(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.withUser(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{chatId}", s.handleFetchSession)
	mux.HandleFunc("GET /v1/sessions/{chatId}/messages", s.handleFetchMessages)
	mux.HandleFunc("POST /v1/sessions/{chatId}/messages", s.handleAppendMessages)
	mux.HandleFunc("PUT /v1/sessions/{chatId}/messages", s.handleOverwriteMessages)
	mux.HandleFunc("DELETE /v1/sessions/{chatId}/messages", s.handleDeleteSession)

	mux.HandleFunc("GET /v1/stats", s.handleStats)
}

type envelope struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, envelope{Kind: kindUnauthenticated, Message: errMissingUser.Error()})
			return
		}
		next(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := chat.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError && kind != chat.KindProviderError && kind != chat.KindEmptyReply {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("kind", kind).Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, envelope{Kind: kind, Message: msg})
}

func statusFor(kind string) int {
	switch kind {
	case chat.KindInvalidArgument, chat.KindUnknownProvider, chat.KindInvalidModel:
		return http.StatusBadRequest
	case chat.KindNotConfigured, chat.KindSessionNotFound:
		return http.StatusNotFound
	case chat.KindNoKeyConfigured:
		return http.StatusPreconditionFailed
	case chat.KindConflict:
		return http.StatusConflict
	case chat.KindProviderError, chat.KindEmptyReply:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into dst. Decode failures are
// reported as invalid arguments.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request body: %v", chat.ErrInvalidArgument, err)
	}
	return nil
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", chat.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storeErr marks a raw storage failure as a persistence error so it is
// classified accordingly. Session-not-found passes through.
func storeErr(err error) error {
	if err == nil || errors.Is(err, storage.ErrSessionNotFound) || errors.Is(err, vault.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", vault.ErrPersistence, err)
}
