package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"codemate/internal/metrics"
	"codemate/internal/providers"
	"codemate/internal/providers/registry"
)

var ErrEmptyReply = errors.New("provider returned an empty reply")

const (
	CodeTimeout   = "timeout"
	CodeCanceled  = "canceled"
	CodeTransport = "transport"
)

// ProviderError is an upstream failure. Code and Message are kept verbatim
// for diagnostics; they must not be shown inside a transcript.
type ProviderError struct {
	Provider string
	Code     string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s provider error %s (status %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s provider error %s: %s", e.Provider, e.Code, e.Message)
}

type KeyResolver interface {
	ResolveKey(ctx context.Context, userID, provider, supplied string) (string, error)
}

type Catalog interface {
	Validate(provider, model string) error
	Build(opts registry.BuildOptions) (providers.Provider, error)
}

type Config struct {
	Registry   Catalog
	Vault      KeyResolver
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Gateway struct {
	registry   Catalog
	vault      KeyResolver
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) *Gateway {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Gateway{
		registry:   cfg.Registry,
		vault:      cfg.Vault,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
		metrics:    m,
	}
}

type Request struct {
	UserID   string
	Provider string
	Model    string
	// APIKey is a caller-held LOCAL key; empty means resolve through the vault.
	APIKey   string
	Messages []providers.Message
}

// Send performs one chat-completion call and returns the first choice's
// text. There is no retry: a failure is returned to the caller as-is.
func (g *Gateway) Send(ctx context.Context, req Request) (string, error) {
	provider := registry.Normalize(req.Provider)
	if strings.TrimSpace(req.Model) == "" {
		return "", fmt.Errorf("%w: model is required for provider %s", registry.ErrInvalidModel, provider)
	}
	if err := g.registry.Validate(provider, req.Model); err != nil {
		return "", err
	}
	key, err := g.vault.ResolveKey(ctx, req.UserID, provider, req.APIKey)
	if err != nil {
		return "", err
	}
	client, err := g.registry.Build(registry.BuildOptions{
		Provider:   provider,
		APIKey:     key,
		HTTPClient: g.httpClient,
	})
	if err != nil {
		return "", err
	}

	log := g.logger.With().Str("user_id", req.UserID).Str("provider", provider).Str("model", req.Model).Logger()
	g.metrics.ProviderRequests.WithLabelValues(provider).Inc()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	started := time.Now()
	resp, err := client.Chat(callCtx, providers.ChatRequest{Model: req.Model, Messages: req.Messages})
	latency := time.Since(started).Milliseconds()
	if err != nil {
		perr := g.classify(ctx, provider, err)
		g.metrics.ProviderFailures.WithLabelValues(provider, perr.Code).Inc()
		log.Warn().Int("status", perr.Status).Str("code", perr.Code).Str("upstream", perr.Message).Int64("latency_ms", latency).Msg("provider call failed")
		return "", perr
	}
	if strings.TrimSpace(resp.Text) == "" {
		g.metrics.ProviderFailures.WithLabelValues(provider, "empty_reply").Inc()
		log.Warn().Int64("latency_ms", latency).Msg("provider returned empty reply")
		return "", ErrEmptyReply
	}

	log.Info().Int64("latency_ms", latency).Int("reply_len", len(resp.Text)).Msg("provider call ok")
	return resp.Text, nil
}

func (g *Gateway) classify(parent context.Context, provider string, err error) *ProviderError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		code := se.Code
		if code == "" {
			code = strconv.Itoa(se.Status)
		}
		return &ProviderError{Provider: provider, Code: code, Status: se.Status, Message: se.Message}
	}
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return &ProviderError{Provider: provider, Code: CodeCanceled, Message: err.Error()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderError{Provider: provider, Code: CodeTimeout, Message: fmt.Sprintf("no reply within %s", g.timeout)}
	}
	return &ProviderError{Provider: provider, Code: CodeTransport, Message: err.Error()}
}
