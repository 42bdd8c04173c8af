package chat

import (
	"errors"

	"codemate/internal/crypto"
	"codemate/internal/gateway"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

const (
	KindCrypto          = "crypto_error"
	KindNotConfigured   = "not_configured"
	KindNoKeyConfigured = "no_key_configured"
	KindUnknownProvider = "unknown_provider"
	KindInvalidModel    = "invalid_model"
	KindProviderError   = "provider_error"
	KindEmptyReply      = "empty_reply"
	KindSessionNotFound = "session_not_found"
	KindPersistence     = "persistence_error"
	KindInvalidArgument = "invalid_argument"
	KindConflict        = "conflict"
	KindInternal        = "internal"
)

// Kind classifies err into a stable, client-safe identifier.
func Kind(err error) string {
	var perr *gateway.ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, crypto.ErrCrypto):
		return KindCrypto
	case errors.Is(err, vault.ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, vault.ErrNoKeyConfigured):
		return KindNoKeyConfigured
	case errors.Is(err, registry.ErrUnknownProvider):
		return KindUnknownProvider
	case errors.Is(err, registry.ErrInvalidModel):
		return KindInvalidModel
	case errors.As(err, &perr):
		return KindProviderError
	case errors.Is(err, gateway.ErrEmptyReply):
		return KindEmptyReply
	case errors.Is(err, storage.ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, vault.ErrPersistence):
		return KindPersistence
	case errors.Is(err, vault.ErrInvalidStorePref), errors.Is(err, vault.ErrEmptyKey), errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotReady):
		return KindConflict
	default:
		return KindInternal
	}
}
