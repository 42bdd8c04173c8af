package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"codemate/internal/crypto"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
)

var (
	ErrNotConfigured    = errors.New("provider not configured")
	ErrNoKeyConfigured  = errors.New("no api key configured")
	ErrPersistence      = errors.New("persistence error")
	ErrInvalidStorePref = errors.New("invalid store preference")
	ErrEmptyKey         = errors.New("api key is empty")
)

type StorePref string

const (
	Unset StorePref = "UNSET"
	Local StorePref = "LOCAL"
	Cloud StorePref = "CLOUD"
)

func ParseStorePref(s string) (StorePref, error) {
	switch p := StorePref(strings.ToUpper(strings.TrimSpace(s))); p {
	case Unset, Local, Cloud:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStorePref, s)
	}
}

// Status is what callers may learn about a stored credential. It never
// carries key material.
type Status struct {
	StorePref    StorePref `json:"storePref"`
	HasKey       bool      `json:"hasKey"`
	DefaultModel string    `json:"defaultModel,omitempty"`
}

type Store interface {
	GetCredential(ctx context.Context, userID, provider string) (storage.Credential, error)
	SaveCredential(ctx context.Context, c storage.Credential, audit storage.AuditEntry) error
	SetCredentialDefaultModel(ctx context.Context, userID, provider, model string) error
	ReplaceCiphertext(ctx context.Context, userID, provider, expected, replacement string) (bool, error)
	ListCloudCredentials(ctx context.Context) ([]storage.Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error)
	LogAction(ctx context.Context, e storage.AuditEntry) error
	ListAudit(ctx context.Context, userID string, limit uint64) ([]storage.AuditEntry, error)
}

type Catalog interface {
	Validate(provider, model string) error
}

type Config struct {
	Store    Store
	Codec    *crypto.Codec
	Registry Catalog
	Locker   Locker
	Logger   zerolog.Logger
}

type Vault struct {
	store    Store
	codec    *crypto.Codec
	registry Catalog
	locker   Locker
	log      zerolog.Logger
}

func New(cfg Config) *Vault {
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	return &Vault{
		store:    cfg.Store,
		codec:    cfg.Codec,
		registry: cfg.Registry,
		locker:   cfg.Locker,
		log:      cfg.Logger,
	}
}

func lockKey(userID, provider string) string {
	return "cred:" + userID + ":" + provider
}

func (v *Vault) GetStorePref(ctx context.Context, userID, provider string) (Status, error) {
	provider = registry.Normalize(provider)
	c, err := v.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Status{}, ErrNotConfigured
		}
		return Status{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return statusOf(c), nil
}

// Statuses reports every provider the user has a record for, keyed by
// provider id.
func (v *Vault) Statuses(ctx context.Context, userID string) (map[string]Status, error) {
	creds, err := v.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	out := make(map[string]Status, len(creds))
	for _, c := range creds {
		out[c.Provider] = statusOf(c)
	}
	return out, nil
}

func statusOf(c storage.Credential) Status {
	pref, err := ParseStorePref(c.StorePref)
	if err != nil {
		pref = Unset
	}
	return Status{
		StorePref:    pref,
		HasKey:       pref == Cloud && c.EncAPIKey != "",
		DefaultModel: c.DefaultModel,
	}
}

// ResolveKey returns a caller-supplied key as-is, otherwise the decrypted
// CLOUD key for (userID, provider).
func (v *Vault) ResolveKey(ctx context.Context, userID, provider, supplied string) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	provider = registry.Normalize(provider)
	c, err := v.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNoKeyConfigured
		}
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if StorePref(c.StorePref) != Cloud || c.EncAPIKey == "" {
		return "", ErrNoKeyConfigured
	}
	if v.codec == nil {
		return "", fmt.Errorf("%w: master key is not configured", crypto.ErrCrypto)
	}
	key, err := v.codec.Decrypt(c.EncAPIKey)
	if err != nil {
		return "", err
	}
	return key, nil
}

// SaveKey stores the key encrypted for CLOUD, or clears any stored
// ciphertext for LOCAL. Either the whole record is written or nothing is.
func (v *Vault) SaveKey(ctx context.Context, userID, provider, plaintext string, pref StorePref) error {
	provider = registry.Normalize(provider)
	if err := v.registry.Validate(provider, ""); err != nil {
		return err
	}

	var enc string
	switch pref {
	case Cloud:
		if strings.TrimSpace(plaintext) == "" {
			return ErrEmptyKey
		}
		if v.codec == nil {
			return fmt.Errorf("%w: master key is not configured", crypto.ErrCrypto)
		}
		var err error
		if enc, err = v.codec.Encrypt(plaintext); err != nil {
			return err
		}
	case Local:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorePref, pref)
	}

	unlock, err := v.locker.Lock(ctx, lockKey(userID, provider))
	if err != nil {
		return fmt.Errorf("%w: acquire credential lock: %w", ErrPersistence, err)
	}
	defer unlock()

	meta, err := auditMeta(map[string]string{"provider": provider, "store_pref": string(pref)})
	if err != nil {
		return err
	}
	err = v.store.SaveCredential(ctx, storage.Credential{
		UserID:    userID,
		Provider:  provider,
		EncAPIKey: enc,
		StorePref: string(pref),
	}, storage.AuditEntry{UserID: userID, Action: "key_saved", MetaJSON: meta})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	v.log.Info().Str("user_id", userID).Str("provider", provider).Str("store_pref", string(pref)).Msg("credential saved")
	return nil
}

// SetDefaultModel records the user's preferred model for the provider.
func (v *Vault) SetDefaultModel(ctx context.Context, userID, provider, model string) error {
	provider = registry.Normalize(provider)
	if err := v.registry.Validate(provider, model); err != nil {
		return err
	}
	unlock, err := v.locker.Lock(ctx, lockKey(userID, provider))
	if err != nil {
		return fmt.Errorf("%w: acquire credential lock: %w", ErrPersistence, err)
	}
	defer unlock()

	meta, err := auditMeta(map[string]string{"provider": provider, "model": model})
	if err != nil {
		return err
	}
	if err := v.store.SetCredentialDefaultModel(ctx, userID, provider, model); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := v.store.LogAction(ctx, storage.AuditEntry{UserID: userID, Action: "default_model_set", MetaJSON: meta}); err != nil {
		v.log.Warn().Err(err).Str("user_id", userID).Msg("failed to write audit entry")
	}
	return nil
}

func auditMeta(fields map[string]string) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal audit meta: %w", err)
	}
	return string(b), nil
}

// AuditLog returns the user's most recent credential events, newest first.
func (v *Vault) AuditLog(ctx context.Context, userID string, limit uint64) ([]storage.AuditEntry, error) {
	entries, err := v.store.ListAudit(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return entries, nil
}

// DefaultModel returns the user's stored model for the provider, or "".
func (v *Vault) DefaultModel(ctx context.Context, userID, provider string) (string, error) {
	st, err := v.GetStorePref(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return "", nil
		}
		return "", err
	}
	return st.DefaultModel, nil
}

// RotateKeys re-encrypts every CLOUD credential that is sealed under a
// non-current master key. It returns how many records were moved.
func (v *Vault) RotateKeys(ctx context.Context) (int, error) {
	if v.codec == nil {
		return 0, fmt.Errorf("%w: master key is not configured", crypto.ErrCrypto)
	}
	creds, err := v.store.ListCloudCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	rotated := 0
	for _, c := range creds {
		stale, err := v.codec.NeedsRotation(c.EncAPIKey)
		if err != nil {
			v.log.Warn().Err(err).Str("user_id", c.UserID).Str("provider", c.Provider).Msg("skip undecodable credential")
			continue
		}
		if !stale {
			continue
		}
		moved, err := v.codec.ReEncrypt(c.EncAPIKey)
		if err != nil {
			v.log.Warn().Err(err).Str("user_id", c.UserID).Str("provider", c.Provider).Msg("skip credential that failed re-encryption")
			continue
		}
		ok, err := v.replace(ctx, c, moved)
		if err != nil {
			return rotated, err
		}
		if ok {
			rotated++
		}
	}
	v.log.Info().Int("rotated", rotated).Int("scanned", len(creds)).Str("key_id", v.codec.CurrentKeyID()).Msg("credential rotation finished")
	return rotated, nil
}

func (v *Vault) replace(ctx context.Context, c storage.Credential, moved string) (bool, error) {
	unlock, err := v.locker.Lock(ctx, lockKey(c.UserID, c.Provider))
	if err != nil {
		return false, fmt.Errorf("%w: acquire credential lock: %w", ErrPersistence, err)
	}
	defer unlock()
	ok, err := v.store.ReplaceCiphertext(ctx, c.UserID, c.Provider, c.EncAPIKey, moved)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return ok, nil
}
