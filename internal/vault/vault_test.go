package vault

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"codemate/internal/crypto"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
)

var (
	keyA = []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	keyB = []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "vault.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newVault(t *testing.T, store Store, codec *crypto.Codec) *Vault {
	t.Helper()
	return New(Config{Store: store, Codec: codec, Registry: registry.New(), Logger: zerolog.Nop()})
}

func codecWith(t *testing.T, current string, keys map[string][]byte) *crypto.Codec {
	t.Helper()
	c, err := crypto.NewCodec(current, keys)
	require.NoError(t, err)
	return c
}

func TestCloudSaveThenResolve(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v := newVault(t, store, codecWith(t, "a", map[string][]byte{"a": keyA}))

	require.NoError(t, v.SaveKey(ctx, "u1", "openai", "sk-test", Cloud))

	key, err := v.ResolveKey(ctx, "u1", "OPENAI", "")
	require.NoError(t, err)
	require.Equal(t, "sk-test", key)

	st, err := v.GetStorePref(ctx, "u1", "OPENAI")
	require.NoError(t, err)
	require.Equal(t, Status{StorePref: Cloud, HasKey: true}, st)

	rec, err := store.GetCredential(ctx, "u1", "OPENAI")
	require.NoError(t, err)
	require.NotContains(t, rec.EncAPIKey, "sk-test")

	audit, err := store.ListAudit(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "key_saved", audit[0].Action)
	require.NotContains(t, audit[0].MetaJSON, "sk-test")
}

func TestLocalSaveClearsCiphertext(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v := newVault(t, store, codecWith(t, "a", map[string][]byte{"a": keyA}))

	require.NoError(t, v.SaveKey(ctx, "u1", "OPENAI", "sk-test", Cloud))
	require.NoError(t, v.SaveKey(ctx, "u1", "OPENAI", "sk-test", Local))

	_, err := v.ResolveKey(ctx, "u1", "OPENAI", "")
	require.ErrorIs(t, err, ErrNoKeyConfigured)

	st, err := v.GetStorePref(ctx, "u1", "OPENAI")
	require.NoError(t, err)
	require.Equal(t, Local, st.StorePref)
	require.False(t, st.HasKey)

	rec, err := store.GetCredential(ctx, "u1", "OPENAI")
	require.NoError(t, err)
	require.Empty(t, rec.EncAPIKey)

	key, err := v.ResolveKey(ctx, "u1", "OPENAI", "sk-local")
	require.NoError(t, err)
	require.Equal(t, "sk-local", key)
}

func TestResolveAndStatusWithoutRecord(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newStore(t), codecWith(t, "a", map[string][]byte{"a": keyA}))

	_, err := v.GetStorePref(ctx, "u1", "GEMINI")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = v.ResolveKey(ctx, "u1", "GEMINI", "")
	require.ErrorIs(t, err, ErrNoKeyConfigured)

	model, err := v.DefaultModel(ctx, "u1", "GEMINI")
	require.NoError(t, err)
	require.Empty(t, model)
}

func TestSaveKeyRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newStore(t), codecWith(t, "a", map[string][]byte{"a": keyA}))

	require.ErrorIs(t, v.SaveKey(ctx, "u1", "MISTRAL", "k", Cloud), registry.ErrUnknownProvider)
	require.ErrorIs(t, v.SaveKey(ctx, "u1", "OPENAI", "k", Unset), ErrInvalidStorePref)
	require.ErrorIs(t, v.SaveKey(ctx, "u1", "OPENAI", "  ", Cloud), ErrEmptyKey)

	_, err := ParseStorePref("somewhere")
	require.ErrorIs(t, err, ErrInvalidStorePref)
	p, err := ParseStorePref(" cloud ")
	require.NoError(t, err)
	require.Equal(t, Cloud, p)
}

func TestMissingMasterKeyIsCryptoError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v := newVault(t, store, nil)

	require.ErrorIs(t, v.SaveKey(ctx, "u1", "OPENAI", "k", Cloud), crypto.ErrCrypto)

	require.NoError(t, store.SaveCredential(ctx, storage.Credential{
		UserID: "u1", Provider: "OPENAI", EncAPIKey: "not-an-envelope", StorePref: "CLOUD",
	}, storage.AuditEntry{}))
	_, err := v.ResolveKey(ctx, "u1", "OPENAI", "")
	require.ErrorIs(t, err, crypto.ErrCrypto)

	withKey := newVault(t, store, codecWith(t, "a", map[string][]byte{"a": keyA}))
	_, err = withKey.ResolveKey(ctx, "u1", "OPENAI", "")
	require.ErrorIs(t, err, crypto.ErrCrypto)
}

func TestSetDefaultModel(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newStore(t), codecWith(t, "a", map[string][]byte{"a": keyA}))

	require.ErrorIs(t, v.SetDefaultModel(ctx, "u1", "OPENAI", "gpt-2"), registry.ErrInvalidModel)
	require.NoError(t, v.SetDefaultModel(ctx, "u1", "OPENAI", "o3-mini"))
	require.NoError(t, v.SaveKey(ctx, "u1", "OPENAI", "sk-test", Cloud))

	model, err := v.DefaultModel(ctx, "u1", "OPENAI")
	require.NoError(t, err)
	require.Equal(t, "o3-mini", model)

	audit, err := v.AuditLog(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, "key_saved", audit[0].Action)
	require.Equal(t, "default_model_set", audit[1].Action)
	require.Contains(t, audit[1].MetaJSON, "o3-mini")
	require.JSONEq(t, `{"provider":"OPENAI","store_pref":"CLOUD"}`, audit[0].MetaJSON)
	require.JSONEq(t, `{"provider":"OPENAI","model":"o3-mini"}`, audit[1].MetaJSON)
}

func TestAuditMetaEscapesValues(t *testing.T) {
	meta, err := auditMeta(map[string]string{"model": `a"b\c`})
	require.NoError(t, err)
	require.JSONEq(t, `{"model":"a\"b\\c"}`, meta)
}

func TestStatusesListsConfiguredProviders(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newStore(t), codecWith(t, "a", map[string][]byte{"a": keyA}))

	none, err := v.Statuses(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, v.SaveKey(ctx, "u1", "OPENAI", "sk-test", Cloud))
	require.NoError(t, v.SaveKey(ctx, "u1", "GEMINI", "", Local))
	require.NoError(t, v.SaveKey(ctx, "u2", "CLAUDE", "sk-other", Cloud))

	got, err := v.Statuses(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]Status{
		"OPENAI": {StorePref: Cloud, HasKey: true},
		"GEMINI": {StorePref: Local},
	}, got)
}

func TestRotateKeysMovesStaleRecords(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	old := newVault(t, store, codecWith(t, "a", map[string][]byte{"a": keyA}))
	require.NoError(t, old.SaveKey(ctx, "u1", "OPENAI", "sk-one", Cloud))
	require.NoError(t, old.SaveKey(ctx, "u2", "GEMINI", "sk-two", Cloud))

	rotatedCodec := codecWith(t, "b", map[string][]byte{"a": keyA, "b": keyB})
	v := newVault(t, store, rotatedCodec)
	n, err := v.RotateKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = v.RotateKeys(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	onlyB := newVault(t, store, codecWith(t, "b", map[string][]byte{"b": keyB}))
	key, err := onlyB.ResolveKey(ctx, "u2", "GEMINI", "")
	require.NoError(t, err)
	require.Equal(t, "sk-two", key)
}

type failingStore struct {
	Store
}

func (failingStore) SaveCredential(context.Context, storage.Credential, storage.AuditEntry) error {
	return errors.New("disk full")
}

func TestSaveKeyWrapsStoreFailure(t *testing.T) {
	v := newVault(t, failingStore{Store: newStore(t)}, codecWith(t, "a", map[string][]byte{"a": keyA}))
	err := v.SaveKey(context.Background(), "u1", "OPENAI", "k", Cloud)
	require.ErrorIs(t, err, ErrPersistence)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "cred:u1:OPENAI")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive)
	require.Empty(t, m.locks)
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	other, err := m.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
