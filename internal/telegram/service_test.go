package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codemate/internal/chat"
	"codemate/internal/crypto"
	"codemate/internal/gateway"
	"codemate/internal/metrics"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

type upstreamCall struct {
	Auth     string
	Messages []map[string]any
}

type testBot struct {
	svc      *Service
	store    *storage.Store
	vault    *vault.Vault
	registry *registry.Registry
	upstream chan upstreamCall
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	upstream := make(chan upstreamCall, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.Unmarshal(raw, &payload)
		upstream <- upstreamCall{Auth: r.Header.Get("Authorization"), Messages: payload.Messages}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Try a hash map."}}]}`))
	}))
	t.Cleanup(srv.Close)

	overlay := filepath.Join(t.TempDir(), "providers.toml")
	if err := os.WriteFile(overlay, []byte(fmt.Sprintf("[[provider]]\nid = \"OPENAI\"\nbase_url = %q\n", srv.URL)), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	reg, err := registry.Load(overlay)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	store, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "bot.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	codec, err := crypto.NewCodec("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	v := vault.New(vault.Config{Store: store, Codec: codec, Registry: reg, Logger: zerolog.Nop()})
	gw := gateway.New(gateway.Config{Registry: reg, Vault: v, HTTPClient: srv.Client(), Timeout: 5 * time.Second, Logger: zerolog.Nop()})

	svc := NewService(Config{
		Sessions:   store,
		Vault:      v,
		Gateway:    gw,
		Persister:  chat.StorePersister{Store: store},
		Registry:   reg,
		Defaults:   chat.Defaults{Settings: store, Prefs: v, Registry: reg},
		Redis:      rdb,
		Logger:     zerolog.Nop(),
		Metrics:    metrics.Global(),
		WizardTTL:  time.Minute,
		AccessMode: "public",
	})
	return &testBot{svc: svc, store: store, vault: v, registry: reg, upstream: upstream}
}

func TestWizardStoreRoundTrip(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	got, err := tb.svc.wizard.Get(ctx, 42)
	if err != nil || got != nil {
		t.Fatalf("expected no wizard, got %+v err=%v", got, err)
	}
	want := keyWizardState{ChatID: 42, Step: stepPref, Provider: "OPENAI"}
	if err := tb.svc.wizard.Set(ctx, 42, want); err != nil {
		t.Fatalf("set wizard: %v", err)
	}
	got, err = tb.svc.wizard.Get(ctx, 42)
	if err != nil || got == nil || *got != want {
		t.Fatalf("unexpected wizard %+v err=%v", got, err)
	}
	if err := tb.svc.wizard.Clear(ctx, 42); err != nil {
		t.Fatalf("clear wizard: %v", err)
	}
	if got, _ := tb.svc.wizard.Get(ctx, 42); got != nil {
		t.Fatalf("expected wizard to be cleared, got %+v", got)
	}
}

func TestKeyWizardCloud(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	if _, active, err := tb.svc.wizardInput(ctx, 7, "openai"); err != nil || active {
		t.Fatalf("input without wizard must be ignored: active=%v err=%v", active, err)
	}

	r, err := tb.svc.beginKeyWizard(ctx, 7, 7)
	if err != nil || r.Keyboard == nil {
		t.Fatalf("begin wizard: %+v err=%v", r, err)
	}

	r, active, err := tb.svc.wizardInput(ctx, 7, "nope")
	if err != nil || !active || !strings.HasPrefix(r.Text, "Unknown provider") {
		t.Fatalf("unexpected reply for unknown provider: %+v active=%v err=%v", r, active, err)
	}

	r, active, err = tb.svc.wizardInput(ctx, 7, "openai")
	if err != nil || !active || r.Secret || !strings.Contains(r.Text, "OPENAI") {
		t.Fatalf("unexpected provider reply: %+v active=%v err=%v", r, active, err)
	}
	r, active, err = tb.svc.wizardInput(ctx, 7, "cloud")
	if err != nil || !active || r.Secret {
		t.Fatalf("unexpected pref reply: %+v active=%v err=%v", r, active, err)
	}
	r, active, err = tb.svc.wizardInput(ctx, 7, " sk-cloud ")
	if err != nil || !active || !r.Secret {
		t.Fatalf("unexpected key reply: %+v active=%v err=%v", r, active, err)
	}
	if r.Text != "OPENAI key saved (cloud)." {
		t.Fatalf("unexpected confirmation %q", r.Text)
	}

	st, err := tb.vault.GetStorePref(ctx, "tg:7", "OPENAI")
	if err != nil || st.StorePref != vault.Cloud || !st.HasKey {
		t.Fatalf("unexpected vault status %+v err=%v", st, err)
	}
	key, err := tb.vault.ResolveKey(ctx, "tg:7", "OPENAI", "")
	if err != nil || key != "sk-cloud" {
		t.Fatalf("unexpected stored key %q err=%v", key, err)
	}
	if state, _ := tb.svc.wizard.Get(ctx, 7); state != nil {
		t.Fatalf("wizard must be cleared after saving, got %+v", state)
	}
}

func TestKeyWizardLocal(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	if _, err := tb.svc.beginKeyWizard(ctx, 9, 9); err != nil {
		t.Fatalf("begin wizard: %v", err)
	}
	for _, in := range []string{"OPENAI", "maybe", "local"} {
		if _, active, err := tb.svc.wizardInput(ctx, 9, in); err != nil || !active {
			t.Fatalf("input %q: active=%v err=%v", in, active, err)
		}
	}

	r, active, err := tb.svc.wizardInput(ctx, 9, "   ")
	if err != nil || !active || r.Text != "The key is empty. Send it again." {
		t.Fatalf("unexpected reply for empty key: %+v active=%v err=%v", r, active, err)
	}
	r, _, err = tb.svc.wizardInput(ctx, 9, "sk-local")
	if err != nil || !r.Secret || r.Text != "OPENAI key saved (local)." {
		t.Fatalf("unexpected reply: %+v err=%v", r, err)
	}

	if got := tb.svc.keys.Get("tg:9", "OPENAI"); got != "sk-local" {
		t.Fatalf("expected in-memory key, got %q", got)
	}
	st, err := tb.vault.GetStorePref(ctx, "tg:9", "OPENAI")
	if err != nil || st.StorePref != vault.Local || st.HasKey {
		t.Fatalf("LOCAL must not store key material: %+v err=%v", st, err)
	}
}

func TestSaveKeyCloudDropsLocalCopy(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	if err := tb.svc.saveKey(ctx, 3, "openai", vault.Local, "sk-local"); err != nil {
		t.Fatalf("save local: %v", err)
	}
	if err := tb.svc.saveKey(ctx, 3, "openai", vault.Cloud, "sk-cloud"); err != nil {
		t.Fatalf("save cloud: %v", err)
	}
	if got := tb.svc.keys.Get("tg:3", "OPENAI"); got != "" {
		t.Fatalf("expected local key to be dropped, got %q", got)
	}
	if err := tb.svc.saveKey(ctx, 3, "openai", vault.Unset, "x"); !errors.Is(err, vault.ErrInvalidStorePref) {
		t.Fatalf("expected invalid store pref, got %v", err)
	}
}

func TestProblemConversationFlow(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	const chatID, userID = int64(100), int64(7)

	if _, err := tb.svc.submit(ctx, chatID, "hello"); !errors.Is(err, errNoConversation) {
		t.Fatalf("expected no conversation, got %v", err)
	}

	provider, model, err := tb.svc.useModel(ctx, chatID, userID, "openai", "")
	if err != nil {
		t.Fatalf("use model: %v", err)
	}
	wantModel, _ := tb.registry.DefaultModel("OPENAI")
	if provider != "OPENAI" || model != wantModel {
		t.Fatalf("unexpected selection %s %s", provider, model)
	}

	st, err := tb.svc.openProblem(ctx, chatID, userID, "two-sum")
	if err != nil {
		t.Fatalf("open problem: %v", err)
	}
	if opts := st.conv.Options(); opts.Provider != "OPENAI" || opts.Model != wantModel {
		t.Fatalf("conversation did not pick up the default: %+v", opts)
	}

	if err := tb.svc.saveKey(ctx, userID, "OPENAI", vault.Local, "sk-local"); err != nil {
		t.Fatalf("save key: %v", err)
	}
	if err := tb.svc.setCode(chatID, "go", "func main() {}"); err != nil {
		t.Fatalf("set code: %v", err)
	}

	out, err := tb.svc.submit(ctx, chatID, "why is this slow?")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Reply.Content != "Try a hash map." || out.ProviderErr != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}

	call := <-tb.upstream
	if call.Auth != "Bearer sk-local" {
		t.Fatalf("expected local key to be sent, got %q", call.Auth)
	}
	if n := len(call.Messages); n != 3 {
		t.Fatalf("expected system, prompt and context turns, got %d", n)
	}
	if got := call.Messages[1]["content"]; got != "why is this slow?" {
		t.Fatalf("unexpected prompt turn %#v", got)
	}
	attached, _ := json.Marshal(call.Messages[2]["content"])
	if !strings.Contains(string(attached), "func main() {}") {
		t.Fatalf("expected code in the context turn, got %s", attached)
	}

	stored, err := tb.store.FetchMessages(ctx, st.conv.ChatID())
	if err != nil || len(stored) != 2 {
		t.Fatalf("expected 2 stored messages, got %d err=%v", len(stored), err)
	}

	status := tb.svc.statusText(ctx, chatID, userID)
	for _, want := range []string{"problem: two-sum", "provider: OPENAI " + wantModel, "attach code: on (go)", "- OPENAI: local (this process)"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status %q lacks %q", status, want)
		}
	}

	if err := tb.svc.setIncludeCode(chatID, false); err != nil {
		t.Fatalf("toggle code: %v", err)
	}
	if st.conv.Attachments().Code != nil {
		t.Fatalf("code must be detached")
	}

	history, err := tb.svc.historyText(ctx, chatID, userID, "")
	if err != nil || !strings.Contains(history, st.conv.ChatID()) || !strings.Contains(history, "2 messages") {
		t.Fatalf("unexpected history %q err=%v", history, err)
	}
	stats, err := tb.svc.statsText(ctx, userID, "")
	if err != nil || !strings.Contains(stats, "sessions: 1") || !strings.Contains(stats, "messages: 2") {
		t.Fatalf("unexpected stats %q err=%v", stats, err)
	}
}

func TestNoKeyYieldsFallback(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	if _, _, err := tb.svc.useModel(ctx, 5, 5, "OPENAI", ""); err != nil {
		t.Fatalf("use model: %v", err)
	}
	if _, err := tb.svc.openProblem(ctx, 5, 5, "p1"); err != nil {
		t.Fatalf("open problem: %v", err)
	}
	out, err := tb.svc.submit(ctx, 5, "hi")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Reply.Content != chat.Fallback || chat.Kind(out.ProviderErr) != chat.KindNoKeyConfigured {
		t.Fatalf("unexpected outcome %+v", out)
	}
	select {
	case <-tb.upstream:
		t.Fatalf("provider must not be called without a key")
	default:
	}
}

func TestUseModelRejectsUnknown(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	_, _, err := tb.svc.useModel(ctx, 1, 1, "nope", "")
	if chat.Kind(err) != chat.KindUnknownProvider {
		t.Fatalf("expected unknown provider, got %v", err)
	}
	if msg := tb.svc.describeError(err); !strings.Contains(msg, "OPENAI") {
		t.Fatalf("expected provider list in %q", msg)
	}
	_, _, err = tb.svc.useModel(ctx, 1, 1, "OPENAI", "no-such-model")
	if chat.Kind(err) != chat.KindInvalidModel {
		t.Fatalf("expected invalid model, got %v", err)
	}
}

func TestProcessorAllowed(t *testing.T) {
	user := func(id int64) *ext.Context {
		return &ext.Context{EffectiveUser: &gotgbot.User{Id: id}}
	}
	open := Processor{}
	if !open.allowed(user(1)) || !open.allowed(&ext.Context{}) {
		t.Fatalf("public processor must allow everyone")
	}
	private := Processor{AllowedUserID: 5}
	if !private.allowed(user(5)) {
		t.Fatalf("expected admin to be allowed")
	}
	if private.allowed(user(6)) || private.allowed(&ext.Context{}) {
		t.Fatalf("expected other users to be dropped")
	}
}
