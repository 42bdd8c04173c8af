package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"codemate/internal/chat"
	"codemate/internal/crypto"
	"codemate/internal/gateway"
	"codemate/internal/prompt"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

type response struct {
	Success bool            `json:"success"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testAPI struct {
	mux      *http.ServeMux
	store    *storage.Store
	upstream chan []map[string]any
}

func newTestAPI(t *testing.T, status int, body string) *testAPI {
	t.Helper()
	upstream := make(chan []map[string]any, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.Unmarshal(raw, &payload)
		upstream <- payload.Messages
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
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
	store, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "api.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	codec, err := crypto.NewCodec("k1", map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	v := vault.New(vault.Config{Store: store, Codec: codec, Registry: reg, Logger: zerolog.Nop()})
	gw := gateway.New(gateway.Config{Registry: reg, Vault: v, HTTPClient: srv.Client(), Timeout: 5 * time.Second, Logger: zerolog.Nop()})

	mux := http.NewServeMux()
	New(Config{
		Vault:    v,
		Gateway:  gw,
		Sessions: store,
		Registry: reg,
		Defaults: chat.Defaults{Settings: store, Prefs: v, Registry: reg},
		Logger:   zerolog.Nop(),
	}).Register(mux, "/healthz")
	return &testAPI{mux: mux, store: store, upstream: upstream}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	var out response
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func decodeData(t *testing.T, r response, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

func TestMissingUserHeader(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)
	code, resp := api.do(t, http.MethodGet, "/v1/settings", "", nil)
	if code != http.StatusUnauthorized || resp.Success || resp.Kind != kindUnauthenticated {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
}

func TestHealthAndProviders(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)

	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	code, resp := api.do(t, http.MethodGet, "/v1/providers", "", nil)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
	var list []providerInfo
	decodeData(t, resp, &list)
	if len(list) != 5 || list[0].ID != "GEMINI" || list[0].DefaultModel != list[0].Models[0] {
		t.Fatalf("unexpected provider list %+v", list)
	}
}

func TestKeyLifecycle(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)

	code, resp := api.do(t, http.MethodGet, "/v1/keys/openai", "u1", nil)
	if code != http.StatusNotFound || resp.Kind != chat.KindNotConfigured {
		t.Fatalf("expected not_configured, got %d %+v", code, resp)
	}

	code, resp = api.do(t, http.MethodPut, "/v1/keys/openai", "u1", saveKeyRequest{APIKey: "sk-test", StorePref: "CLOUD"})
	if code != http.StatusOK {
		t.Fatalf("save key: %d %+v", code, resp)
	}
	var st vault.Status
	decodeData(t, resp, &st)
	if st.StorePref != vault.Cloud || !st.HasKey {
		t.Fatalf("unexpected status %+v", st)
	}
	if bytes.Contains(resp.Data, []byte("sk-test")) {
		t.Fatalf("plaintext key echoed in response: %s", resp.Data)
	}

	code, resp = api.do(t, http.MethodPut, "/v1/keys/openai/model", "u1", setModelRequest{Model: "gpt-4o-mini"})
	if code != http.StatusOK {
		t.Fatalf("set model: %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodPut, "/v1/keys/openai/model", "u1", setModelRequest{Model: "gpt-2"})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidModel {
		t.Fatalf("expected invalid_model, got %d %+v", code, resp)
	}

	code, resp = api.do(t, http.MethodPut, "/v1/keys/openai", "u1", saveKeyRequest{StorePref: "LOCAL"})
	if code != http.StatusOK {
		t.Fatalf("switch to local: %d %+v", code, resp)
	}
	decodeData(t, resp, &st)
	if st.StorePref != vault.Local || st.HasKey || st.DefaultModel != "gpt-4o-mini" {
		t.Fatalf("unexpected status after LOCAL %+v", st)
	}

	code, resp = api.do(t, http.MethodGet, "/v1/keys", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("list keys: %d %+v", code, resp)
	}
	var all map[string]vault.Status
	decodeData(t, resp, &all)
	if len(all) != 5 || all["OPENAI"].StorePref != vault.Local || all["GEMINI"].StorePref != vault.Unset {
		t.Fatalf("unexpected key list %+v", all)
	}

	code, resp = api.do(t, http.MethodGet, "/v1/audit?limit=2", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("audit: %d %+v", code, resp)
	}
	var audit []auditItem
	decodeData(t, resp, &audit)
	if len(audit) != 2 || audit[0].Action != "key_saved" || audit[1].Action != "default_model_set" {
		t.Fatalf("unexpected audit %+v", audit)
	}
	if bytes.Contains(resp.Data, []byte("sk-test")) {
		t.Fatalf("audit leaked key material: %s", resp.Data)
	}
	if code, resp = api.do(t, http.MethodGet, "/v1/audit?limit=0", "u1", nil); code != http.StatusBadRequest {
		t.Fatalf("expected bad limit to be rejected, got %d %+v", code, resp)
	}
}

func TestSaveKeyRejectsBadInput(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)
	cases := []struct {
		name string
		path string
		body saveKeyRequest
		kind string
	}{
		{"unset pref", "/v1/keys/openai", saveKeyRequest{APIKey: "k", StorePref: "UNSET"}, chat.KindInvalidArgument},
		{"bogus pref", "/v1/keys/openai", saveKeyRequest{APIKey: "k", StorePref: "DISK"}, chat.KindInvalidArgument},
		{"empty cloud key", "/v1/keys/openai", saveKeyRequest{StorePref: "CLOUD"}, chat.KindInvalidArgument},
		{"unknown provider", "/v1/keys/acme", saveKeyRequest{APIKey: "k", StorePref: "CLOUD"}, chat.KindUnknownProvider},
	}
	for _, tc := range cases {
		code, resp := api.do(t, http.MethodPut, tc.path, "u1", tc.body)
		if code != http.StatusBadRequest || resp.Kind != tc.kind {
			t.Fatalf("%s: expected 400 %s, got %d %+v", tc.name, tc.kind, code, resp)
		}
	}
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)

	code, resp := api.do(t, http.MethodGet, "/v1/settings", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("get settings: %d %+v", code, resp)
	}
	var got settingsBody
	decodeData(t, resp, &got)
	if got.DefaultProvider != "GEMINI" || got.DefaultModel != "gemini-1.5-pro" {
		t.Fatalf("unexpected defaults %+v", got)
	}

	code, resp = api.do(t, http.MethodPut, "/v1/settings", "u1", settingsBody{DefaultProvider: "openai", DefaultModel: "gpt-4o", PrePrompt: "be brief"})
	if code != http.StatusOK {
		t.Fatalf("put settings: %d %+v", code, resp)
	}
	_, resp = api.do(t, http.MethodGet, "/v1/settings", "u1", nil)
	decodeData(t, resp, &got)
	if got.DefaultProvider != "OPENAI" || got.DefaultModel != "gpt-4o" || got.PrePrompt != "be brief" {
		t.Fatalf("unexpected stored settings %+v", got)
	}

	code, resp = api.do(t, http.MethodPut, "/v1/settings", "u1", settingsBody{DefaultProvider: "OPENAI", DefaultModel: "gemini-1.5-pro"})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidModel {
		t.Fatalf("expected invalid_model, got %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodPut, "/v1/settings", "u1", settingsBody{DefaultModel: "gpt-4o"})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidArgument {
		t.Fatalf("expected invalid_argument, got %d %+v", code, resp)
	}
}

func TestChatWithCloudKey(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"Recursion is..."}}]}`)
	api.do(t, http.MethodPut, "/v1/keys/OPENAI", "u1", saveKeyRequest{APIKey: "sk-test", StorePref: "CLOUD"})

	code, resp := api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Provider: "OPENAI",
		Model:    "gpt-4o",
		Messages: []storage.Message{
			{Role: "assistant", Content: prompt.Greeting},
			{Role: "user", Content: "explain recursion"},
		},
	})
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("chat: %d %+v", code, resp)
	}
	var reply chatReply
	decodeData(t, resp, &reply)
	if reply.Reply != "Recursion is..." || reply.Provider != "OPENAI" || reply.Model != "gpt-4o" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	sent := <-api.upstream
	if len(sent) != 2 || sent[0]["role"] != "system" || sent[1]["content"] != "explain recursion" {
		t.Fatalf("unexpected upstream payload %+v", sent)
	}
	if sent[0]["content"] != prompt.DefaultSystemPrompt {
		t.Fatalf("expected default system prompt, got %v", sent[0]["content"])
	}
}

func TestChatAttachesContextTurn(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)

	code, resp := api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Provider:     "OPENAI",
		Model:        "gpt-4o",
		APIKey:       "sk-local",
		SystemPrompt: "custom",
		Messages:     []storage.Message{{Role: "user", Content: "why does this fail?"}},
		CodeContext:  &prompt.CodeContext{Language: "go", Code: "panic(1)"},
		ImageBase64:  "aGk=",
	})
	if code != http.StatusOK {
		t.Fatalf("chat: %d %+v", code, resp)
	}
	sent := <-api.upstream
	if len(sent) != 3 || sent[0]["content"] != "custom" {
		t.Fatalf("expected [system, user, context], got %+v", sent)
	}
	parts, ok := sent[2]["content"].([]any)
	if !ok || len(parts) != 3 {
		t.Fatalf("expected three context parts, got %+v", sent[2])
	}
}

func TestChatFailures(t *testing.T) {
	api := newTestAPI(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)

	code, resp := api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Provider: "OPENAI",
		Model:    "gpt-4o",
		Messages: []storage.Message{{Role: "user", Content: "hi"}},
	})
	if code != http.StatusPreconditionFailed || resp.Kind != chat.KindNoKeyConfigured {
		t.Fatalf("expected no_key_configured, got %d %+v", code, resp)
	}

	code, resp = api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Provider: "OPENAI",
		Model:    "gpt-4o",
		APIKey:   "sk-wrong",
		Messages: []storage.Message{{Role: "user", Content: "hi"}},
	})
	if code != http.StatusBadGateway || resp.Kind != chat.KindProviderError {
		t.Fatalf("expected provider_error, got %d %+v", code, resp)
	}
	if !bytes.Contains([]byte(resp.Message), []byte("invalid_api_key")) {
		t.Fatalf("expected upstream code in diagnostic message, got %q", resp.Message)
	}

	code, resp = api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Provider: "OPENAI",
		Model:    "gpt-2",
		APIKey:   "sk",
		Messages: []storage.Message{{Role: "user", Content: "hi"}},
	})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidModel {
		t.Fatalf("expected invalid_model, got %d %+v", code, resp)
	}

	code, resp = api.do(t, http.MethodPost, "/v1/chat", "u1", chatRequest{
		Messages: []storage.Message{{Role: "assistant", Content: "hi"}},
	})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidArgument {
		t.Fatalf("expected invalid_argument, got %d %+v", code, resp)
	}
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)

	code, resp := api.do(t, http.MethodPost, "/v1/sessions", "u1", createSessionRequest{ProblemID: "p1"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %+v", code, resp)
	}
	var created map[string]string
	decodeData(t, resp, &created)
	chatID := created["chatId"]
	if chatID == "" {
		t.Fatalf("missing chat id in %s", resp.Data)
	}
	path := "/v1/sessions/" + chatID + "/messages"

	m1 := storage.Message{Role: "user", Content: "q"}
	m2 := storage.Message{Role: "assistant", Content: "a"}
	for _, m := range []storage.Message{m1, m2} {
		if code, resp := api.do(t, http.MethodPost, path, "", messagesRequest{Messages: []storage.Message{m}}); code != http.StatusOK {
			t.Fatalf("append: %d %+v", code, resp)
		}
	}

	_, resp = api.do(t, http.MethodGet, path, "", nil)
	var msgs []storage.Message
	decodeData(t, resp, &msgs)
	if len(msgs) != 2 || msgs[0] != m1 || msgs[1] != m2 {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	m3 := storage.Message{Role: "user", Content: "again"}
	if code, resp := api.do(t, http.MethodPut, path, "", messagesRequest{Messages: []storage.Message{m3}}); code != http.StatusOK {
		t.Fatalf("overwrite: %d %+v", code, resp)
	}
	_, resp = api.do(t, http.MethodGet, path, "", nil)
	decodeData(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0] != m3 {
		t.Fatalf("unexpected messages after overwrite %+v", msgs)
	}

	code, resp = api.do(t, http.MethodGet, "/v1/sessions/"+chatID, "", nil)
	if code != http.StatusOK {
		t.Fatalf("fetch session: %d %+v", code, resp)
	}
	var doc storage.Session
	decodeData(t, resp, &doc)
	if doc.ChatID != chatID || doc.UserID != "u1" || doc.ProblemID != "p1" || len(doc.Messages) != 1 {
		t.Fatalf("unexpected session %+v", doc)
	}

	code, resp = api.do(t, http.MethodGet, "/v1/sessions?problemId=p1", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %+v", code, resp)
	}
	var list []storage.SessionSummary
	decodeData(t, resp, &list)
	if len(list) != 1 || list[0].ChatID != chatID || list[0].MessageCount != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	code, resp = api.do(t, http.MethodGet, "/v1/stats?userId=u1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: %d %+v", code, resp)
	}
	var stats storage.Stats
	decodeData(t, resp, &stats)
	if stats.TotalSessions != 1 || stats.TotalMessages != 1 || stats.DistinctProblemCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if code, resp := api.do(t, http.MethodDelete, path, "", nil); code != http.StatusOK {
		t.Fatalf("delete: %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodGet, path, "", nil)
	if code != http.StatusNotFound || resp.Kind != chat.KindSessionNotFound {
		t.Fatalf("expected session_not_found after delete, got %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodDelete, path, "", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d %+v", code, resp)
	}
}

func TestSessionWriteErrors(t *testing.T) {
	api := newTestAPI(t, http.StatusOK, `{}`)

	code, resp := api.do(t, http.MethodPost, "/v1/sessions/nope/messages", "", messagesRequest{Messages: []storage.Message{{Role: "user", Content: "x"}}})
	if code != http.StatusNotFound || resp.Kind != chat.KindSessionNotFound {
		t.Fatalf("expected session_not_found, got %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodPost, "/v1/sessions/nope/messages", "", messagesRequest{Messages: []storage.Message{{Role: "robot", Content: "x"}}})
	if code != http.StatusBadRequest || resp.Kind != chat.KindInvalidArgument {
		t.Fatalf("expected invalid_argument, got %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodPost, "/v1/sessions", "u1", createSessionRequest{})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing problem id, got %d %+v", code, resp)
	}
	code, resp = api.do(t, http.MethodGet, "/v1/sessions", "u1", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing problemId query, got %d %+v", code, resp)
	}
}
