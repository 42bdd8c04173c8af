package telegram

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codemate/internal/chat"
	"codemate/internal/metrics"
	"codemate/internal/prompt"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

type Sessions interface {
	chat.SessionCreator
	ListByProblem(ctx context.Context, userID, problemID string) ([]storage.SessionSummary, error)
	AggregateStatistics(ctx context.Context, f storage.StatsFilter) (storage.Stats, error)
	GetAISettings(ctx context.Context, userID string) (storage.AISettings, error)
	UpsertAISettings(ctx context.Context, a storage.AISettings) error
}

type KeyVault interface {
	GetStorePref(ctx context.Context, userID, provider string) (vault.Status, error)
	SaveKey(ctx context.Context, userID, provider, plaintext string, pref vault.StorePref) error
}

type Catalog interface {
	Providers() []string
	Models(provider string) ([]string, error)
	Validate(provider, model string) error
	DefaultModel(provider string) (string, error)
}

type Config struct {
	Sessions   Sessions
	Vault      KeyVault
	Gateway    chat.Sender
	Persister  chat.Persister
	Registry   Catalog
	Defaults   chat.Defaults
	Redis      *redis.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	WizardTTL  time.Duration
	AccessMode string
}

// chatState is the conversation bound to one Telegram chat.
type chatState struct {
	conv        *chat.Conversation
	problemID   string
	code        *prompt.CodeContext
	includeCode bool
}

type Service struct {
	sessions   Sessions
	vault      KeyVault
	gateway    chat.Sender
	persister  chat.Persister
	registry   Catalog
	defaults   chat.Defaults
	wizard     *wizardStore
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	accessMode string

	mu    sync.Mutex
	chats map[int64]*chatState
	keys  *localKeys
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		sessions:   cfg.Sessions,
		vault:      cfg.Vault,
		gateway:    cfg.Gateway,
		persister:  cfg.Persister,
		registry:   cfg.Registry,
		defaults:   cfg.Defaults,
		wizard:     newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:     cfg.Logger,
		metrics:    m,
		accessMode: cfg.AccessMode,
		chats:      make(map[int64]*chatState),
		keys:       newLocalKeys(),
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("problem", s.problem))
	d.AddHandler(handlers.NewCommand("use", s.use))
	d.AddHandler(handlers.NewCommand("key", s.key))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("stats", s.stats))
	d.AddHandler(handlers.NewCommand("code", s.code))
	d.AddHandler(handlers.NewCommand("attach_code", s.attachCode))
	d.AddHandler(handlers.NewCommand("resync", s.resync))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(message.Text, s.text))
}

// userRef maps a Telegram user onto the user id space of the vault and
// session store.
func userRef(tgUserID int64) string {
	return "tg:" + strconv.FormatInt(tgUserID, 10)
}

func (s *Service) activeChat(chatID int64) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}

func (s *Service) setChatState(chatID int64, st *chatState) {
	s.mu.Lock()
	s.chats[chatID] = st
	s.mu.Unlock()
}

// conversationsOf returns the active conversations owned by user.
func (s *Service) conversationsOf(user string) []*chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chat.Conversation
	for _, st := range s.chats {
		if st.conv.Options().UserID == user {
			out = append(out, st.conv)
		}
	}
	return out
}

// localKeys holds LOCAL provider keys in process memory only.
type localKeys struct {
	mu   sync.RWMutex
	keys map[string]string
}

func newLocalKeys() *localKeys {
	return &localKeys{keys: make(map[string]string)}
}

func (k *localKeys) id(user, provider string) string {
	return user + "|" + provider
}

func (k *localKeys) Get(user, provider string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[k.id(user, provider)]
}

func (k *localKeys) Set(user, provider, key string) {
	k.mu.Lock()
	k.keys[k.id(user, provider)] = key
	k.mu.Unlock()
}

func (k *localKeys) Delete(user, provider string) {
	k.mu.Lock()
	delete(k.keys, k.id(user, provider))
	k.mu.Unlock()
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}
