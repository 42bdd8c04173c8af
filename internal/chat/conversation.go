package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"codemate/internal/gateway"
	"codemate/internal/metrics"
	"codemate/internal/prompt"
	"codemate/internal/providers"
	"codemate/internal/storage"
)

// Fallback replaces the assistant turn whenever the provider call fails.
const Fallback = "Sorry I am busy at the moment, please try again later!"

var (
	ErrNotReady        = errors.New("conversation is not ready")
	ErrBusy            = errors.New("a prompt is already in flight")
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrInvalidArgument = errors.New("invalid argument")
)

type State int

const (
	Idle State = iota
	AwaitingSession
	Ready
	Prompting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSession:
		return "awaiting_session"
	case Ready:
		return "ready"
	case Prompting:
		return "prompting"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type SessionCreator interface {
	CreateSession(ctx context.Context, userID, problemID string, imageURL *string) (string, error)
}

type Sender interface {
	Send(ctx context.Context, req gateway.Request) (string, error)
}

type Options struct {
	UserID       string
	ProblemID    string
	ImageURL     *string
	Provider     string
	Model        string
	APIKey       string
	SystemPrompt string
}

type Attachments struct {
	Code        *prompt.CodeContext
	ImageBase64 string
}

type Config struct {
	Sessions  SessionCreator
	Gateway   Sender
	Persister Persister
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Conversation is one user's in-memory chat about one problem, mirrored to
// the session store. At most one prompt is in flight at a time.
type Conversation struct {
	sessions  SessionCreator
	gateway   Sender
	persister Persister
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	// persistMu orders store writes; it is taken before mu.
	persistMu sync.Mutex

	mu         sync.Mutex
	state      State
	chatID     string
	opts       Options
	attach     Attachments
	transcript []storage.Message
	lastErr    error
}

// Outcome is the assistant turn appended by Submit. ProviderErr is set when
// the turn is the fallback; it is for diagnostics only.
type Outcome struct {
	Reply       storage.Message
	ProviderErr error
}

func New(cfg Config, opts Options) *Conversation {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Conversation{
		sessions:   cfg.Sessions,
		gateway:    cfg.Gateway,
		persister:  cfg.Persister,
		logger:     cfg.Logger.With().Str("user_id", opts.UserID).Str("problem_id", opts.ProblemID).Logger(),
		metrics:    m,
		state:      Idle,
		opts:       opts,
		transcript: []storage.Message{{Role: providers.RoleAssistant, Content: prompt.Greeting}},
	}
}

// Start mints the backing session. It must complete before Submit is
// accepted. A conversation whose session could not be created may be
// started again.
func (c *Conversation) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle && !(c.state == Failed && c.chatID == "") {
		c.mu.Unlock()
		return fmt.Errorf("conversation already started (%s)", c.state)
	}
	c.state = AwaitingSession
	opts := c.opts
	c.mu.Unlock()

	chatID, err := c.sessions.CreateSession(ctx, opts.UserID, opts.ProblemID, opts.ImageURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Failed
		c.lastErr = err
		c.logger.Error().Err(err).Msg("create session failed")
		return err
	}
	c.metrics.SessionsCreated.Inc()
	c.chatID = chatID
	c.state = Ready
	c.lastErr = nil
	c.logger.Info().Str("chat_id", chatID).Msg("session created")
	return nil
}

// Submit appends the user turn, calls the provider and appends either the
// reply or Fallback. The conversation stays in Prompting until both turns
// are mirrored to the store. The returned error is non-nil only when the
// prompt was not accepted or when mirroring failed.
func (c *Conversation) Submit(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrEmptyPrompt
	}

	c.mu.Lock()
	switch c.state {
	case Ready:
	case Prompting:
		c.mu.Unlock()
		return Outcome{}, ErrBusy
	case Failed:
		err := c.lastErr
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %w", ErrNotReady, err)
	default:
		c.mu.Unlock()
		return Outcome{}, ErrNotReady
	}
	prior := toProviderMessages(c.transcript)
	userTurn := storage.Message{Role: providers.RoleUser, Content: text}
	c.transcript = append(c.transcript, userTurn)
	c.state = Prompting
	opts := c.opts
	attach := c.attach
	chatID := c.chatID
	c.mu.Unlock()

	messages := prompt.Build(prompt.Input{
		SystemPrompt: opts.SystemPrompt,
		Prior:        prior,
		Prompt:       text,
		Code:         attach.Code,
		ImageBase64:  attach.ImageBase64,
	})
	reply, sendErr := c.gateway.Send(ctx, gateway.Request{
		UserID:   opts.UserID,
		Provider: opts.Provider,
		Model:    opts.Model,
		APIKey:   opts.APIKey,
		Messages: messages,
	})

	out := Outcome{Reply: storage.Message{Role: providers.RoleAssistant, Content: reply}}
	if sendErr != nil {
		out.Reply.Content = Fallback
		out.ProviderErr = sendErr
		c.logger.Warn().Err(sendErr).Str("chat_id", chatID).Str("kind", Kind(sendErr)).Msg("prompt failed, fallback appended")
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, out.Reply)
	c.mu.Unlock()

	c.persistMu.Lock()
	err := c.persister.Append(ctx, chatID, []storage.Message{userTurn, out.Reply})
	c.persistMu.Unlock()

	if err != nil {
		err = c.persistFailed(chatID, err)
	}
	c.mu.Lock()
	if c.state == Prompting {
		c.state = Ready
	}
	c.mu.Unlock()
	return out, err
}

// Resync overwrites the stored log with the current transcript minus the
// greeting.
func (c *Conversation) Resync(ctx context.Context) error {
	if err := c.readyForResync(); err != nil {
		return err
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if err := c.resyncStateErr(); err != nil {
		c.mu.Unlock()
		return err
	}
	chatID := c.chatID
	msgs := withoutGreeting(c.transcript)
	c.mu.Unlock()

	if err := c.persister.Overwrite(ctx, chatID, msgs); err != nil {
		return c.persistFailed(chatID, err)
	}
	return nil
}

func (c *Conversation) readyForResync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncStateErr()
}

// resyncStateErr must be called with mu held.
func (c *Conversation) resyncStateErr() error {
	switch c.state {
	case Ready:
		return nil
	case Prompting:
		return ErrBusy
	default:
		return ErrNotReady
	}
}

func (c *Conversation) persistFailed(chatID string, err error) error {
	c.logger.Error().Err(err).Str("chat_id", chatID).Msg("persist transcript failed")
	if errors.Is(err, storage.ErrSessionNotFound) {
		c.mu.Lock()
		c.state = Failed
		c.lastErr = err
		c.mu.Unlock()
	}
	return err
}

func (c *Conversation) SetAttachments(a Attachments) {
	c.mu.Lock()
	c.attach = a
	c.mu.Unlock()
}

func (c *Conversation) Attachments() Attachments {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attach
}

// SetModel switches provider and model for later prompts.
func (c *Conversation) SetModel(provider, model string) {
	c.mu.Lock()
	c.opts.Provider = provider
	c.opts.Model = model
	c.mu.Unlock()
}

// SetAPIKey sets the caller-held key sent with each prompt. An empty key
// means the vault resolves one.
func (c *Conversation) SetAPIKey(key string) {
	c.mu.Lock()
	c.opts.APIKey = key
	c.mu.Unlock()
}

func (c *Conversation) Transcript() []storage.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.Message(nil), c.transcript...)
}

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Conversation) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func toProviderMessages(in []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(in))
	for _, m := range in {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func withoutGreeting(in []storage.Message) []storage.Message {
	if len(in) > 0 && in[0].Role == providers.RoleAssistant && in[0].Content == prompt.Greeting {
		in = in[1:]
	}
	return append([]storage.Message(nil), in...)
}
