package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codemate/internal/chat"
	"codemate/internal/prompt"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
	"codemate/internal/vault"
)

var errNoConversation = errors.New("no active problem in this chat")

// openProblem replaces the chat's conversation with a fresh one for
// problemID and mints its session.
func (s *Service) openProblem(ctx context.Context, chatID, tgUserID int64, problemID string) (*chatState, error) {
	user := userRef(tgUserID)
	opts, err := s.defaults.Resolve(ctx, chat.Options{UserID: user, ProblemID: problemID})
	if err != nil {
		return nil, err
	}
	opts.APIKey = s.keys.Get(user, opts.Provider)

	conv := chat.New(chat.Config{
		Sessions:  s.sessions,
		Gateway:   s.gateway,
		Persister: s.persister,
		Logger:    s.logger.With().Int64("tg_chat_id", chatID).Logger(),
		Metrics:   s.metrics,
	}, opts)
	if err := conv.Start(ctx); err != nil {
		return nil, err
	}
	st := &chatState{conv: conv, problemID: problemID}
	s.setChatState(chatID, st)
	return st, nil
}

func (s *Service) submit(ctx context.Context, chatID int64, text string) (chat.Outcome, error) {
	st := s.activeChat(chatID)
	if st == nil {
		return chat.Outcome{}, errNoConversation
	}
	return st.conv.Submit(ctx, text)
}

// useModel makes provider/model the user's default and switches the
// chat's active conversation when the user owns it. An empty model selects
// the provider default.
func (s *Service) useModel(ctx context.Context, chatID, tgUserID int64, provider, model string) (string, string, error) {
	provider = registry.Normalize(provider)
	if model == "" {
		m, err := s.registry.DefaultModel(provider)
		if err != nil {
			return "", "", err
		}
		model = m
	}
	if err := s.registry.Validate(provider, model); err != nil {
		return "", "", err
	}

	user := userRef(tgUserID)
	settings, err := s.sessions.GetAISettings(ctx, user)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", "", fmt.Errorf("%w: %w", vault.ErrPersistence, err)
	}
	settings.UserID = user
	settings.DefaultProvider = provider
	settings.DefaultModel = model
	if err := s.sessions.UpsertAISettings(ctx, settings); err != nil {
		return "", "", fmt.Errorf("%w: %w", vault.ErrPersistence, err)
	}

	if st := s.activeChat(chatID); st != nil && st.conv.Options().UserID == user {
		st.conv.SetModel(provider, model)
		st.conv.SetAPIKey(s.keys.Get(user, provider))
	}
	return provider, model, nil
}

// saveKey stores a CLOUD key through the vault, or keeps a LOCAL key in
// memory and records only the preference.
func (s *Service) saveKey(ctx context.Context, tgUserID int64, provider string, pref vault.StorePref, key string) error {
	user := userRef(tgUserID)
	provider = registry.Normalize(provider)
	key = strings.TrimSpace(key)

	switch pref {
	case vault.Cloud:
		if err := s.vault.SaveKey(ctx, user, provider, key, vault.Cloud); err != nil {
			return err
		}
		s.keys.Delete(user, provider)
	case vault.Local:
		if key == "" {
			return vault.ErrEmptyKey
		}
		if err := s.vault.SaveKey(ctx, user, provider, "", vault.Local); err != nil {
			return err
		}
		s.keys.Set(user, provider, key)
	default:
		return fmt.Errorf("%w: %q", vault.ErrInvalidStorePref, pref)
	}

	for _, conv := range s.conversationsOf(user) {
		if conv.Options().Provider == provider {
			conv.SetAPIKey(s.keys.Get(user, provider))
		}
	}
	return nil
}

func (s *Service) setCode(chatID int64, language, code string) error {
	st := s.activeChat(chatID)
	if st == nil {
		return errNoConversation
	}
	s.mu.Lock()
	st.code = &prompt.CodeContext{Language: language, Code: code}
	st.includeCode = true
	s.mu.Unlock()
	s.syncAttachments(st)
	return nil
}

func (s *Service) setIncludeCode(chatID int64, on bool) error {
	st := s.activeChat(chatID)
	if st == nil {
		return errNoConversation
	}
	s.mu.Lock()
	st.includeCode = on
	s.mu.Unlock()
	s.syncAttachments(st)
	return nil
}

func (s *Service) syncAttachments(st *chatState) {
	s.mu.Lock()
	var code *prompt.CodeContext
	if st.includeCode && st.code != nil {
		c := *st.code
		code = &c
	}
	s.mu.Unlock()
	a := st.conv.Attachments()
	a.Code = code
	st.conv.SetAttachments(a)
}

func (s *Service) resyncChat(ctx context.Context, chatID int64) error {
	st := s.activeChat(chatID)
	if st == nil {
		return errNoConversation
	}
	return st.conv.Resync(ctx)
}

func (s *Service) statusText(ctx context.Context, chatID, tgUserID int64) string {
	user := userRef(tgUserID)
	lines := []string{"Status"}

	if st := s.activeChat(chatID); st != nil {
		opts := st.conv.Options()
		s.mu.Lock()
		codeState := "off"
		if st.code == nil {
			codeState = "none"
		} else if st.includeCode {
			codeState = "on (" + st.code.Language + ")"
		}
		s.mu.Unlock()
		lines = append(lines,
			fmt.Sprintf("problem: %s", st.problemID),
			fmt.Sprintf("session: %s", st.conv.ChatID()),
			fmt.Sprintf("state: %s", st.conv.State()),
			fmt.Sprintf("provider: %s %s", opts.Provider, opts.Model),
			fmt.Sprintf("attach code: %s", codeState),
		)
	} else {
		lines = append(lines, "problem: <none>")
	}

	lines = append(lines, "", "Keys:")
	for _, p := range s.registry.Providers() {
		lines = append(lines, fmt.Sprintf("- %s: %s", p, s.keyState(ctx, user, p)))
	}
	lines = append(lines, "", fmt.Sprintf("access_mode: %s", s.accessMode))
	return strings.Join(lines, "\n")
}

func (s *Service) keyState(ctx context.Context, user, provider string) string {
	st, err := s.vault.GetStorePref(ctx, user, provider)
	switch {
	case errors.Is(err, vault.ErrNotConfigured):
		return "not configured"
	case err != nil:
		s.logger.Warn().Err(err).Str("user_id", user).Str("provider", provider).Msg("read key status failed")
		return "unavailable"
	case st.StorePref == vault.Cloud && st.HasKey:
		return "cloud"
	case st.StorePref == vault.Local && s.keys.Get(user, provider) != "":
		return "local (this process)"
	case st.StorePref == vault.Local:
		return "local, not set since restart"
	default:
		return "not configured"
	}
}

func (s *Service) historyText(ctx context.Context, chatID, tgUserID int64, problemID string) (string, error) {
	if problemID == "" {
		st := s.activeChat(chatID)
		if st == nil {
			return "", errNoConversation
		}
		problemID = st.problemID
	}
	items, err := s.sessions.ListByProblem(ctx, userRef(tgUserID), problemID)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return fmt.Sprintf("No sessions for problem %s.", problemID), nil
	}
	lines := []string{fmt.Sprintf("Sessions for problem %s:", problemID)}
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- %s  %s  %d messages", it.CreatedAt.Format("2006-01-02 15:04"), it.ChatID, it.MessageCount))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) statsText(ctx context.Context, tgUserID int64, problemID string) (string, error) {
	st, err := s.sessions.AggregateStatistics(ctx, storage.StatsFilter{UserID: userRef(tgUserID), ProblemID: problemID})
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		"Statistics",
		fmt.Sprintf("sessions: %d", st.TotalSessions),
		fmt.Sprintf("messages: %d", st.TotalMessages),
		fmt.Sprintf("avg messages/session: %.2f", st.AvgMessagesPerSession),
		fmt.Sprintf("problems: %d", st.DistinctProblemCount),
	}, "\n"), nil
}

// describeError turns an action error into a user-facing line. Upstream
// payloads are never included.
func (s *Service) describeError(err error) string {
	switch {
	case errors.Is(err, errNoConversation), errors.Is(err, chat.ErrNotReady):
		return "No active problem. Start one with /problem <id>."
	case errors.Is(err, chat.ErrBusy):
		return "Still working on your previous prompt."
	}
	switch chat.Kind(err) {
	case chat.KindUnknownProvider:
		return "Unknown provider. Available: " + strings.Join(s.registry.Providers(), ", ")
	case chat.KindInvalidModel:
		return "That model is not available for this provider."
	case chat.KindInvalidArgument:
		return "Invalid input: " + err.Error()
	case chat.KindNoKeyConfigured, chat.KindNotConfigured:
		return "No API key configured. Set one with /key."
	case chat.KindCrypto:
		return "Stored key could not be decrypted. Set it again with /key."
	case chat.KindSessionNotFound:
		return "This session no longer exists. Start again with /problem <id>."
	default:
		return "Something went wrong, please try again."
	}
}
