package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"codemate/internal/chat"
	"codemate/internal/providers/registry"
	"codemate/internal/vault"
)

// maxMessageLen stays under Telegram's 4096 character limit.
const maxMessageLen = 4000

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, helpText(), s.backToMenuKeyboard())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	args := ctx.Args()
	if len(args) > 1 && strings.HasPrefix(args[1], "problem_") {
		return s.openAndGreet(b, ctx, strings.TrimPrefix(args[1], "problem_"))
	}
	return s.replyWithMarkup(ctx, b, welcomeText(), s.mainMenuKeyboard())
}

func (s *Service) problem(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil {
		return nil
	}
	problemID, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	if problemID == "" {
		return s.reply(ctx, b, "Usage: /problem <id>")
	}
	return s.openAndGreet(b, ctx, problemID)
}

func (s *Service) openAndGreet(b *gotgbot.Bot, ctx *ext.Context, problemID string) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	st, err := s.openProblem(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id, problemID)
	if err != nil {
		s.logger.Error().Err(err).Str("problem_id", problemID).Msg("open problem failed")
		return s.reply(ctx, b, s.describeError(err))
	}
	opts := st.conv.Options()
	lines := []string{
		st.conv.Transcript()[0].Content,
		"",
		fmt.Sprintf("Problem %s, using %s %s.", problemID, opts.Provider, opts.Model),
	}
	if opts.APIKey == "" {
		if state := s.keyState(context.Background(), opts.UserID, opts.Provider); state != "cloud" {
			lines = append(lines, fmt.Sprintf("No %s key yet: run /key in a private chat with me.", opts.Provider))
		}
	}
	lines = append(lines, "Send your question as a plain message.")
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) use(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	provider, rest := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	model, _ := splitFirstWord(rest)
	if provider == "" {
		return s.replyWithMarkup(ctx, b, "Usage: /use <provider> [model]\n\n"+s.providersText(), s.backToMenuKeyboard())
	}
	provider, model, err := s.useModel(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id, provider, model)
	if err != nil {
		return s.reply(ctx, b, s.describeError(err))
	}
	return s.reply(ctx, b, fmt.Sprintf("Now using %s %s.", provider, model))
}

func (s *Service) key(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "For safety, run /key in a private chat with me.")
	}
	r, err := s.beginKeyWizard(context.Background(), ctx.EffectiveUser.Id, ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("start key wizard failed")
		return s.reply(ctx, b, "Failed to start the key wizard.")
	}
	return s.replyWithMarkup(ctx, b, r.Text, r.Keyboard)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel the wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	return s.replyWithMarkup(ctx, b, s.statusText(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id), s.backToMenuKeyboard())
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	problemID, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	text, err := s.historyText(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id, problemID)
	if err != nil {
		if !errors.Is(err, errNoConversation) {
			s.logger.Error().Err(err).Msg("list sessions failed")
		}
		return s.reply(ctx, b, s.describeError(err))
	}
	return s.reply(ctx, b, text)
}

func (s *Service) stats(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveUser == nil {
		return nil
	}
	problemID, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	text, err := s.statsText(context.Background(), ctx.EffectiveUser.Id, problemID)
	if err != nil {
		s.logger.Error().Err(err).Msg("aggregate statistics failed")
		return s.reply(ctx, b, s.describeError(err))
	}
	return s.reply(ctx, b, text)
}

func (s *Service) code(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil {
		return nil
	}
	lang, code, ok := parseCodeCommand(ctx.EffectiveMessage.GetText())
	if !ok {
		return s.reply(ctx, b, "Usage: /code <language>\n<code on the following lines>")
	}
	if err := s.setCode(ctx.EffectiveChat.Id, lang, code); err != nil {
		return s.reply(ctx, b, s.describeError(err))
	}
	return s.reply(ctx, b, fmt.Sprintf("Code saved (%s, %d lines). It will be attached to your next prompts; /attach_code off to stop.", lang, strings.Count(code, "\n")+1))
}

func (s *Service) attachCode(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil {
		return nil
	}
	on, ok := parseToggle(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok {
		return s.reply(ctx, b, "Usage: /attach_code on|off")
	}
	if err := s.setIncludeCode(ctx.EffectiveChat.Id, on); err != nil {
		return s.reply(ctx, b, s.describeError(err))
	}
	if on {
		return s.reply(ctx, b, "Code will be attached to your prompts.")
	}
	return s.reply(ctx, b, "Code will not be attached.")
}

func (s *Service) resync(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	if err := s.resyncChat(context.Background(), ctx.EffectiveChat.Id); err != nil {
		return s.reply(ctx, b, s.describeError(err))
	}
	return s.reply(ctx, b, "Session history resynchronized.")
}

func (s *Service) text(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	text := strings.TrimSpace(msg.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	if ctx.EffectiveChat.Type == "private" {
		r, active, err := s.wizardInput(context.Background(), ctx.EffectiveUser.Id, text)
		if r.Secret {
			if _, delErr := b.DeleteMessage(ctx.EffectiveChat.Id, msg.MessageId, nil); delErr != nil {
				s.logger.Warn().Err(delErr).Msg("failed to delete key message")
			}
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard step failed")
			return s.reply(ctx, b, "Wizard state error. Start again with /key.")
		}
		if active {
			return s.replyWithMarkup(ctx, b, r.Text, r.Keyboard)
		}
	}

	if s.activeChat(ctx.EffectiveChat.Id) == nil {
		if ctx.EffectiveChat.Type == "private" {
			return s.reply(ctx, b, s.describeError(errNoConversation))
		}
		return nil
	}
	return s.prompt(b, ctx, text)
}

func (s *Service) prompt(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	chatID := ctx.EffectiveChat.Id
	_, _ = b.SendChatAction(chatID, "typing", nil)

	out, err := s.submit(context.Background(), chatID, text)
	if out.Reply.Content == "" {
		return s.reply(ctx, b, s.describeError(err))
	}
	reply := out.Reply.Content
	if err != nil {
		reply += "\n\n(This exchange could not be saved. " + s.describeError(err) + ")"
	}
	if out.ProviderErr != nil && chat.Kind(out.ProviderErr) == chat.KindNoKeyConfigured {
		reply += "\n\nNo API key configured. Set one with /key."
	}
	for _, part := range splitMessage(reply, maxMessageLen) {
		if err := s.reply(ctx, b, part); err != nil {
			return err
		}
	}
	return nil
}

type wizardReply struct {
	Text     string
	Keyboard *gotgbot.InlineKeyboardMarkup
	// Secret reports that the input carried key material.
	Secret bool
}

func (s *Service) beginKeyWizard(ctx context.Context, tgUserID, chatID int64) (wizardReply, error) {
	if err := s.wizard.Set(ctx, tgUserID, keyWizardState{ChatID: chatID, Step: stepProvider}); err != nil {
		return wizardReply{}, err
	}
	return wizardReply{Text: "Which provider is this key for?", Keyboard: s.providersKeyboard()}, nil
}

// wizardInput feeds one answer into the user's /key wizard. active is false
// when no wizard is running.
func (s *Service) wizardInput(ctx context.Context, tgUserID int64, input string) (r wizardReply, active bool, err error) {
	state, err := s.wizard.Get(ctx, tgUserID)
	if err != nil || state == nil {
		return wizardReply{}, false, err
	}
	input = strings.TrimSpace(input)

	switch state.Step {
	case stepProvider:
		provider := registry.Normalize(input)
		if err := s.registry.Validate(provider, ""); err != nil {
			return wizardReply{Text: s.describeError(err), Keyboard: s.providersKeyboard()}, true, nil
		}
		state.Provider = provider
		state.Step = stepPref
		if err := s.wizard.Set(ctx, tgUserID, *state); err != nil {
			return wizardReply{}, true, err
		}
		return wizardReply{
			Text:     fmt.Sprintf("Store the %s key in the cloud (encrypted) or locally (this process only, lost on restart)?", provider),
			Keyboard: s.prefKeyboard(),
		}, true, nil

	case stepPref:
		pref, perr := vault.ParseStorePref(input)
		if perr != nil || pref == vault.Unset {
			return wizardReply{Text: "Choose cloud or local.", Keyboard: s.prefKeyboard()}, true, nil
		}
		state.StorePref = string(pref)
		state.Step = stepKey
		if err := s.wizard.Set(ctx, tgUserID, *state); err != nil {
			return wizardReply{}, true, err
		}
		return wizardReply{Text: fmt.Sprintf("Send your %s API key. I will delete the message right away.", state.Provider)}, true, nil

	case stepKey:
		r := wizardReply{Secret: true}
		if err := s.saveKey(ctx, tgUserID, state.Provider, vault.StorePref(state.StorePref), input); err != nil {
			if errors.Is(err, vault.ErrEmptyKey) {
				r.Text = "The key is empty. Send it again."
				return r, true, nil
			}
			s.logger.Error().Err(err).Str("provider", state.Provider).Msg("save key failed")
			r.Text = s.describeError(err)
			_ = s.wizard.Clear(ctx, tgUserID)
			return r, true, nil
		}
		if err := s.wizard.Clear(ctx, tgUserID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear wizard")
		}
		r.Text = fmt.Sprintf("%s key saved (%s).", state.Provider, strings.ToLower(state.StorePref))
		return r, true, nil
	}

	_ = s.wizard.Clear(ctx, tgUserID)
	return wizardReply{}, false, nil
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n\t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// parseCodeCommand splits "/code <lang>\n<code>" and strips an optional
// markdown fence around the code.
func parseCodeCommand(text string) (lang, code string, ok bool) {
	text = strings.TrimSpace(text)
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return "", "", false
	}
	header, body := text[:nl], text[nl+1:]
	_, lang = splitFirstWord(header)
	lang, _ = splitFirstWord(lang)

	body = strings.Trim(body, "\n")
	if strings.HasPrefix(body, "```") {
		first := strings.IndexByte(body, '\n')
		if first < 0 {
			return "", "", false
		}
		if lang == "" {
			lang = strings.TrimSpace(body[3:first])
		}
		body = strings.TrimSuffix(strings.TrimRight(body[first+1:], "\n"), "```")
		body = strings.TrimRight(body, "\n")
	}
	if lang == "" || strings.TrimSpace(body) == "" {
		return "", "", false
	}
	return lang, body, true
}

func parseToggle(v string) (on bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes", "true", "1":
		return true, true
	case "off", "no", "false", "0":
		return false, true
	default:
		return false, false
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	var out []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(out) == 0 {
		out = append(out, string(runes))
	}
	return out
}
