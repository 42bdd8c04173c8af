package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)

	switch {
	case data == cbMenu:
		return s.editOrReplyCallback(ctx, b, welcomeText(), s.mainMenuKeyboard())

	case data == cbHelp:
		return s.editOrReplyCallback(ctx, b, helpText(), s.backToMenuKeyboard())

	case data == cbProviders:
		return s.editOrReplyCallback(ctx, b, s.providersText(), s.backToMenuKeyboard())

	case data == cbStatus:
		chatID, ok := s.callbackChatID(ctx)
		if !ok || ctx.EffectiveUser == nil {
			s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, s.statusText(context.Background(), chatID, ctx.EffectiveUser.Id), s.backToMenuKeyboard())

	case data == cbKey:
		if ctx.EffectiveChat == nil || ctx.EffectiveChat.Type != "private" {
			s.answerCallback(b, ctx, "Run /key in a private chat with me.", true)
			return nil
		}
		return s.key(b, ctx)

	case data == cbCancel:
		if ctx.EffectiveUser != nil {
			_ = s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id)
		}
		return s.editOrReplyCallback(ctx, b, "Wizard canceled.", nil)

	case strings.HasPrefix(data, cbKeyProvider), strings.HasPrefix(data, cbKeyPref):
		if ctx.EffectiveUser == nil {
			return nil
		}
		step, input := stepProvider, strings.TrimPrefix(data, cbKeyProvider)
		if strings.HasPrefix(data, cbKeyPref) {
			step, input = stepPref, strings.TrimPrefix(data, cbKeyPref)
		}
		state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
		if err == nil && state != nil && state.Step != step {
			s.answerCallback(b, ctx, "That button is no longer active.", true)
			return nil
		}
		r, active, err := s.wizardInput(context.Background(), ctx.EffectiveUser.Id, input)
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard step failed")
			s.answerCallback(b, ctx, "Wizard state error. Start again with /key.", true)
			return nil
		}
		if !active {
			s.answerCallback(b, ctx, "The key wizard has expired. Start again with /key.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, r.Text, r.Keyboard)

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
