package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"codemate/internal/vault"
)

const (
	cbPrefix = "cm:"

	cbMenu        = cbPrefix + "menu"
	cbHelp        = cbPrefix + "help"
	cbStatus      = cbPrefix + "status"
	cbProviders   = cbPrefix + "providers"
	cbKey         = cbPrefix + "key"
	cbCancel      = cbPrefix + "cancel"
	cbKeyProvider = cbPrefix + "kp:"
	cbKeyPref     = cbPrefix + "kf:"
)

func welcomeText() string {
	return strings.Join([]string{
		"codemate: a coding assistant for your practice problems.",
		"",
		"1) /key to set up a provider API key (private chat)",
		"2) /problem <id> to start a conversation",
		"3) Send your question as a plain message",
		"",
		"Use the buttons below or /help.",
	}, "\n")
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/problem <id> - start a conversation about a problem",
		"/use <provider> [model] - switch provider and model",
		"/key - store an API key (private chat only)",
		"/code <language> + code on the next lines - attach code",
		"/attach_code on|off - include the saved code in prompts",
		"/status - current conversation and key status",
		"/history [problem] - past sessions for a problem",
		"/stats [problem] - your usage statistics",
		"/resync - rewrite the stored history from this chat",
		"/cancel - abort the key wizard",
	}, "\n")
}

func (s *Service) providersText() string {
	lines := []string{"Providers:"}
	for _, p := range s.registry.Providers() {
		models, err := s.registry.Models(p)
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", p, strings.Join(models, ", ")))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Help", CallbackData: cbHelp},
			{Text: "Status", CallbackData: cbStatus},
		},
		{
			{Text: "Providers", CallbackData: cbProviders},
			{Text: "Set API key", CallbackData: cbKey},
		},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

// providersKeyboard lays out one button per provider, two per row.
func (s *Service) providersKeyboard() *gotgbot.InlineKeyboardMarkup {
	var rows [][]gotgbot.InlineKeyboardButton
	var row []gotgbot.InlineKeyboardButton
	for _, p := range s.registry.Providers() {
		row = append(row, gotgbot.InlineKeyboardButton{Text: p, CallbackData: cbKeyProvider + p})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Cancel", CallbackData: cbCancel}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (s *Service) prefKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Cloud (encrypted)", CallbackData: cbKeyPref + string(vault.Cloud)},
			{Text: "Local (memory)", CallbackData: cbKeyPref + string(vault.Local)},
		},
		{{Text: "Cancel", CallbackData: cbCancel}},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
