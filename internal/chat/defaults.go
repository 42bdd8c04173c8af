package chat

import (
	"context"
	"errors"
	"strings"

	"codemate/internal/prompt"
	"codemate/internal/providers/registry"
	"codemate/internal/storage"
)

type SettingsReader interface {
	GetAISettings(ctx context.Context, userID string) (storage.AISettings, error)
}

type ModelCatalog interface {
	DefaultProvider() string
	DefaultModel(provider string) (string, error)
}

type ModelPreferences interface {
	DefaultModel(ctx context.Context, userID, provider string) (string, error)
}

// Defaults fills the blanks of Options from the user's AI settings, then
// the per-provider model preference, then the registry.
type Defaults struct {
	Settings SettingsReader
	Prefs    ModelPreferences
	Registry ModelCatalog
}

func (d Defaults) Resolve(ctx context.Context, opts Options) (Options, error) {
	settings, err := d.Settings.GetAISettings(ctx, opts.UserID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return opts, err
	}

	explicitProvider := opts.Provider != ""
	if !explicitProvider {
		opts.Provider = settings.DefaultProvider
	}
	if opts.Provider == "" {
		opts.Provider = d.Registry.DefaultProvider()
	}
	opts.Provider = registry.Normalize(opts.Provider)

	if opts.Model == "" && !explicitProvider && registry.Normalize(settings.DefaultProvider) == opts.Provider {
		opts.Model = settings.DefaultModel
	}
	if opts.Model == "" {
		if opts.Model, err = d.Prefs.DefaultModel(ctx, opts.UserID, opts.Provider); err != nil {
			return opts, err
		}
	}
	if opts.Model == "" {
		if opts.Model, err = d.Registry.DefaultModel(opts.Provider); err != nil {
			return opts, err
		}
	}

	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = settings.PrePrompt
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = prompt.DefaultSystemPrompt
	}
	return opts, nil
}
