package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BurntSushi/toml"

	"codemate/internal/providers"
	"codemate/internal/providers/openai_compat"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidModel    = errors.New("invalid model")
)

// Entry describes one OpenAI-compatible endpoint. An empty BaseURL selects
// the vendor default. The first model is the provider default.
type Entry struct {
	ID      string   `toml:"id"`
	BaseURL string   `toml:"base_url"`
	Models  []string `toml:"models"`
}

func defaultEntries() []Entry {
	return []Entry{
		{
			ID:      "GEMINI",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Models:  []string{"gemini-1.5-pro", "gemini-1.5-flash"},
		},
		{
			ID:     "OPENAI",
			Models: []string{"o1", "o1-mini", "o3-mini", "gpt-4o", "gpt-4o-mini", "gpt-4-turbo"},
		},
		{
			ID:      "DEEPSEEK",
			BaseURL: "https://api.deepseek.com/v1",
			Models:  []string{"deepseek-chat", "deepseek-reasoner"},
		},
		{
			ID:      "CLAUDE",
			BaseURL: "https://api.anthropic.com/v1/",
			Models:  []string{"claude-3-5-sonnet-latest", "claude-3-5-haiku-latest"},
		},
		{
			ID:      "QWEN",
			BaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1",
			Models:  []string{"qwen-plus", "qwen-max", "qwen-turbo"},
		},
	}
}

// Registry is immutable once constructed and safe for concurrent use.
type Registry struct {
	order   []string
	entries map[string]Entry
}

func New() *Registry {
	r := &Registry{entries: map[string]Entry{}}
	for _, e := range defaultEntries() {
		r.put(e)
	}
	return r
}

type fileFormat struct {
	Providers []Entry `toml:"provider"`
}

// Load returns the built-in table with the entries of the TOML file at path
// layered on top. Entries with a known id replace the built-in one; fields
// left empty in the file keep their built-in value. An empty path returns
// the built-in table.
func Load(path string) (*Registry, error) {
	r := New()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	var f fileFormat
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode providers file: %w", err)
	}
	for i, e := range f.Providers {
		e.ID = Normalize(e.ID)
		if e.ID == "" {
			return nil, fmt.Errorf("providers file entry %d: id is empty", i)
		}
		if prev, ok := r.entries[e.ID]; ok {
			if e.BaseURL == "" {
				e.BaseURL = prev.BaseURL
			}
			if len(e.Models) == 0 {
				e.Models = prev.Models
			}
		}
		if len(e.Models) == 0 {
			return nil, fmt.Errorf("providers file entry %q: no models", e.ID)
		}
		r.put(e)
	}
	return r, nil
}

func (r *Registry) put(e Entry) {
	if _, ok := r.entries[e.ID]; !ok {
		r.order = append(r.order, e.ID)
	}
	e.Models = append([]string(nil), e.Models...)
	r.entries[e.ID] = e
}

func Normalize(provider string) string {
	return strings.ToUpper(strings.TrimSpace(provider))
}

func (r *Registry) lookup(provider string) (Entry, error) {
	e, ok := r.entries[Normalize(provider)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return e, nil
}

// DefaultProvider is the first registered provider.
func (r *Registry) DefaultProvider() string {
	return r.order[0]
}

// Providers lists provider ids in registration order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.order...)
}

// BaseURL returns the endpoint root, or "" for the vendor default.
func (r *Registry) BaseURL(provider string) (string, error) {
	e, err := r.lookup(provider)
	if err != nil {
		return "", err
	}
	return e.BaseURL, nil
}

func (r *Registry) IsValidModel(provider, model string) (bool, error) {
	e, err := r.lookup(provider)
	if err != nil {
		return false, err
	}
	for _, m := range e.Models {
		if m == model {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) Models(provider string) ([]string, error) {
	e, err := r.lookup(provider)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), e.Models...), nil
}

func (r *Registry) DefaultModel(provider string) (string, error) {
	e, err := r.lookup(provider)
	if err != nil {
		return "", err
	}
	return e.Models[0], nil
}

// Validate checks the provider and, when model is non-empty, the model.
func (r *Registry) Validate(provider, model string) error {
	if model == "" {
		_, err := r.lookup(provider)
		return err
	}
	ok, err := r.IsValidModel(provider, model)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q for provider %s", ErrInvalidModel, model, Normalize(provider))
	}
	return nil
}

type BuildOptions struct {
	Provider   string
	APIKey     string
	HTTPClient *http.Client
}

// Build returns the adapter for the provider. Every registered provider
// speaks the chat-completions contract, so only the endpoint differs.
func (r *Registry) Build(opts BuildOptions) (providers.Provider, error) {
	base, err := r.BaseURL(opts.Provider)
	if err != nil {
		return nil, err
	}
	return openai_compat.New(openai_compat.Config{
		BaseURL:    base,
		APIKey:     opts.APIKey,
		HTTPClient: opts.HTTPClient,
	}), nil
}
