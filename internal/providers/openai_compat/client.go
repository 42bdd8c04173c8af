package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"codemate/internal/providers"
)

type Config struct {
	// BaseURL is the API root; empty means the vendor default.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	api *openai.Client
}

func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{api: openai.NewClientWithConfig(oc)}
}

var _ providers.Provider = (*Client)(nil)

// Chat issues one chat-completion call. A response without choices yields an
// empty Text and no error; the caller decides what an empty reply means.
func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	})
	if err != nil {
		return providers.ChatResponse{}, translateError(err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, nil
	}
	return providers.ChatResponse{Text: resp.Choices[0].Message.Content}, nil
}

func toOpenAIMessages(in []providers.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			msg.Content = m.Content
			out = append(out, msg)
			continue
		}
		msg.MultiContent = make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case providers.PartImageURL:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
				})
			default:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &providers.StatusError{
			Status:  apiErr.HTTPStatusCode,
			Code:    codeString(apiErr.Code, apiErr.Type),
			Message: apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &providers.StatusError{Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("chat completion request: %w", err)
}

func codeString(code any, fallback string) string {
	switch v := code.(type) {
	case nil:
		return fallback
	case string:
		if v == "" {
			return fallback
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}
