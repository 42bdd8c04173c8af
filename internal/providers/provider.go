package providers

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// Part is one element of a multimodal message body.
type Part struct {
	Type     string
	Text     string
	ImageURL string
}

// Message carries either plain Content or a Parts list, never both.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

type ChatRequest struct {
	Model    string
	Messages []Message
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StatusError is an upstream failure as reported by the provider, with the
// HTTP status and vendor error code kept verbatim.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
}
