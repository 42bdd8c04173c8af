package prompt

import (
	"strings"

	"codemate/internal/providers"
)

const Greeting = "Hello! I am your assistant, I am here to help answer your questions!"

const LeadIn = "Attached are my question image and code (if none received, ignore this message)."

const DefaultSystemPrompt = `You are an AI coding assistant for a user. He will ask you for assistance. He may attach his question image and also his code with the language of his choice.

Key points to consider:
1. This is a programming challenge that needs to be solved by code
2. The image should contain important details about the problem requirements and constraints
3. Carefully analyze the code, problem statement and constraints if any shown
4. Any reply provided should address all aspects of the question and the user's prompt in a technical way
5. Consider best practices and optimization opportunities in the solution
6. Absolutely do not provide the complete solution unless explicitly requested by the user's prompt

For all subsequent interactions:
- Reference specific parts of the image when discussing the problem
- Consider edge cases and potential limitations
- Suggest improvements or alternative approaches when applicable
- Provide code examples that directly relate to the problem shown only if explicitly requested by the user's prompt

The goal is to provide comprehensive assistance in understanding and solving this programming challenge without spoonfeeding the answer/solution to the user unless explicitly request by the user.

Please provide guidance based on the user prompt in a concise manner with the considerations listed above.
`

type CodeContext struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type Input struct {
	SystemPrompt string
	Prior        []providers.Message
	Prompt       string
	// Code is attached when non-nil, even if Code.Code is empty.
	Code        *CodeContext
	ImageBase64 string
}

// Build assembles the provider message list: system, prior turns without
// the greeting, the new prompt, then one context turn when an image or
// code is attached.
func Build(in Input) []providers.Message {
	out := make([]providers.Message, 0, len(in.Prior)+3)
	out = append(out, providers.Message{Role: providers.RoleSystem, Content: in.SystemPrompt})

	prior := in.Prior
	if len(prior) > 0 && IsGreeting(prior[0]) {
		prior = prior[1:]
	}
	out = append(out, prior...)
	out = append(out, providers.Message{Role: providers.RoleUser, Content: in.Prompt})

	if in.Code == nil && in.ImageBase64 == "" {
		return out
	}
	parts := []providers.Part{{Type: providers.PartText, Text: LeadIn}}
	if in.ImageBase64 != "" {
		parts = append(parts, providers.Part{Type: providers.PartImageURL, ImageURL: ImageDataURI(in.ImageBase64)})
	}
	if in.Code != nil {
		parts = append(parts, providers.Part{Type: providers.PartText, Text: FenceCode(*in.Code)})
	}
	return append(out, providers.Message{Role: providers.RoleUser, Parts: parts})
}

func IsGreeting(m providers.Message) bool {
	return m.Role == providers.RoleAssistant && m.Content == Greeting
}

func ImageDataURI(b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	return "data:image/png;base64," + b64
}

func FenceCode(c CodeContext) string {
	return "This is my code:\n```" + c.Language + "\n" + c.Code + "\n```"
}
