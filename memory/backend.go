package memory

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Backend is an optional remote advisor consulted when a host keeps
// failing. Implementations return free-form advice text; the memory
// extracts a JSON header object from it and ignores everything else.
// A nil Backend means local heuristics only.
type Backend interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, prompt string) (string, error)

// Ask calls f.
func (f BackendFunc) Ask(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// OpenAIBackend asks an OpenAI-compatible chat model for advice.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend creates a backend using the given API key. An empty
// model defaults to gpt-4o-mini.
func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Ask sends the prompt as a single user message and returns the model's
// reply.
func (b *OpenAIBackend) Ask(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     b.model,
		MaxTokens: 512,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("advisor request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("advisor returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
