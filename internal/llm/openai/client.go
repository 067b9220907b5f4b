// Package openai implements llm.Provider on the OpenAI chat completion API
// and any compatible endpoint via a base URL override.
package openai

import (
	"context"
	"errors"
	"fmt"

	gopenai "github.com/sashabaranov/go-openai"
)

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	client *gopenai.Client
	model  string
}

// New builds a Client. baseURL may be empty for the default endpoint.
func New(apiKey, baseURL, model string) *Client {
	config := gopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		client: gopenai.NewClientWithConfig(config),
		model:  model,
	}
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []gopenai.ChatCompletionMessage{
			{Role: gopenai.ChatMessageRoleSystem, Content: system},
			{Role: gopenai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1, // classification and digests want near-deterministic output
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "openai" }
