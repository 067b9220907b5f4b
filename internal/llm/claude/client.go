// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client calls the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}

	text := textContent(msg)
	if text == "" {
		return "", errors.New("no text content in response")
	}
	return text, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "claude" }

// textContent concatenates the text blocks of a response.
func textContent(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
