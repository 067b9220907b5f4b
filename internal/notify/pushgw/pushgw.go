// Package pushgw delivers notifications through the push gateway's JSON API.
package pushgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/sift/internal/notify"
)

const httpTimeout = 10 * time.Second

// Client posts notification bodies to a push gateway endpoint.
type Client struct {
	gatewayURL string
	target     string
	client     *http.Client
}

// New creates a Client. If gatewayURL is empty, Send returns
// notify.ErrDisabled.
func New(gatewayURL, target string) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		target:     target,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

type pushRequest struct {
	TargetID string `json:"target_id"`
	Text     string `json:"text"`
}

type pushResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Send posts text to the gateway for the configured target.
func (c *Client) Send(ctx context.Context, text string) error {
	if c.gatewayURL == "" {
		return notify.ErrDisabled
	}

	body, err := json.Marshal(pushRequest{TargetID: c.target, Text: text})
	if err != nil {
		return fmt.Errorf("pushgw: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pushgw: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // G704: gatewayURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("pushgw: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pushgw: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out pushResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("pushgw: decode response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("pushgw: gateway rejected push: %s", out.Error)
	}
	return nil
}
