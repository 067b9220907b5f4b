// Package llm abstracts the chat-completion providers behind a single
// interface and owns the retry policy for transient provider failures.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Provider issues one chat completion. Implementations live in the openai
// and claude subpackages.
type Provider interface {
	// Complete sends a system and user prompt and returns the raw text
	// completion.
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// Policy controls retries around provider calls. The zero value retries
// nothing; use DefaultPolicy for the standard exponential schedule.
type Policy struct {
	MaxTries   uint
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultPolicy retries transient failures three times starting at one
// second between attempts.
func DefaultPolicy() Policy {
	return Policy{MaxTries: 3, BaseDelay: time.Second, Multiplier: 2.0}
}

// Permanent marks err as non-retryable for Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under p, backing off exponentially between attempts. Errors
// wrapped with Permanent stop immediately; context cancellation always
// stops.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.MaxTries <= 1 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
	)
}

// StripFences removes a surrounding markdown code fence from a completion,
// if any. Providers asked for bare JSON still wrap it in fences at times.
// A fence opened but never closed (a truncated completion) loses only the
// opening line.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	body := lines[1:]
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			body = lines[1:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}
