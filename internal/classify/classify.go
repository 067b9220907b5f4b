// Package classify scores keyword-flagged messages for urgency.
//
// The primary path asks an llm.Provider for a strict JSON verdict. The two
// failure modes are handled differently: transport failures fall back to a
// deterministic keyword-weight heuristic, while malformed completions are
// downgraded to a conservative non-urgent verdict and never retried.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/llm"
)

const (
	// maxCompletionTokens bounds the classifier completion.
	maxCompletionTokens = 1024

	// heuristicUrgentWeight is the summed keyword weight at which the
	// fallback heuristic declares a message urgent.
	heuristicUrgentWeight = 3.0
)

const systemPrompt = `You are an urgency triage assistant for group chat messages.
Given a trigger message, its matched keywords and recent conversation context,
decide whether the message needs an immediate push notification.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "is_urgent": true,
  "urgency_score": 7,
  "push_type": "single",
  "push_message_ids": ["..."],
  "summary": "one sentence on what is happening",
  "key_factors": ["...", "..."]
}

Rules:
- urgency_score is an integer from 1 (noise) to 10 (emergency).
- push_type is "single" (push the trigger alone), "context" (push with the
  listed context messages) or "none".
- push_message_ids lists context message IDs only when push_type is "context".
- key_factors lists at most three short reasons for the score.`

// TransportError reports that the provider could not be reached or did not
// return a completion. The caller may substitute a heuristic verdict.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("classify: %s transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedError reports that the provider answered but the completion did
// not satisfy the JSON contract. Retrying the same input is pointless.
type MalformedError struct {
	Provider string
	Err      error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("classify: %s malformed completion: %v", e.Provider, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Classifier produces urgency verdicts for messages.
type Classifier struct {
	provider llm.Provider
	policy   llm.Policy
	timeout  time.Duration
}

// New builds a Classifier. timeout bounds each provider call.
func New(provider llm.Provider, policy llm.Policy, timeout time.Duration) *Classifier {
	return &Classifier{provider: provider, policy: policy, timeout: timeout}
}

// Classify asks the provider for a verdict on msg. hits are the matched
// keyword rules and context the same-day conversation history, oldest first.
// On failure the returned error is a *TransportError or *MalformedError.
func (c *Classifier) Classify(ctx context.Context, msg *chat.Message, history []chat.Message, hits []chat.KeywordRule) (*chat.UrgencyAnalysis, error) {
	user := buildUserPrompt(msg, history, hits)

	a, err := llm.Do(ctx, c.policy, func() (*chat.UrgencyAnalysis, error) {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		out, err := c.provider.Complete(callCtx, systemPrompt, user, maxCompletionTokens)
		if err != nil {
			return nil, err
		}

		a, perr := parseVerdict(out)
		if perr != nil {
			// A parse failure will not improve on retry with the same input.
			return nil, llm.Permanent(&MalformedError{Provider: c.provider.Name(), Err: perr})
		}
		return a, nil
	})
	if err != nil {
		var m *MalformedError
		if errors.As(err, &m) {
			return nil, m
		}
		return nil, &TransportError{Provider: c.provider.Name(), Err: err}
	}
	return a, nil
}

// Downgrade is the conservative verdict substituted for malformed
// completions.
func Downgrade() *chat.UrgencyAnalysis {
	return &chat.UrgencyAnalysis{
		Urgent:   false,
		Score:    3,
		PushType: chat.PushNone,
		Summary:  "classification unavailable, downgraded",
	}
}

// HeuristicFallback scores msg from its keyword weights alone, used when
// the provider is unreachable. The summed weight maps to a score of
// round(sum*2) clamped to [1, 10]; at or above heuristicUrgentWeight the
// message is urgent and pushed on its own.
func HeuristicFallback(msg *chat.Message, hits []chat.KeywordRule) *chat.UrgencyAnalysis {
	var sum float64
	keywords := make([]string, 0, len(hits))
	for _, h := range hits {
		sum += h.Weight
		keywords = append(keywords, h.Keyword)
	}

	score := int(math.Round(sum * 2))
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	urgent := sum >= heuristicUrgentWeight
	pushType := chat.PushNone
	if urgent {
		pushType = chat.PushSingle
	}

	return &chat.UrgencyAnalysis{
		Urgent:     urgent,
		Score:      score,
		PushType:   pushType,
		Summary:    fmt.Sprintf("keyword heuristic: matched %s", strings.Join(keywords, ", ")),
		KeyFactors: keywords,
	}
}

// verdict is the provider's JSON contract.
type verdict struct {
	IsUrgent       bool     `json:"is_urgent"`
	UrgencyScore   int      `json:"urgency_score"`
	PushType       string   `json:"push_type"`
	PushMessageIDs []string `json:"push_message_ids"`
	Summary        string   `json:"summary"`
	KeyFactors     []string `json:"key_factors"`
}

// parseVerdict decodes a completion into an UrgencyAnalysis, tolerating
// markdown code fences around the JSON object.
func parseVerdict(text string) (*chat.UrgencyAnalysis, error) {
	text = llm.StripFences(text)
	if text == "" {
		return nil, fmt.Errorf("empty completion")
	}

	var v verdict
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	switch chat.PushType(v.PushType) {
	case chat.PushSingle, chat.PushContext, chat.PushNone:
	default:
		return nil, fmt.Errorf("invalid push_type %q", v.PushType)
	}

	score := v.UrgencyScore
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	a := &chat.UrgencyAnalysis{
		Urgent:     v.IsUrgent,
		Score:      score,
		PushType:   chat.PushType(v.PushType),
		Summary:    v.Summary,
		KeyFactors: v.KeyFactors,
	}
	if a.PushType == chat.PushContext {
		a.PushMessageIDs = v.PushMessageIDs
	}
	return a, nil
}

func buildUserPrompt(msg *chat.Message, history []chat.Message, hits []chat.KeywordRule) string {
	var sb strings.Builder

	sb.WriteString("Trigger message:\n")
	fmt.Fprintf(&sb, "  id: %s\n  conversation: %s\n  sender: %s\n  time: %s\n  content: %s\n",
		msg.ID, msg.ConversationName, msg.SenderName,
		msg.Timestamp.Format("15:04:05"), msg.Content)
	if extracted := msg.UsableExtractedText(); extracted != "" {
		fmt.Fprintf(&sb, "  extracted: %s\n", extracted)
	}

	sb.WriteString("\nMatched keywords:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "  - %s (%s, weight %.1f)\n", h.Keyword, h.Category, h.Weight)
	}

	if len(history) > 0 {
		sb.WriteString("\nRecent context, oldest first:\n")
		for i := range history {
			m := &history[i]
			if m.ID == msg.ID {
				continue
			}
			fmt.Fprintf(&sb, "  [%s] %s %s: %s\n",
				m.ID, m.Timestamp.Format("15:04:05"), m.SenderName, m.Content)
		}
	}

	return sb.String()
}
