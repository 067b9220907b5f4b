// Package escalate runs keyword-flagged messages through urgency
// classification and dispatches push alerts for the ones that clear the
// threshold.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/classify"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/escalate")

const (
	// contextExcerptLen bounds each context line in a push body.
	contextExcerptLen = 50

	// maxContextExcerpts bounds how many context lines a push carries.
	maxContextExcerpts = 3

	// maxKeyFactors bounds the reasons listed in a push body.
	maxKeyFactors = 3
)

// Matcher reports the keyword rules a message triggers.
type Matcher interface {
	Match(ctx context.Context, msg *chat.Message) []chat.KeywordRule
}

// Classifier produces an urgency verdict for a flagged message.
type Classifier interface {
	Classify(ctx context.Context, msg *chat.Message, history []chat.Message, hits []chat.KeywordRule) (*chat.UrgencyAnalysis, error)
}

// ContextReader fetches same-day conversation history for the classifier.
type ContextReader interface {
	RecentContext(ctx context.Context, conversationID string, asOf time.Time) ([]chat.Message, error)
}

// Engine is the escalation pipeline for one message: keyword pre-filter,
// AI classification with deterministic fallbacks, threshold gate, push
// dispatch and alert recording.
type Engine struct {
	matcher    Matcher
	reader     ContextReader
	classifier Classifier
	sender     notify.Sender
	store      store.Store
	threshold  int
	metrics    *Metrics
	logger     log.Logger
}

// NewEngine builds an Engine. metrics may be nil to disable instrumentation;
// a nil logger discards output.
func NewEngine(matcher Matcher, reader ContextReader, classifier Classifier, sender notify.Sender, s store.Store, threshold int, metrics *Metrics, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		matcher:    matcher,
		reader:     reader,
		classifier: classifier,
		sender:     sender,
		store:      s,
		threshold:  threshold,
		metrics:    metrics,
		logger:     logger,
	}
}

// Escalate runs the pipeline for msg. It returns an error only for alert
// persistence failures; classification and push failures degrade and are
// reported through logs and metrics.
func (e *Engine) Escalate(ctx context.Context, msg *chat.Message) error {
	ctx, span := tracer.Start(ctx, "escalate.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("sift.message.id", msg.ID),
		attribute.String("sift.conversation.id", msg.ConversationID),
	)

	hits := e.matcher.Match(ctx, msg)
	if len(hits) == 0 {
		e.countMessage("filtered")
		span.SetAttributes(attribute.String("sift.escalate.outcome", "filtered"))
		return nil
	}

	history, err := e.reader.RecentContext(ctx, msg.ConversationID, msg.Timestamp)
	if err != nil {
		// Classify without context rather than dropping the message.
		e.logger.Error(ctx, err, "context lookup failed, classifying without history",
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID,
		)
		history = nil
	}

	analysis := e.classify(ctx, msg, history, hits)
	e.countMessage("classified")
	if e.metrics != nil {
		e.metrics.UrgencyScores.Observe(float64(analysis.Score))
	}
	span.SetAttributes(attribute.Int("sift.urgency.score", analysis.Score))

	if !analysis.Urgent || analysis.Score < e.threshold {
		e.logger.Info(ctx, "message below escalation threshold",
			"message_id", msg.ID,
			"urgent", analysis.Urgent,
			"score", analysis.Score,
			"push_type", string(analysis.PushType),
		)
		e.countPush("suppressed")
		return nil
	}

	body := renderPush(msg, analysis, history)
	if err := e.sender.Send(ctx, body); err != nil {
		if errors.Is(err, notify.ErrDisabled) {
			e.countPush("disabled")
			return nil
		}
		// No alert row for a push that never went out.
		e.logger.Error(ctx, err, "alert push failed",
			"message_id", msg.ID,
			"score", analysis.Score,
		)
		e.countPush("failed")
		return nil
	}
	e.countPush("sent")

	alert := &chat.Alert{
		ID:                ulid.Make().String(),
		TriggerMessageID:  msg.ID,
		ConversationID:    msg.ConversationID,
		ConversationName:  msg.ConversationName,
		Content:           msg.Content,
		TriggerKeywords:   keywordNames(hits),
		ContextMessageIDs: analysis.PushMessageIDs,
		UrgencyScore:      analysis.Score,
		PushedAt:          time.Now(),
	}
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("save alert: %w", err)
	}

	e.logger.Info(ctx, "alert dispatched",
		"alert_id", alert.ID,
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"score", analysis.Score,
		"push_type", string(analysis.PushType),
	)
	return nil
}

// classify calls the AI classifier and substitutes the deterministic
// fallbacks on failure: heuristic scoring when the provider is unreachable,
// a conservative downgrade when its output is malformed.
func (e *Engine) classify(ctx context.Context, msg *chat.Message, history []chat.Message, hits []chat.KeywordRule) *chat.UrgencyAnalysis {
	ctx, span := tracer.Start(ctx, "classify.message")
	defer span.End()

	start := time.Now()
	analysis, err := e.classifier.Classify(ctx, msg, history, hits)
	if e.metrics != nil {
		e.metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		e.countClassification("verdict")
		span.SetAttributes(attribute.String("sift.classify.source", "verdict"))
		return analysis
	}

	var malformed *classify.MalformedError
	if errors.As(err, &malformed) {
		e.logger.Warn(ctx, "classifier output malformed, downgrading",
			"message_id", msg.ID,
			"error", malformed.Error(),
		)
		e.countClassification("downgrade")
		span.SetAttributes(attribute.String("sift.classify.source", "downgrade"))
		return classify.Downgrade()
	}

	e.logger.Error(ctx, err, "classifier unreachable, using keyword heuristic",
		"message_id", msg.ID,
	)
	e.countClassification("heuristic")
	span.SetAttributes(attribute.String("sift.classify.source", "heuristic"))
	return classify.HeuristicFallback(msg, hits)
}

func (e *Engine) countMessage(outcome string) {
	if e.metrics != nil {
		e.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countClassification(source string) {
	if e.metrics != nil {
		e.metrics.ClassificationsTotal.WithLabelValues(source).Inc()
	}
}

func (e *Engine) countPush(result string) {
	if e.metrics != nil {
		e.metrics.PushesTotal.WithLabelValues(result).Inc()
	}
}

// renderPush formats the alert body sent to the push gateway.
func renderPush(msg *chat.Message, a *chat.UrgencyAnalysis, history []chat.Message) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s Urgent message alert\n", scoreEmoji(a.Score))
	fmt.Fprintf(&sb, "Conversation: %s\n", msg.ConversationName)
	fmt.Fprintf(&sb, "Sender: %s\n", msg.SenderName)
	fmt.Fprintf(&sb, "Time: %s\n", msg.Timestamp.Format("15:04:05"))
	fmt.Fprintf(&sb, "Urgency: %d/10\n", a.Score)
	if a.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", a.Summary)
	}
	fmt.Fprintf(&sb, "Message: %s\n", msg.Content)
	if extracted := msg.UsableExtractedText(); extracted != "" {
		fmt.Fprintf(&sb, "Extracted: %s\n", extracted)
	}

	if a.PushType == chat.PushContext {
		excerpts := contextExcerpts(a.PushMessageIDs, history)
		if len(excerpts) > 0 {
			sb.WriteString("Context:\n")
			for _, line := range excerpts {
				fmt.Fprintf(&sb, "  %s\n", line)
			}
		}
	}

	if len(a.KeyFactors) > 0 {
		factors := a.KeyFactors
		if len(factors) > maxKeyFactors {
			factors = factors[:maxKeyFactors]
		}
		fmt.Fprintf(&sb, "Factors: %s\n", strings.Join(factors, "; "))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// contextExcerpts resolves push message IDs against the history and returns
// truncated "sender: content" lines, at most maxContextExcerpts.
func contextExcerpts(ids []string, history []chat.Message) []string {
	byID := make(map[string]*chat.Message, len(history))
	for i := range history {
		byID[history[i].ID] = &history[i]
	}

	var out []string
	for _, id := range ids {
		if len(out) == maxContextExcerpts {
			break
		}
		m, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", m.SenderName, truncate(m.Content, contextExcerptLen)))
	}
	return out
}

func scoreEmoji(score int) string {
	switch {
	case score >= 9:
		return "🚨"
	case score >= 7:
		return "⚠️"
	default:
		return "🔔"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func keywordNames(hits []chat.KeywordRule) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Keyword)
	}
	return out
}
