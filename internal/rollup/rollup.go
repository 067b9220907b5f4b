// Package rollup generates per-conversation daily digests and the combined
// daily report.
//
// Digests come from the AI provider; when it fails, a deterministic
// statistics digest is written instead so a day is never silently lost.
// One digest row exists per (date, conversation) and regeneration replaces
// it.
package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/store"
)

const (
	// digestDetailMessages caps how many messages the digest prompt quotes.
	digestDetailMessages = 50

	// digestContentLen and digestExtractedLen truncate quoted message text.
	digestContentLen   = 200
	digestExtractedLen = 100

	// digestSourceIDs caps the source message IDs recorded on a digest.
	digestSourceIDs = 10

	// maxDigestTokens bounds the digest completion.
	maxDigestTokens = 2048

	// report caps.
	reportConversations = 10
	reportTopics        = 3
	reportEvents        = 2
	reportActions       = 2
)

const digestSystemPrompt = `You summarize one group chat conversation's day.
Given the day's messages, respond with ONLY a JSON object:
{
  "summary": "a few sentences covering what happened",
  "key_topics": ["...", "..."],
  "important_events": ["..."],
  "action_items": ["..."],
  "high_value_messages": ["<message id>", "..."]
}

Rules:
- key_topics has one to five short phrases.
- important_events and action_items may be empty arrays.
- high_value_messages lists the ids of messages worth revisiting, using only
  ids that appear in the input; it may be empty.
- Do not invent content that is not in the messages.`

// Generator produces daily digests for every active conversation.
type Generator struct {
	store    store.Store
	provider llm.Provider
	policy   llm.Policy
	timeout  time.Duration
	logger   log.Logger

	now func() time.Time // test seam
}

// NewGenerator builds a Generator. A nil logger discards output.
func NewGenerator(s store.Store, provider llm.Provider, policy llm.Policy, timeout time.Duration, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Generator{
		store:    s,
		provider: provider,
		policy:   policy,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// TargetDate returns the digest date for a rollup running now: yesterday,
// in local time.
func (g *Generator) TargetDate() string {
	return g.now().AddDate(0, 0, -1).Format("2006-01-02")
}

// Run generates and upserts digests for every conversation with traffic on
// date (YYYY-MM-DD, local time). Per-conversation failures degrade to the
// statistics digest; only store-level failures abort the run. It returns
// the number of digests written.
func (g *Generator) Run(ctx context.Context, date string) (int, error) {
	dayStart, dayEnd, err := dayBounds(date)
	if err != nil {
		return 0, err
	}

	convs, err := g.store.ActiveConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	var written int
	for _, conv := range convs {
		msgs, err := g.store.MessagesByTimeRange(ctx, conv.ID, dayStart, dayEnd, 0)
		if err != nil {
			g.logger.Error(ctx, err, "digest message fetch failed",
				"conversation_id", conv.ID, "date", date)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		d := g.digest(ctx, date, &conv, msgs)
		if err := g.store.UpsertDigest(ctx, d); err != nil {
			return written, fmt.Errorf("upsert digest for %s: %w", conv.ID, err)
		}
		written++
	}

	g.logger.Info(ctx, "daily rollup complete", "date", date, "digests", written)
	return written, nil
}

// digest asks the provider for a summary and falls back to statistics.
func (g *Generator) digest(ctx context.Context, date string, conv *chat.Conversation, msgs []chat.Message) *chat.DailyDigest {
	d := &chat.DailyDigest{
		ID:               ulid.Make().String(),
		Date:             date,
		ConversationID:   conv.ID,
		ConversationName: conv.Name,
		MessageCount:     len(msgs),
		HighValueCount:   0,
		SourceMessageIDs: sourceIDs(msgs),
		CreatedAt:        g.now(),
	}

	body, err := g.summarize(ctx, conv.Name, msgs)
	if err != nil {
		g.logger.Warn(ctx, "digest summarization failed, using statistics digest",
			"conversation_id", conv.ID,
			"date", date,
			"error", err.Error(),
		)
		fillFallback(d, msgs)
		return d
	}

	d.Summary = body.Summary
	d.KeyTopics = body.KeyTopics
	d.ImportantEvents = body.ImportantEvents
	d.ActionItems = body.ActionItems
	d.HighValueCount = countKnown(body.HighValueIDs, msgs)
	if len(d.KeyTopics) == 0 {
		d.KeyTopics = []string{"general chat"}
	}
	return d
}

// countKnown counts ids that refer to fetched messages; the model may cite
// ids that were never in the prompt.
func countKnown(ids []string, msgs []chat.Message) int {
	known := make(map[string]struct{}, len(msgs))
	for i := range msgs {
		known[msgs[i].ID] = struct{}{}
	}
	var n int
	for _, id := range ids {
		if _, ok := known[id]; ok {
			n++
		}
	}
	return n
}

// digestBody is the provider's JSON contract for one digest.
type digestBody struct {
	Summary         string   `json:"summary"`
	KeyTopics       []string `json:"key_topics"`
	ImportantEvents []string `json:"important_events"`
	ActionItems     []string `json:"action_items"`
	HighValueIDs    []string `json:"high_value_messages"`
}

func (g *Generator) summarize(ctx context.Context, convName string, msgs []chat.Message) (*digestBody, error) {
	user := buildDigestPrompt(convName, msgs)

	return llm.Do(ctx, g.policy, func() (*digestBody, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		out, err := g.provider.Complete(callCtx, digestSystemPrompt, user, maxDigestTokens)
		if err != nil {
			return nil, err
		}

		var body digestBody
		if err := json.Unmarshal([]byte(llm.StripFences(out)), &body); err != nil {
			return nil, llm.Permanent(fmt.Errorf("decode digest: %w", err))
		}
		if body.Summary == "" {
			return nil, llm.Permanent(fmt.Errorf("digest missing summary"))
		}
		return &body, nil
	})
}

// buildDigestPrompt quotes the first digestDetailMessages messages with
// truncated content plus per-sender counts.
func buildDigestPrompt(convName string, msgs []chat.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation: %s\nMessages: %d\n\n", convName, len(msgs))

	quoted := msgs
	if len(quoted) > digestDetailMessages {
		quoted = quoted[:digestDetailMessages]
	}
	for i := range quoted {
		m := &quoted[i]
		fmt.Fprintf(&sb, "[%s] %s %s: %s\n",
			m.Timestamp.Format("15:04"), m.ID, m.SenderName, truncate(m.Content, digestContentLen))
		if extracted := m.UsableExtractedText(); extracted != "" {
			fmt.Fprintf(&sb, "    (extracted: %s)\n", truncate(extracted, digestExtractedLen))
		}
	}
	if len(msgs) > digestDetailMessages {
		fmt.Fprintf(&sb, "... and %d more messages\n", len(msgs)-digestDetailMessages)
	}

	sb.WriteString("\nMessages per sender:\n")
	for _, sc := range senderCounts(msgs) {
		fmt.Fprintf(&sb, "  %s: %d\n", sc.name, sc.count)
	}
	return sb.String()
}

// fillFallback writes the deterministic statistics digest.
func fillFallback(d *chat.DailyDigest, msgs []chat.Message) {
	senders := senderCounts(msgs)
	top := senders
	if len(top) > 3 {
		top = top[:3]
	}
	names := make([]string, 0, len(top))
	for _, sc := range top {
		names = append(names, fmt.Sprintf("%s (%d)", sc.name, sc.count))
	}

	types := make(map[chat.MessageType]int)
	for i := range msgs {
		types[msgs[i].Type]++
	}
	typeParts := make([]string, 0, len(types))
	for typ, n := range types {
		typeParts = append(typeParts, fmt.Sprintf("%s: %d", typ, n))
	}
	sort.Strings(typeParts)

	d.Summary = fmt.Sprintf("%d messages. Most active: %s. By type: %s.",
		len(msgs), strings.Join(names, ", "), strings.Join(typeParts, ", "))
	d.KeyTopics = []string{"general chat"}
}

type senderCount struct {
	name  string
	count int
}

// senderCounts tallies messages per sender, most active first.
func senderCounts(msgs []chat.Message) []senderCount {
	counts := make(map[string]int)
	for i := range msgs {
		counts[msgs[i].SenderName]++
	}
	out := make([]senderCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, senderCount{name: name, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}

func sourceIDs(msgs []chat.Message) []string {
	n := len(msgs)
	if n > digestSourceIDs {
		n = digestSourceIDs
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, msgs[i].ID)
	}
	return out
}

// dayBounds returns [00:00:00, 23:59:59.999999] local time for date.
func dayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	start := day
	end := day.Add(24*time.Hour - time.Microsecond)
	return start, end, nil
}

// Reporter renders and sends the combined daily report.
type Reporter struct {
	store  store.Store
	sender notify.Sender
	logger log.Logger
}

// NewReporter builds a Reporter. A nil logger discards output.
func NewReporter(s store.Store, sender notify.Sender, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Reporter{store: s, sender: sender, logger: logger}
}

// Send renders the combined report for date and pushes it. A day with no
// digests sends nothing.
func (r *Reporter) Send(ctx context.Context, date string) error {
	digests, err := r.store.DigestsByDate(ctx, date)
	if err != nil {
		return fmt.Errorf("load digests: %w", err)
	}
	if len(digests) == 0 {
		r.logger.Info(ctx, "no digests for date, skipping report", "date", date)
		return nil
	}

	body := renderReport(date, digests)
	if err := r.sender.Send(ctx, body); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	r.logger.Info(ctx, "daily report sent", "date", date, "conversations", len(digests))
	return nil
}

// renderReport formats the combined report: the busiest conversations
// first, capped per-section lists, and an overflow note.
func renderReport(date string, digests []chat.DailyDigest) string {
	sorted := append([]chat.DailyDigest(nil), digests...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MessageCount != sorted[j].MessageCount {
			return sorted[i].MessageCount > sorted[j].MessageCount
		}
		return sorted[i].ConversationID < sorted[j].ConversationID
	})

	shown := sorted
	if len(shown) > reportConversations {
		shown = shown[:reportConversations]
	}

	var total int
	for i := range sorted {
		total += sorted[i].MessageCount
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 Daily report %s\n", date)
	fmt.Fprintf(&sb, "%d conversations, %d messages\n", len(sorted), total)

	for i := range shown {
		d := &shown[i]
		fmt.Fprintf(&sb, "\n%s (%d messages)\n", d.ConversationName, d.MessageCount)
		if d.Summary != "" {
			fmt.Fprintf(&sb, "  %s\n", d.Summary)
		}
		if topics := capped(d.KeyTopics, reportTopics); len(topics) > 0 {
			fmt.Fprintf(&sb, "  Topics: %s\n", strings.Join(topics, ", "))
		}
		for _, e := range capped(d.ImportantEvents, reportEvents) {
			fmt.Fprintf(&sb, "  Event: %s\n", e)
		}
		for _, a := range capped(d.ActionItems, reportActions) {
			fmt.Fprintf(&sb, "  Action: %s\n", a)
		}
	}

	if len(sorted) > len(shown) {
		fmt.Fprintf(&sb, "\n... and %d more conversations\n", len(sorted)-len(shown))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func capped(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
