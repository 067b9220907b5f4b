package escalate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/classify"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

var base = time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

type fakeMatcher struct {
	hits []chat.KeywordRule
}

func (f *fakeMatcher) Match(context.Context, *chat.Message) []chat.KeywordRule {
	return f.hits
}

type fakeReader struct {
	history []chat.Message
	err     error
}

func (f *fakeReader) RecentContext(context.Context, string, time.Time) ([]chat.Message, error) {
	return f.history, f.err
}

type fakeClassifier struct {
	calls    int
	analysis *chat.UrgencyAnalysis
	err      error
}

func (f *fakeClassifier) Classify(context.Context, *chat.Message, []chat.Message, []chat.KeywordRule) (*chat.UrgencyAnalysis, error) {
	f.calls++
	return f.analysis, f.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func trigger() *chat.Message {
	return &chat.Message{
		ID: "m-1", ConversationID: "c-1", ConversationName: "ops room",
		SenderID: "u-1", SenderName: "alice", Type: chat.TypeText,
		Content: "urgent: database is down", Timestamp: base,
	}
}

func urgentHits() []chat.KeywordRule {
	return []chat.KeywordRule{
		{Keyword: "紧急", Category: "urgent", Weight: 2.0, Active: true},
		{Keyword: "deadline", Category: "urgent", Weight: 2.0, Active: true},
	}
}

type fixture struct {
	engine     *Engine
	matcher    *fakeMatcher
	classifier *fakeClassifier
	sender     *fakeSender
	store      *memstore.Store
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	f := &fixture{
		matcher:    &fakeMatcher{},
		classifier: &fakeClassifier{},
		sender:     &fakeSender{},
		store:      memstore.New(),
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	f.engine = NewEngine(f.matcher, &fakeReader{}, f.classifier, f.sender, f.store, threshold, metrics, nil)
	return f
}

func TestEscalate_NoKeywordHitsSkipsClassifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if f.classifier.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", f.classifier.calls)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("pushes = %d, want 0", len(f.sender.sent))
	}
}

func TestEscalate_AtThresholdDispatchesOneAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 6, PushType: chat.PushSingle,
		Summary: "database outage reported",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("pushes = %d, want 1", len(f.sender.sent))
	}

	alerts := f.store.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.TriggerMessageID != "m-1" || a.UrgencyScore != 6 {
		t.Errorf("alert = %+v", a)
	}
	if len(a.TriggerKeywords) != 2 {
		t.Errorf("TriggerKeywords = %v", a.TriggerKeywords)
	}
	if a.ID == "" {
		t.Error("alert ID not assigned")
	}
}

func TestEscalate_BelowThresholdSuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 5, PushType: chat.PushSingle, Summary: "mildly spicy",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.sender.sent) != 0 || len(f.store.Alerts()) != 0 {
		t.Error("below-threshold verdict must not push")
	}
}

func TestEscalate_PushTypeNoneDispatchesAsSingle(t *testing.T) {
	t.Parallel()

	// The gate is urgent + score only; push_type shapes the body, it never
	// vetoes dispatch.
	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 9, PushType: chat.PushNone,
		Summary: "database outage reported",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("pushes = %d, want 1", len(f.sender.sent))
	}
	if strings.Contains(f.sender.sent[0], "Context:") {
		t.Error("push_type none must not carry a context block")
	}
	alerts := f.store.Alerts()
	if len(alerts) != 1 || alerts[0].UrgencyScore != 9 {
		t.Errorf("alerts = %+v, want one with score 9", alerts)
	}
}

func TestEscalate_TransportFailureUsesHeuristic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.err = &classify.TransportError{Provider: "stub", Err: errors.New("connection refused")}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	// Summed weight 4.0 maps to score 8, above the threshold.
	if len(f.sender.sent) != 1 {
		t.Fatalf("pushes = %d, want 1 from heuristic verdict", len(f.sender.sent))
	}
	alerts := f.store.Alerts()
	if len(alerts) != 1 || alerts[0].UrgencyScore != 8 {
		t.Errorf("alerts = %+v, want one with score 8", alerts)
	}
}

func TestEscalate_MalformedOutputDowngrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.err = &classify.MalformedError{Provider: "stub", Err: errors.New("not json")}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.sender.sent) != 0 || len(f.store.Alerts()) != 0 {
		t.Error("malformed output must downgrade, not push")
	}
}

func TestEscalate_SendFailureRecordsNoAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.sender.err = errors.New("gateway timeout")
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 8, PushType: chat.PushSingle, Summary: "outage",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.store.Alerts()) != 0 {
		t.Error("failed push must not record an alert")
	}
}

func TestEscalate_DisabledSenderIsQuiet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.sender.err = notify.ErrDisabled
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 8, PushType: chat.PushSingle, Summary: "outage",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if len(f.store.Alerts()) != 0 {
		t.Error("disabled sender must not record an alert")
	}
}

func TestEscalate_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	f := newFixture(t, 6)
	f.matcher.hits = urgentHits()
	f.classifier.analysis = &chat.UrgencyAnalysis{
		Urgent: true, Score: 7, PushType: chat.PushSingle, Summary: "outage",
	}

	if err := f.engine.Escalate(context.Background(), trigger()); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	spans := exporter.GetSpans()
	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["escalate.message"] != 1 {
		t.Errorf("escalate.message spans = %d, want 1", counts["escalate.message"])
	}
	if counts["classify.message"] != 1 {
		t.Errorf("classify.message spans = %d, want 1", counts["classify.message"])
	}

	for _, s := range spans {
		if s.Name != "escalate.message" {
			continue
		}
		attrs := make(map[string]any)
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.AsInterface()
		}
		if attrs["sift.message.id"] != "m-1" {
			t.Errorf("sift.message.id = %v, want m-1", attrs["sift.message.id"])
		}
		if attrs["sift.urgency.score"] != int64(7) {
			t.Errorf("sift.urgency.score = %v, want 7", attrs["sift.urgency.score"])
		}
	}
}

func TestRenderPush_Body(t *testing.T) {
	t.Parallel()

	msg := trigger()
	msg.ExtractedText = "screenshot: replication lag 900s"
	history := []chat.Message{
		{ID: "m-a", SenderName: "bob", Content: strings.Repeat("x", 80)},
		{ID: "m-b", SenderName: "carol", Content: "is anyone on call?"},
	}
	a := &chat.UrgencyAnalysis{
		Urgent: true, Score: 9, PushType: chat.PushContext,
		PushMessageIDs: []string{"m-a", "m-b", "m-missing"},
		Summary:        "replication is falling behind",
		KeyFactors:     []string{"lag", "prod", "on-call", "extra factor"},
	}

	body := renderPush(msg, a, history)

	if !strings.HasPrefix(body, "🚨") {
		t.Errorf("body %q missing high-severity marker", body)
	}
	for _, want := range []string{
		"Conversation: ops room",
		"Sender: alice",
		"Time: 14:30:00",
		"Urgency: 9/10",
		"Summary: replication is falling behind",
		"Message: urgent: database is down",
		"Extracted: screenshot: replication lag 900s",
		"carol: is anyone on call?",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	// Long context lines truncate at 50 runes.
	if strings.Contains(body, strings.Repeat("x", 60)) {
		t.Error("context excerpt not truncated")
	}
	if !strings.Contains(body, strings.Repeat("x", 50)+"…") {
		t.Error("truncated excerpt missing ellipsis")
	}

	// Only three factors survive.
	if strings.Contains(body, "extra factor") {
		t.Error("factor list not capped at three")
	}
}

func TestRenderPush_EmojiBands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  string
	}{
		{10, "🚨"}, {9, "🚨"}, {8, "⚠️"}, {7, "⚠️"}, {6, "🔔"}, {1, "🔔"},
	}
	for _, tt := range tests {
		a := &chat.UrgencyAnalysis{Urgent: true, Score: tt.score, PushType: chat.PushSingle}
		body := renderPush(trigger(), a, nil)
		if !strings.HasPrefix(body, tt.want) {
			t.Errorf("score %d: body starts %q, want %q", tt.score, body[:4], tt.want)
		}
	}
}
