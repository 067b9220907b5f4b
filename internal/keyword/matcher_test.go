package keyword

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

var base = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func seeded(rules ...chat.KeywordRule) *memstore.Store {
	s := memstore.New()
	s.SetKeywords(rules)
	return s
}

func newMatcher(s store.Store) *Matcher {
	m := NewMatcher(s, nil)
	m.now = func() time.Time { return base }
	return m
}

func textMsg(content, extracted string) *chat.Message {
	return &chat.Message{
		ID: "m-1", ConversationID: "c-1", Type: chat.TypeText,
		Content: content, ExtractedText: extracted,
	}
}

func TestMatch_SubstringOverContentAndExtracted(t *testing.T) {
	t.Parallel()

	m := newMatcher(seeded(
		chat.KeywordRule{Keyword: "deadline", Category: "urgent", Weight: 2.0, Active: true},
		chat.KeywordRule{Keyword: "invoice", Category: "work", Weight: 1.0, Active: true},
	))
	ctx := context.Background()

	hits := m.Match(ctx, textMsg("the deadline moved", ""))
	if len(hits) != 1 || hits[0].Keyword != "deadline" {
		t.Fatalf("hits = %v", hits)
	}

	// Extracted text participates in matching too.
	hits = m.Match(ctx, textMsg("see attached", "invoice due friday"))
	if len(hits) != 1 || hits[0].Keyword != "invoice" {
		t.Fatalf("hits = %v", hits)
	}

	if hits := m.Match(ctx, textMsg("nothing notable", "")); hits != nil {
		t.Errorf("hits = %v, want none", hits)
	}
}

func TestMatch_CaseSensitive(t *testing.T) {
	t.Parallel()

	m := newMatcher(seeded(
		chat.KeywordRule{Keyword: "ASAP", Category: "urgent", Weight: 1.8, Active: true},
	))

	if hits := m.Match(context.Background(), textMsg("do it asap", "")); hits != nil {
		t.Errorf("lowercase text matched uppercase rule: %v", hits)
	}
	if hits := m.Match(context.Background(), textMsg("do it ASAP", "")); len(hits) != 1 {
		t.Errorf("exact case did not match: %v", hits)
	}
}

func TestMatch_EmptyMessage(t *testing.T) {
	t.Parallel()

	m := newMatcher(seeded(
		chat.KeywordRule{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true},
	))
	if hits := m.Match(context.Background(), textMsg("", "")); hits != nil {
		t.Errorf("hits = %v, want none", hits)
	}
}

func TestMatch_CacheTTL(t *testing.T) {
	t.Parallel()

	s := seeded(chat.KeywordRule{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true})
	m := newMatcher(s)
	ctx := context.Background()

	if hits := m.Match(ctx, textMsg("urgent: disk full", "")); len(hits) != 1 {
		t.Fatalf("hits = %v", hits)
	}

	// New rules are invisible until the TTL lapses.
	s.SetKeywords([]chat.KeywordRule{
		{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true},
		{Keyword: "disk", Category: "ops", Weight: 1.0, Active: true},
	})
	if hits := m.Match(ctx, textMsg("urgent: disk full", "")); len(hits) != 1 {
		t.Errorf("cache served %d rules before expiry, want 1", len(hits))
	}

	m.now = func() time.Time { return base.Add(refreshTTL + time.Second) }
	if hits := m.Match(ctx, textMsg("urgent: disk full", "")); len(hits) != 2 {
		t.Errorf("hits after refresh = %v, want 2", hits)
	}
}

func TestMatch_Invalidate(t *testing.T) {
	t.Parallel()

	s := seeded(chat.KeywordRule{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true})
	m := newMatcher(s)
	ctx := context.Background()

	m.Match(ctx, textMsg("warm the cache", ""))
	s.SetKeywords([]chat.KeywordRule{
		{Keyword: "outage", Category: "urgent", Weight: 1.8, Active: true},
	})
	m.Invalidate()

	if hits := m.Match(ctx, textMsg("outage in eu-west", "")); len(hits) != 1 {
		t.Errorf("hits after invalidate = %v, want new rule set", hits)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) ActiveKeywords(context.Context) ([]chat.KeywordRule, error) {
	return nil, errors.New("db offline")
}

func TestMatch_ServesLastGoodOnRefreshFailure(t *testing.T) {
	t.Parallel()

	good := seeded(chat.KeywordRule{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true})
	m := newMatcher(good)
	ctx := context.Background()

	if hits := m.Match(ctx, textMsg("urgent: pager storm", "")); len(hits) != 1 {
		t.Fatalf("warmup hits = %v", hits)
	}

	// Swap in a failing store and expire the cache; the old rules survive.
	m.store = failingStore{}
	m.now = func() time.Time { return base.Add(refreshTTL + time.Second) }

	if hits := m.Match(ctx, textMsg("urgent: pager storm", "")); len(hits) != 1 {
		t.Errorf("hits after failed refresh = %v, want cached rule", hits)
	}
}
