// Package keyword implements the pre-filter that decides whether a message
// is worth sending to the AI classifier.
package keyword

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

// refreshTTL bounds how stale the in-memory rule cache may get.
const refreshTTL = 5 * time.Minute

// Matcher caches active keyword rules and matches them against message text.
// Matching is case-sensitive substring search over content plus extracted
// text. A failed refresh keeps serving the last good rule set.
type Matcher struct {
	store  store.Store
	logger log.Logger

	mu        sync.Mutex
	rules     []chat.KeywordRule
	expiresAt time.Time

	now func() time.Time // test seam
}

// NewMatcher builds a Matcher with an empty cache; the first Match call
// loads the rules.
func NewMatcher(s store.Store, logger log.Logger) *Matcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Matcher{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Match returns the rules whose keyword occurs in the message text,
// heaviest first. An empty result means the message skips classification.
func (m *Matcher) Match(ctx context.Context, msg *chat.Message) []chat.KeywordRule {
	text := msg.MatchableText()
	if text == "" {
		return nil
	}

	var hits []chat.KeywordRule
	for _, r := range m.activeRules(ctx) {
		if strings.Contains(text, r.Keyword) {
			hits = append(hits, r)
		}
	}
	return hits
}

// Invalidate drops the cache so the next Match reloads the rules.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresAt = time.Time{}
}

func (m *Matcher) activeRules(ctx context.Context) []chat.KeywordRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Before(m.expiresAt) {
		return m.rules
	}

	rules, err := m.store.ActiveKeywords(ctx)
	if err != nil {
		// Serve the previous rule set; retry on the next call.
		m.logger.Error(ctx, err, "keyword refresh failed, serving cached rules",
			"cached_rules", len(m.rules),
		)
		return m.rules
	}

	m.rules = rules
	m.expiresAt = now.Add(refreshTTL)
	return m.rules
}
