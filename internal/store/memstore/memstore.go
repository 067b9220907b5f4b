// Package memstore provides an in-memory implementation of store.Store.
// Suitable for dev/testing; all methods return copies.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

// Store holds all entities in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	messages      map[string]*chat.Message      // message ID -> message
	conversations map[string]*chat.Conversation // conversation ID -> summary row
	dedup         map[string]*chat.DedupRecord  // fingerprint -> ledger row
	keywords      []chat.KeywordRule
	alerts        []*chat.Alert
	digests       map[string]*chat.DailyDigest // date + "\x00" + conversation ID -> digest
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		messages:      make(map[string]*chat.Message),
		conversations: make(map[string]*chat.Conversation),
		dedup:         make(map[string]*chat.DedupRecord),
		digests:       make(map[string]*chat.DailyDigest),
	}
}

// SetKeywords replaces the keyword table. Test/dev seam; the relational
// store owns keyword definitions in production.
func (s *Store) SetKeywords(rules []chat.KeywordRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append([]chat.KeywordRule(nil), rules...)
}

// SaveMessage upserts the message and bumps the conversation counters.
// Re-saving a known message ID updates the row without inflating the
// counter, so collector retries stay idempotent.
func (s *Store) SaveMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.messages[m.ID]
	cp := *m
	s.messages[m.ID] = &cp

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		c = &chat.Conversation{ID: m.ConversationID}
		s.conversations[m.ConversationID] = c
	}
	c.Name = m.ConversationName
	if !existed {
		c.TotalMessages++
	}
	if m.Timestamp.After(c.LastMessageAt) {
		c.LastMessageAt = m.Timestamp
	}
	return nil
}

// MessagesByTimeRange returns messages in [from, to] oldest first.
func (s *Store) MessagesByTimeRange(_ context.Context, conversationID string, from, to time.Time, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveConversations lists conversation rows, most recently active first.
func (s *Store) ActiveConversations(_ context.Context) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

// UpsertDedup implements the single-writer ledger upsert under the store
// mutex. Duplicate iff the returned count is > 1.
func (s *Store) UpsertDedup(_ context.Context, fingerprint, firstMessageID string, seenAt, windowCutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.dedup[fingerprint]
	if !ok || r.LastSeen.Before(windowCutoff) {
		s.dedup[fingerprint] = &chat.DedupRecord{
			Fingerprint:    fingerprint,
			FirstMessageID: firstMessageID,
			Occurrences:    1,
			LastSeen:       seenAt,
		}
		return 1, nil
	}

	r.Occurrences++
	if seenAt.After(r.LastSeen) {
		r.LastSeen = seenAt
	}
	return r.Occurrences, nil
}

// DedupStats reports ledger statistics.
func (s *Store) DedupStats(_ context.Context, recentCutoff time.Time) (*store.DedupStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &store.DedupStats{TotalRecords: len(s.dedup)}
	for _, r := range s.dedup {
		st.Occurrences += r.Occurrences
		if !r.LastSeen.Before(recentCutoff) {
			st.RecentRecords++
		}
	}
	if st.Occurrences > 0 {
		st.DuplicateRate = float64(st.Occurrences-st.TotalRecords) / float64(st.Occurrences)
	}
	return st, nil
}

// PruneDedup deletes ledger rows last seen before cutoff.
func (s *Store) PruneDedup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for fp, r := range s.dedup {
		if r.LastSeen.Before(cutoff) {
			delete(s.dedup, fp)
			n++
		}
	}
	return n, nil
}

// ActiveKeywords returns active rules, heaviest first.
func (s *Store) ActiveKeywords(_ context.Context) ([]chat.KeywordRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.KeywordRule
	for _, k := range s.keywords {
		if k.Active {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out, nil
}

// SaveAlert appends an alert record.
func (s *Store) SaveAlert(_ context.Context, a *chat.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts = append(s.alerts, &cp)
	return nil
}

// Alerts returns a copy of the alert log. Test seam.
func (s *Store) Alerts() []chat.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	return out
}

// UpsertDigest replaces any existing digest for the same (date, conversation).
func (s *Store) UpsertDigest(_ context.Context, d *chat.DailyDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.digests[d.Date+"\x00"+d.ConversationID] = &cp
	return nil
}

// DigestsByDate returns all digests for one date.
func (s *Store) DigestsByDate(_ context.Context, date string) ([]chat.DailyDigest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.DailyDigest
	for _, d := range s.digests {
		if d.Date == date {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// PruneMessages deletes messages older than cutoff.
func (s *Store) PruneMessages(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, m := range s.messages {
		if m.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// PruneAlerts deletes alerts pushed before cutoff.
func (s *Store) PruneAlerts(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	var n int
	for _, a := range s.alerts {
		if a.PushedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
	return n, nil
}

// PruneDigests deletes digests created before cutoff.
func (s *Store) PruneDigests(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key, d := range s.digests {
		if d.CreatedAt.Before(cutoff) {
			delete(s.digests, key)
			n++
		}
	}
	return n, nil
}
