// Package history retrieves conversation context for the classifier.
package history

import (
	"context"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

// Reader fetches recent same-day messages for one conversation.
type Reader struct {
	store store.Store
	limit int
}

// NewReader builds a Reader capped at limit context messages per lookup.
func NewReader(s store.Store, limit int) *Reader {
	return &Reader{store: s, limit: limit}
}

// RecentContext returns the conversation's newest messages between local
// midnight and asOf, oldest first, at most the configured limit. The window
// never crosses a day boundary so late-night alerts do not drag in yesterday.
func (r *Reader) RecentContext(ctx context.Context, conversationID string, asOf time.Time) ([]chat.Message, error) {
	dayStart := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	msgs, err := r.store.MessagesByTimeRange(ctx, conversationID, dayStart, asOf, 0)
	if err != nil {
		return nil, err
	}
	if r.limit > 0 && len(msgs) > r.limit {
		msgs = msgs[len(msgs)-r.limit:]
	}
	return msgs, nil
}
