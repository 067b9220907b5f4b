// Package dedup suppresses repeated message content inside a sliding window.
//
// Every message carries a content fingerprint; sightings are recorded in a
// persistent ledger so restarts do not forget recent content. Ledger errors
// fail open: a message is never dropped because the ledger was unreachable.
package dedup

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

// Deduper answers "have we seen this content recently?".
type Deduper struct {
	store     store.Store
	window    time.Duration
	retention time.Duration
	logger    log.Logger

	now func() time.Time // test seam
}

// New builds a Deduper. window bounds how long a fingerprint counts as
// recent; retention bounds how long pruned-out ledger rows are kept.
func New(s store.Store, window, retention time.Duration, logger log.Logger) *Deduper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Deduper{
		store:     s,
		window:    window,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// IsDuplicate records a sighting of m and reports whether the same content
// was already seen inside the window. Messages with no content never count
// as duplicates. Ledger failures are logged and treated as not-duplicate.
func (d *Deduper) IsDuplicate(ctx context.Context, m *chat.Message) bool {
	if m.Fingerprint == "" || chat.NormalizedContent(m.Content, m.ExtractedText) == "" {
		return false
	}

	now := d.now()
	count, err := d.store.UpsertDedup(ctx, m.Fingerprint, m.ID, now, now.Add(-d.window))
	if err != nil {
		d.logger.Error(ctx, err, "dedup ledger unavailable, passing message through",
			"message_id", m.ID,
			"fingerprint", m.Fingerprint,
		)
		return false
	}

	if count > 1 {
		d.logger.Info(ctx, "duplicate message suppressed",
			"message_id", m.ID,
			"fingerprint", m.Fingerprint,
			"occurrences", count,
		)
		return true
	}
	return false
}

// Stats reports ledger statistics with "recent" bounded by the window.
func (d *Deduper) Stats(ctx context.Context) (*store.DedupStats, error) {
	return d.store.DedupStats(ctx, d.now().Add(-d.window))
}

// Prune deletes ledger rows older than the retention horizon.
func (d *Deduper) Prune(ctx context.Context) (int, error) {
	return d.store.PruneDedup(ctx, d.now().Add(-d.retention))
}
