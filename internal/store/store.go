// Package store defines the persistence boundary shared by the ingest path
// and the scheduler. Implementations live in memstore (dev/testing) and
// pgstore (PostgreSQL).
package store

import (
	"context"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
)

// DedupStats summarizes the fingerprint ledger.
type DedupStats struct {
	TotalRecords  int     `json:"total_records"`
	RecentRecords int     `json:"recent_records"` // last-seen within the active window
	Occurrences   int     `json:"total_occurrences"`
	DuplicateRate float64 `json:"duplicate_rate"`
}

// Store is the persistence interface for messages, conversations, the dedup
// ledger, keyword rules, alerts and digests.
//
// Uniqueness contracts: one row per message ID, one row per fingerprint,
// one digest row per (date, conversation).
type Store interface {
	// SaveMessage upserts the message by ID and atomically bumps the owning
	// conversation's total_messages and last_message_at.
	SaveMessage(ctx context.Context, m *chat.Message) error

	// MessagesByTimeRange returns messages for one conversation with
	// timestamp in [from, to], oldest first. limit <= 0 means no limit.
	MessagesByTimeRange(ctx context.Context, conversationID string, from, to time.Time, limit int) ([]chat.Message, error)

	// ActiveConversations lists every conversation that has ever produced a
	// message, most recently active first.
	ActiveConversations(ctx context.Context) ([]chat.Conversation, error)

	// UpsertDedup records a sighting of fingerprint in a single atomic
	// statement and returns the resulting occurrence count. A record whose
	// last_seen is at or after windowCutoff is incremented; an absent or
	// expired record is (re)created with count 1 and firstMessageID. The
	// sighting is a duplicate exactly when the returned count is > 1.
	UpsertDedup(ctx context.Context, fingerprint, firstMessageID string, seenAt, windowCutoff time.Time) (int, error)

	// DedupStats reports ledger statistics; recentCutoff bounds the
	// "recent" record count.
	DedupStats(ctx context.Context, recentCutoff time.Time) (*DedupStats, error)

	// PruneDedup deletes ledger rows last seen before cutoff and returns
	// the number deleted.
	PruneDedup(ctx context.Context, cutoff time.Time) (int, error)

	// ActiveKeywords returns all active keyword rules, heaviest first.
	ActiveKeywords(ctx context.Context) ([]chat.KeywordRule, error)

	// SaveAlert appends a dispatched alert. Alerts are never updated.
	SaveAlert(ctx context.Context, a *chat.Alert) error

	// UpsertDigest writes the digest, replacing any prior row for the same
	// (date, conversation).
	UpsertDigest(ctx context.Context, d *chat.DailyDigest) error

	// DigestsByDate returns all digests for one YYYY-MM-DD date.
	DigestsByDate(ctx context.Context, date string) ([]chat.DailyDigest, error)

	// Retention sweeps. Each returns the number of rows deleted.
	PruneMessages(ctx context.Context, cutoff time.Time) (int, error)
	PruneAlerts(ctx context.Context, cutoff time.Time) (int, error)
	PruneDigests(ctx context.Context, cutoff time.Time) (int, error)
}
