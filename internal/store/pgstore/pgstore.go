// Package pgstore provides a PostgreSQL implementation of store.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage state in PostgreSQL. The pool is owned by the
// caller; Close releases it.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// SaveMessage upserts the message row and bumps the conversation counters
// in one transaction.
func (s *Store) SaveMessage(ctx context.Context, m *chat.Message) error {
	ctx, span := startSpan(ctx, "pgstore.SaveMessage", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	// xmax = 0 distinguishes a fresh insert from a conflict update, so a
	// collector retry re-sending a known message ID cannot inflate the
	// conversation counter.
	var inserted bool
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (
			message_id, conversation_id, conversation_name, sender_id, sender_name,
			type, content, extracted_text, fingerprint, ts, important, value_score
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (message_id) DO UPDATE SET
			conversation_name = EXCLUDED.conversation_name,
			content           = EXCLUDED.content,
			extracted_text    = EXCLUDED.extracted_text,
			fingerprint       = EXCLUDED.fingerprint,
			important         = EXCLUDED.important,
			value_score       = EXCLUDED.value_score
		RETURNING (xmax = 0)`,
		m.ID, m.ConversationID, m.ConversationName, m.SenderID, m.SenderName,
		string(m.Type), m.Content, m.ExtractedText, m.Fingerprint, m.Timestamp,
		m.Important, m.ValueScore,
	).Scan(&inserted)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert message: %w", err))
	}

	delta := 0
	if inserted {
		delta = 1
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (conversation_id, conversation_name, last_message_at, total_messages)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			conversation_name = EXCLUDED.conversation_name,
			last_message_at   = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at),
			total_messages    = conversations.total_messages + $4`,
		m.ConversationID, m.ConversationName, m.Timestamp, delta,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert conversation: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

const messageColumns = `message_id, conversation_id, conversation_name, sender_id, sender_name,
	type, content, extracted_text, fingerprint, ts, important, value_score`

// MessagesByTimeRange returns one conversation's messages in [from, to],
// oldest first. limit <= 0 means no limit.
func (s *Store) MessagesByTimeRange(ctx context.Context, conversationID string, from, to time.Time, limit int) ([]chat.Message, error) {
	ctx, span := startSpan(ctx, "pgstore.MessagesByTimeRange", "SELECT")
	defer span.End()

	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts`
	args := []any{conversationID, from, to}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m   chat.Message
			typ string
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.ConversationName, &m.SenderID, &m.SenderName,
			&typ, &m.Content, &m.ExtractedText, &m.Fingerprint, &m.Timestamp,
			&m.Important, &m.ValueScore,
		); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan message: %w", err))
		}
		m.Type = chat.MessageType(typ)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate messages: %w", err))
	}
	return out, nil
}

// ActiveConversations lists conversation rows, most recently active first.
func (s *Store) ActiveConversations(ctx context.Context) ([]chat.Conversation, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveConversations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, conversation_name, last_message_at, total_messages
		 FROM conversations ORDER BY last_message_at DESC`,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query conversations: %w", err))
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.LastMessageAt, &c.TotalMessages); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan conversation: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate conversations: %w", err))
	}
	return out, nil
}

// UpsertDedup records a fingerprint sighting in a single statement so
// concurrent sightings of the same fingerprint serialize on the row.
// A record whose last_seen predates windowCutoff restarts at count 1.
func (s *Store) UpsertDedup(ctx context.Context, fingerprint, firstMessageID string, seenAt, windowCutoff time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.UpsertDedup", "UPSERT")
	defer span.End()

	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dedup_ledger (fingerprint, first_message_id, occurrence_count, last_seen)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			occurrence_count = CASE
				WHEN dedup_ledger.last_seen >= $4 THEN dedup_ledger.occurrence_count + 1
				ELSE 1
			END,
			first_message_id = CASE
				WHEN dedup_ledger.last_seen >= $4 THEN dedup_ledger.first_message_id
				ELSE EXCLUDED.first_message_id
			END,
			last_seen = GREATEST(dedup_ledger.last_seen, EXCLUDED.last_seen)
		 RETURNING occurrence_count`,
		fingerprint, firstMessageID, seenAt, windowCutoff,
	).Scan(&count)
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("upsert dedup: %w", err))
	}
	return count, nil
}

// DedupStats reports ledger statistics.
func (s *Store) DedupStats(ctx context.Context, recentCutoff time.Time) (*store.DedupStats, error) {
	ctx, span := startSpan(ctx, "pgstore.DedupStats", "SELECT")
	defer span.End()

	st := &store.DedupStats{}
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_seen >= $1),
			COALESCE(SUM(occurrence_count), 0)
		 FROM dedup_ledger`,
		recentCutoff,
	).Scan(&st.TotalRecords, &st.RecentRecords, &st.Occurrences)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("dedup stats: %w", err))
	}
	if st.Occurrences > 0 {
		st.DuplicateRate = float64(st.Occurrences-st.TotalRecords) / float64(st.Occurrences)
	}
	return st, nil
}

// PruneDedup deletes ledger rows last seen before cutoff.
func (s *Store) PruneDedup(ctx context.Context, cutoff time.Time) (int, error) {
	return s.pruneBefore(ctx, "pgstore.PruneDedup",
		`DELETE FROM dedup_ledger WHERE last_seen < $1`, cutoff)
}

// ActiveKeywords returns active rules, heaviest first.
func (s *Store) ActiveKeywords(ctx context.Context) ([]chat.KeywordRule, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveKeywords", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT keyword, category, weight, active
		 FROM keywords WHERE active ORDER BY weight DESC, keyword`,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query keywords: %w", err))
	}
	defer rows.Close()

	var out []chat.KeywordRule
	for rows.Next() {
		var k chat.KeywordRule
		if err := rows.Scan(&k.Keyword, &k.Category, &k.Weight, &k.Active); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan keyword: %w", err))
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate keywords: %w", err))
	}
	return out, nil
}

// SaveAlert appends a dispatched alert.
func (s *Store) SaveAlert(ctx context.Context, a *chat.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.SaveAlert", "INSERT")
	defer span.End()

	keywordsJSON, err := json.Marshal(a.TriggerKeywords)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal trigger keywords: %w", err))
	}
	contextJSON, err := json.Marshal(a.ContextMessageIDs)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal context ids: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (
			id, trigger_message_id, conversation_id, conversation_name, content,
			trigger_keywords, context_message_ids, urgency_score, pushed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.TriggerMessageID, a.ConversationID, a.ConversationName, a.Content,
		keywordsJSON, contextJSON, a.UrgencyScore, a.PushedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// UpsertDigest writes the digest, replacing any prior row for the same
// (date, conversation).
func (s *Store) UpsertDigest(ctx context.Context, d *chat.DailyDigest) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertDigest", "UPSERT")
	defer span.End()

	topicsJSON, err := json.Marshal(d.KeyTopics)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal key topics: %w", err))
	}
	eventsJSON, err := json.Marshal(d.ImportantEvents)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal important events: %w", err))
	}
	actionsJSON, err := json.Marshal(d.ActionItems)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal action items: %w", err))
	}
	sourcesJSON, err := json.Marshal(d.SourceMessageIDs)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal source ids: %w", err))
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO daily_digests (
			id, date, conversation_id, conversation_name, summary_content,
			key_topics, important_events, action_items,
			message_count, high_value_count, source_message_ids, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (date, conversation_id) DO UPDATE SET
			id                 = EXCLUDED.id,
			conversation_name  = EXCLUDED.conversation_name,
			summary_content    = EXCLUDED.summary_content,
			key_topics         = EXCLUDED.key_topics,
			important_events   = EXCLUDED.important_events,
			action_items       = EXCLUDED.action_items,
			message_count      = EXCLUDED.message_count,
			high_value_count   = EXCLUDED.high_value_count,
			source_message_ids = EXCLUDED.source_message_ids,
			created_at         = EXCLUDED.created_at`,
		d.ID, d.Date, d.ConversationID, d.ConversationName, d.Summary,
		topicsJSON, eventsJSON, actionsJSON,
		d.MessageCount, d.HighValueCount, sourcesJSON, createdAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert digest: %w", err))
	}
	return nil
}

// DigestsByDate returns all digests for one YYYY-MM-DD date.
func (s *Store) DigestsByDate(ctx context.Context, date string) ([]chat.DailyDigest, error) {
	ctx, span := startSpan(ctx, "pgstore.DigestsByDate", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, date, conversation_id, conversation_name, summary_content,
			key_topics, important_events, action_items,
			message_count, high_value_count, source_message_ids, created_at
		 FROM daily_digests WHERE date = $1 ORDER BY conversation_id`,
		date,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query digests: %w", err))
	}
	defer rows.Close()

	var out []chat.DailyDigest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate digests: %w", err))
	}
	return out, nil
}

// PruneMessages deletes messages older than cutoff.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int, error) {
	return s.pruneBefore(ctx, "pgstore.PruneMessages",
		`DELETE FROM messages WHERE ts < $1`, cutoff)
}

// PruneAlerts deletes alerts pushed before cutoff.
func (s *Store) PruneAlerts(ctx context.Context, cutoff time.Time) (int, error) {
	return s.pruneBefore(ctx, "pgstore.PruneAlerts",
		`DELETE FROM alerts WHERE pushed_at < $1`, cutoff)
}

// PruneDigests deletes digests created before cutoff.
func (s *Store) PruneDigests(ctx context.Context, cutoff time.Time) (int, error) {
	return s.pruneBefore(ctx, "pgstore.PruneDigests",
		`DELETE FROM daily_digests WHERE created_at < $1`, cutoff)
}

func (s *Store) pruneBefore(ctx context.Context, spanName, query string, cutoff time.Time) (int, error) {
	ctx, span := startSpan(ctx, spanName, "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("prune: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func scanDigest(row pgx.Row) (*chat.DailyDigest, error) {
	var (
		d           chat.DailyDigest
		topicsJSON  []byte
		eventsJSON  []byte
		actionsJSON []byte
		sourcesJSON []byte
	)
	err := row.Scan(
		&d.ID, &d.Date, &d.ConversationID, &d.ConversationName, &d.Summary,
		&topicsJSON, &eventsJSON, &actionsJSON,
		&d.MessageCount, &d.HighValueCount, &sourcesJSON, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan digest: %w", err)
	}

	if err := json.Unmarshal(topicsJSON, &d.KeyTopics); err != nil {
		return nil, fmt.Errorf("unmarshal key topics: %w", err)
	}
	if err := json.Unmarshal(eventsJSON, &d.ImportantEvents); err != nil {
		return nil, fmt.Errorf("unmarshal important events: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &d.ActionItems); err != nil {
		return nil, fmt.Errorf("unmarshal action items: %w", err)
	}
	if err := json.Unmarshal(sourcesJSON, &d.SourceMessageIDs); err != nil {
		return nil, fmt.Errorf("unmarshal source ids: %w", err)
	}
	return &d, nil
}
