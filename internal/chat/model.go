package chat

import "time"

// KeywordRule is one configured trigger keyword. Rules are read-mostly and
// served from a cache that tolerates a bounded staleness window.
type KeywordRule struct {
	Keyword  string  `json:"keyword"`
	Category string  `json:"category"` // urgent, work, personal
	Weight   float64 `json:"weight"`
	Active   bool    `json:"active"`
}

// PushType says how much of the conversation an escalation should carry.
type PushType string

const (
	PushSingle  PushType = "single"
	PushContext PushType = "context"
	PushNone    PushType = "none"
)

// UrgencyAnalysis is the classifier's verdict for one escalation attempt.
// It is never persisted on its own, only embedded in an Alert.
type UrgencyAnalysis struct {
	Urgent         bool     `json:"is_urgent"`
	Score          int      `json:"urgency_score"` // 1..10
	PushType       PushType `json:"push_type"`
	PushMessageIDs []string `json:"push_message_ids"`
	Summary        string   `json:"summary"`
	KeyFactors     []string `json:"key_factors"`
}

// Alert is one dispatched push, recorded only after the outbound send
// reported success. Append-only.
type Alert struct {
	ID                string    `json:"id"`
	TriggerMessageID  string    `json:"trigger_message_id"`
	ConversationID    string    `json:"conversation_id"`
	ConversationName  string    `json:"conversation_name"`
	Content           string    `json:"content"`
	TriggerKeywords   []string  `json:"trigger_keywords"`
	ContextMessageIDs []string  `json:"context_message_ids"`
	UrgencyScore      int       `json:"urgency_score"`
	PushedAt          time.Time `json:"pushed_at"`
}

// DailyDigest is the per-conversation, per-day rollup. Exactly one row per
// (Date, ConversationID); regenerating a date overwrites the prior digest.
type DailyDigest struct {
	ID               string    `json:"id"`
	Date             string    `json:"date"` // YYYY-MM-DD
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	Summary          string    `json:"summary_content"`
	KeyTopics        []string  `json:"key_topics"`
	ImportantEvents  []string  `json:"important_events"`
	ActionItems      []string  `json:"action_items"`
	MessageCount     int       `json:"message_count"`
	HighValueCount   int       `json:"high_value_count"`
	SourceMessageIDs []string  `json:"source_message_ids"`
	CreatedAt        time.Time `json:"created_at"`
}

// DedupRecord is one row of the fingerprint ledger.
type DedupRecord struct {
	Fingerprint    string    `json:"fingerprint"`
	FirstMessageID string    `json:"first_message_id"`
	Occurrences    int       `json:"occurrence_count"`
	LastSeen       time.Time `json:"last_seen"`
}

// Conversation is the per-chat summary row maintained alongside messages.
// TotalMessages advances via atomic increment-on-upsert in the store.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	Name          string    `json:"conversation_name"`
	LastMessageAt time.Time `json:"last_message_at"`
	TotalMessages int       `json:"total_messages"`
}
