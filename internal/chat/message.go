package chat

import (
	"crypto/md5" //nolint:gosec // fingerprint is a dedup key, not a security boundary
	"encoding/hex"
	"strings"
	"time"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVoice MessageType = "voice"
	TypeEmoji MessageType = "emoji"
	TypeVideo MessageType = "video"
	TypeCard  MessageType = "card"
)

// extractionFailureSentinels are placeholder strings the upstream extractor
// writes into ExtractedText when OCR or transcription fails. They carry no
// content and are excluded from fingerprints and prompts.
var extractionFailureSentinels = map[string]struct{}{
	"[ocr failed]":           {},
	"[transcription failed]": {},
	"[image error]":          {},
	"[voice error]":          {},
}

// IsExtractionFailure reports whether s is a known extraction failure sentinel.
func IsExtractionFailure(s string) bool {
	_, ok := extractionFailureSentinels[s]
	return ok
}

// Message is one normalized chat message as delivered by the ingest
// collaborator. The fingerprint is computed once at construction; all fields
// except Important and ValueScore are immutable afterwards.
type Message struct {
	ID               string      `json:"message_id"`
	ConversationID   string      `json:"conversation_id"`
	ConversationName string      `json:"conversation_name"`
	SenderID         string      `json:"sender_id"`
	SenderName       string      `json:"sender_name"`
	Type             MessageType `json:"type"`
	Content          string      `json:"content"`
	ExtractedText    string      `json:"extracted_text,omitempty"`
	Fingerprint      string      `json:"fingerprint"`
	Timestamp        time.Time   `json:"timestamp"`
	Important        bool        `json:"important,omitempty"`
	ValueScore       int         `json:"value_score,omitempty"`
}

// NewMessage fills in the fingerprint and returns the completed message.
func NewMessage(m Message) Message {
	if m.Fingerprint == "" {
		m.Fingerprint = ComputeFingerprint(m.Content, m.ExtractedText)
	}
	return m
}

// NormalizedContent joins the primary content with the extracted text,
// dropping empty values and extraction failure sentinels.
func NormalizedContent(content, extracted string) string {
	parts := []string{content}
	if extracted != "" && !IsExtractionFailure(extracted) {
		parts = append(parts, extracted)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ComputeFingerprint returns the deterministic content digest used for
// deduplication: hex md5 of the normalized content. Any reader of the same
// fields must arrive at the same digest.
func ComputeFingerprint(content, extracted string) string {
	sum := md5.Sum([]byte(NormalizedContent(content, extracted))) //nolint:gosec // see package note
	return hex.EncodeToString(sum[:])
}

// MatchableText is the string the keyword matcher scans: primary content
// plus extracted text, unfiltered. Media placeholders live in Content so a
// rule can match on the type tag itself.
func (m *Message) MatchableText() string {
	return m.Content + m.ExtractedText
}

// UsableExtractedText returns the extracted text unless it is empty or a
// failure sentinel.
func (m *Message) UsableExtractedText() string {
	if m.ExtractedText == "" || IsExtractionFailure(m.ExtractedText) {
		return ""
	}
	return m.ExtractedText
}
