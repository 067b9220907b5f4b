package msgapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store"
)

// MessageService defines the ingest operation msgapi needs. The bool
// reports whether the message was suppressed as a duplicate.
type MessageService interface {
	Process(ctx context.Context, m chat.Message) (*chat.Message, bool, error)
}

// DigestReader serves stored daily digests.
type DigestReader interface {
	DigestsByDate(ctx context.Context, date string) ([]chat.DailyDigest, error)
}

// DedupReporter serves fingerprint ledger statistics.
type DedupReporter interface {
	Stats(ctx context.Context) (*store.DedupStats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     MessageService
	digests DigestReader
	dedup   DedupReporter
}

// New creates a new API handler.
func New(logger log.Logger, svc MessageService, digests DigestReader, dedup DedupReporter) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("message service is required"))
	}
	if digests == nil {
		panic(xerrors.New("digest reader is required"))
	}
	if dedup == nil {
		panic(xerrors.New("dedup reporter is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		digests: digests,
		dedup:   dedup,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", a.handleIngestMessage)
		r.Get("/digests", a.handleGetDigests)
		r.Get("/dedup/stats", a.handleDedupStats)
	})
}

// errMissingIDs rejects messages that cannot be stored or deduplicated.
var errMissingIDs = errors.New("message_id and conversation_id are required")

// normalize fills defaults and rejects messages without identifiers.
func normalize(msg *chat.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errMissingIDs
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == "" {
		msg.Type = chat.TypeText
	}
	return nil
}

// handleIngestMessage accepts one message as a JSON object or a batch as a
// JSON array. Both answer 202; the batch form reports per-message status.
func (a *API) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		a.ingestBatch(w, r, raw)
		return
	}

	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := normalize(&msg); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sift.message.id", msg.ID),
		attribute.String("sift.conversation.id", msg.ConversationID),
	)

	stored, dup, err := a.svc.Process(r.Context(), msg)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to ingest message", "message_id", msg.ID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	status := "accepted"
	if dup {
		status = "duplicate"
	}
	span.SetAttributes(attribute.String("sift.ingest.status", status))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"message": stored,
	})
}

func (a *API) ingestBatch(w http.ResponseWriter, r *http.Request, raw []byte) {
	var msgs []chat.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	type failure struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	accepted := make([]string, 0, len(msgs))
	duplicates := []string{}
	failed := []failure{}
	for i := range msgs {
		msg := msgs[i]
		if err := normalize(&msg); err != nil {
			failed = append(failed, failure{MessageID: msg.ID, Error: err.Error()})
			continue
		}
		_, dup, err := a.svc.Process(r.Context(), msg)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to ingest message", "message_id", msg.ID)
			failed = append(failed, failure{MessageID: msg.ID, Error: "internal error"})
			continue
		}
		if dup {
			duplicates = append(duplicates, msg.ID)
			continue
		}
		accepted = append(accepted, msg.ID)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("sift.batch.accepted", len(accepted)),
		attribute.Int("sift.batch.duplicates", len(duplicates)),
		attribute.Int("sift.batch.failed", len(failed)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":   accepted,
		"duplicates": duplicates,
		"failed":     failed,
	})
}

func (a *API) handleGetDigests(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, `{"error":"date must be YYYY-MM-DD"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.digest.date", date))

	digests, err := a.digests.DigestsByDate(r.Context(), date)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list digests", "date", date)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if digests == nil {
		digests = []chat.DailyDigest{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"date":    date,
		"count":   len(digests),
		"digests": digests,
	})
}

func (a *API) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.dedup.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read dedup stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
