// Package ingest accepts incoming chat messages, persists them, filters
// duplicates and hands survivors to the escalation pipeline.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/dedup"
	"github.com/linnemanlabs/sift/internal/store"
)

// Escalator runs the urgency pipeline for one stored message.
type Escalator interface {
	Escalate(ctx context.Context, msg *chat.Message) error
}

// Service is the ingest entry point. Persistence and dedup run on the
// caller's context; escalation runs in the background so a hung classifier
// never blocks message intake.
type Service struct {
	store    store.Store
	deduper  *dedup.Deduper
	escalate Escalator
	logger   log.Logger

	wg sync.WaitGroup
}

// New builds a Service. A nil logger discards output.
func New(s store.Store, d *dedup.Deduper, e Escalator, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: s, deduper: d, escalate: e, logger: logger}
}

// Process stores m and, unless it is a duplicate, schedules escalation.
// The returned message carries the computed fingerprint; the bool reports
// whether it was suppressed as a duplicate.
func (s *Service) Process(ctx context.Context, m chat.Message) (*chat.Message, bool, error) {
	msg := chat.NewMessage(m)

	if err := s.store.SaveMessage(ctx, &msg); err != nil {
		return nil, false, fmt.Errorf("save message: %w", err)
	}

	if s.deduper.IsDuplicate(ctx, &msg) {
		return &msg, true, nil
	}

	// Escalation survives the request context; only process shutdown
	// cancels it.
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.escalate.Escalate(bg, &msg); err != nil {
			s.logger.Error(bg, err, "escalation failed",
				"message_id", msg.ID,
				"conversation_id", msg.ConversationID,
			)
		}
	}()

	return &msg, false, nil
}

// Drain blocks until all in-flight escalations finish.
func (s *Service) Drain() {
	s.wg.Wait()
}
