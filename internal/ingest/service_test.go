package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/dedup"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

var base = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

type recordingEscalator struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingEscalator) Escalate(_ context.Context, msg *chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg.ID)
	return nil
}

func (r *recordingEscalator) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newService(s *memstore.Store) (*Service, *recordingEscalator) {
	esc := &recordingEscalator{}
	d := dedup.New(s, 24*time.Hour, 7*24*time.Hour, nil)
	return New(s, d, esc, nil), esc
}

func inbound(id, content string) chat.Message {
	return chat.Message{
		ID: id, ConversationID: "c-1", ConversationName: "ops room",
		SenderID: "u-1", SenderName: "alice", Type: chat.TypeText,
		Content: content, Timestamp: base,
	}
}

func TestProcess_StoresAndEscalates(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	svc, esc := newService(s)
	ctx := context.Background()

	msg, dup, err := svc.Process(ctx, inbound("m-1", "server down"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	svc.Drain()

	if dup {
		t.Error("fresh message reported as duplicate")
	}
	if msg.Fingerprint == "" {
		t.Error("fingerprint not computed")
	}
	got, err := s.MessagesByTimeRange(ctx, "c-1", base.Add(-time.Minute), base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("MessagesByTimeRange: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("stored messages = %d, want 1", len(got))
	}
	if ids := esc.ids(); len(ids) != 1 || ids[0] != "m-1" {
		t.Errorf("escalated = %v, want [m-1]", ids)
	}
}

func TestProcess_DuplicateStoredButNotEscalated(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	svc, esc := newService(s)
	ctx := context.Background()

	if _, dup, err := svc.Process(ctx, inbound("m-1", "lunch at noon")); err != nil || dup {
		t.Fatalf("Process: dup=%v err=%v", dup, err)
	}
	_, dup, err := svc.Process(ctx, inbound("m-2", "lunch at noon"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !dup {
		t.Error("repeat content not reported as duplicate")
	}
	svc.Drain()

	// Both copies are persisted; only the first reaches escalation.
	got, _ := s.MessagesByTimeRange(ctx, "c-1", base.Add(-time.Minute), base.Add(time.Minute), 0)
	if len(got) != 2 {
		t.Errorf("stored messages = %d, want 2", len(got))
	}
	if ids := esc.ids(); len(ids) != 1 || ids[0] != "m-1" {
		t.Errorf("escalated = %v, want [m-1]", ids)
	}
}

func TestProcess_EscalationOutlivesRequestContext(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	esc := &contextCheckingEscalator{}
	d := dedup.New(s, 24*time.Hour, 7*24*time.Hour, nil)
	svc := New(s, d, esc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if _, _, err := svc.Process(ctx, inbound("m-1", "urgent thing")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	cancel()
	svc.Drain()

	if !esc.ran {
		t.Fatal("escalation did not run")
	}
	if esc.cancelled {
		t.Error("escalation context was cancelled by the request context")
	}
}

type contextCheckingEscalator struct {
	mu        sync.Mutex
	ran       bool
	cancelled bool
}

func (c *contextCheckingEscalator) Escalate(ctx context.Context, _ *chat.Message) error {
	// Give the caller time to cancel the request context.
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ran = true
	c.cancelled = ctx.Err() != nil
	return nil
}
