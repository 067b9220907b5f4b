package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

func TestRecentContext_SameDayOnly(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	asOf := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	save := func(id string, ts time.Time) {
		m := chat.NewMessage(chat.Message{
			ID: id, ConversationID: "c-1", Type: chat.TypeText,
			Content: id, Timestamp: ts,
		})
		if err := s.SaveMessage(ctx, &m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	save("yesterday", asOf.Add(-20*time.Hour)) // 18:00 the prior day
	save("morning", asOf.Add(-4*time.Hour))
	save("noon", asOf.Add(-2*time.Hour))
	save("future", asOf.Add(time.Hour)) // arrived after asOf

	got, err := NewReader(s, 10).RecentContext(ctx, "c-1", asOf)
	if err != nil {
		t.Fatalf("RecentContext: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[0].ID != "morning" || got[1].ID != "noon" {
		t.Errorf("order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
}

func TestRecentContext_KeepsNewestWhenOverLimit(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	asOf := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m := chat.NewMessage(chat.Message{
			ID: fmt.Sprintf("m-%d", i), ConversationID: "c-1", Type: chat.TypeText,
			Content: fmt.Sprintf("n%d", i), Timestamp: asOf.Add(time.Duration(i-5) * time.Minute),
		})
		if err := s.SaveMessage(ctx, &m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := NewReader(s, 3).RecentContext(ctx, "c-1", asOf)
	if err != nil {
		t.Fatalf("RecentContext: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	// The newest three survive, still oldest first.
	if got[0].ID != "m-2" || got[2].ID != "m-4" {
		t.Errorf("window = [%s .. %s], want m-2 .. m-4", got[0].ID, got[2].ID)
	}
}
