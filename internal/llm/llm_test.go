package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(tries uint) Policy {
	return Policy{MaxTries: tries, BaseDelay: time.Millisecond, Multiplier: 1.0}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "recovered" || calls != 3 {
		t.Errorf("got %q after %d calls, want recovered after 3", got, calls)
	}
}

func TestDo_ExhaustsTries(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), func() (string, error) {
		calls++
		return "", errors.New("still down")
	})
	if err == nil {
		t.Fatal("Do = nil error, want failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func() (string, error) {
		calls++
		return "", Permanent(errors.New("malformed payload"))
	})
	if err == nil {
		t.Fatal("Do = nil error, want failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent errors)", calls)
	}
}

func TestDo_SingleTryBypassesBackoff(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), Policy{MaxTries: 1}, func() (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d, want one failing call", err, calls)
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"fenced", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced with language", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"unclosed fence", "```json\n{\"a\":1}", `{"a":1}`},
		{"unclosed fence multiline", "```json\n{\"a\":1,\n\"b\":2}", "{\"a\":1,\n\"b\":2}"},
		{"surrounding whitespace", "  {\"a\":1}  ", `{"a":1}`},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDo_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, fastPolicy(5), func() (string, error) {
		calls++
		return "", errors.New("transient")
	})
	if err == nil {
		t.Fatal("Do = nil error, want cancellation")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1 after cancel", calls)
	}
}
