package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestRunInbox(t *testing.T) {
	ctx := context.Background()
	b := newRunInbox()
	if err := b.Steer(ctx, "k", "r1", "early"); !errors.Is(err, errRunClosed) {
		t.Fatalf("steer before open = %v", err)
	}

	b.open("k", "r1")
	if err := b.Steer(ctx, "other", "r1", "x"); !errors.Is(err, errRunClosed) {
		t.Fatalf("steer with another key = %v", err)
	}
	for _, p := range []string{"a", "b"} {
		if err := b.Steer(ctx, "k", "r1", p); err != nil {
			t.Fatalf("Steer(%q) error = %v", p, err)
		}
	}
	if got := b.next("r1"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("next = %v", got)
	}
	if got := b.next("r1"); got != nil {
		t.Fatalf("second next = %v", got)
	}
	if err := b.Steer(ctx, "k", "r1", "late"); !errors.Is(err, errRunClosed) {
		t.Fatalf("steer after the run drained its input = %v", err)
	}
	if left := b.close("r1"); len(left) != 0 {
		t.Fatalf("close after drain = %v", left)
	}

	b.open("k", "r2")
	if err := b.Steer(ctx, "k", "r2", "unanswered"); err != nil {
		t.Fatal(err)
	}
	if left := b.close("r2"); len(left) != 1 || left[0] != "unanswered" {
		t.Fatalf("close = %v", left)
	}
	if err := b.Steer(ctx, "k", "r2", "again"); !errors.Is(err, errRunClosed) {
		t.Fatalf("steer after close = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	b.open("k", "r3")
	if err := b.Steer(cancelled, "k", "r3", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("steer with cancelled context = %v", err)
	}
}
