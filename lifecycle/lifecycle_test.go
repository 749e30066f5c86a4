package lifecycle

import (
	"context"
	"errors"
	"testing"
)

func TestCleanup_ReverseOrder(t *testing.T) {
	c := NewCoordinator(nil)

	var order []string
	for _, label := range []string{"metadata-device", "data-device", "pool", "volume"} {
		label := label
		c.Push(label, func(ctx context.Context) error {
			order = append(order, label)
			return nil
		})
	}

	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	want := []string{"volume", "pool", "data-device", "metadata-device"}
	if len(order) != len(want) {
		t.Fatalf("ran %d steps, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestCleanup_ContinuesPastFailures(t *testing.T) {
	c := NewCoordinator(nil)

	first := errors.New("first failed")
	ran := false
	c.Push("outer", func(ctx context.Context) error {
		ran = true
		return nil
	})
	c.Push("inner", func(ctx context.Context) error { return first })

	err := c.Cleanup(context.Background())
	if !errors.Is(err, first) {
		t.Errorf("joined error missing step failure: %v", err)
	}
	if !ran {
		t.Error("later step skipped after earlier failure")
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	c := NewCoordinator(nil)

	runs := 0
	c.Push("step", func(ctx context.Context) error {
		runs++
		return errors.New("always fails")
	})

	if err := c.Cleanup(context.Background()); err == nil {
		t.Fatal("expected joined error")
	}
	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup must be a no-op, got: %v", err)
	}
	if runs != 1 {
		t.Errorf("step ran %d times, want 1", runs)
	}
}

func TestPush_AfterCleanupPanics(t *testing.T) {
	c := NewCoordinator(nil)
	c.Cleanup(context.Background())

	defer func() {
		if recover() == nil {
			t.Error("Push after Cleanup did not panic")
		}
	}()
	c.Push("late", func(ctx context.Context) error { return nil })
}
