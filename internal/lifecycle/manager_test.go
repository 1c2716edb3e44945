package lifecycle

import (
	"context"
	"errors"
	"testing"
)

func TestStartOrderIsRegistrationOrder(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	var order []string

	record := func(name string) StartFunc {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	if err := m.Register("a", record("a"), nil); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register("b", record("b"), nil); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.Register("c", record("c"), nil); err != nil {
		t.Fatalf("register c: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	noop := func(context.Context) error { return nil }

	if err := m.Register("dup", noop, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("dup", noop, nil); err == nil {
		t.Fatal("expected error registering a duplicate node name")
	}
}

func TestShutdownIsExactReverseOfStart(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	var started, stopped []string

	register := func(name string) {
		err := m.Register(name,
			func(ctx context.Context) error {
				started = append(started, name)
				return nil
			},
			func(ctx context.Context) error {
				stopped = append(stopped, name)
				return nil
			},
		)
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	register("first")
	register("second")

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if len(stopped) != len(started) {
		t.Fatalf("stopped %v does not mirror started %v", stopped, started)
	}
	for i := range started {
		if started[i] != stopped[len(stopped)-1-i] {
			t.Fatalf("shutdown order %v is not the exact reverse of start order %v", stopped, started)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	stops := 0
	if err := m.Register("once", func(context.Context) error { return nil }, func(context.Context) error {
		stops++
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if stops != 1 {
		t.Fatalf("stop ran %d times, want 1", stops)
	}
}

func TestStartAllAggregatesFailures(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	boom := errors.New("boom")

	if err := m.Register("failing", func(ctx context.Context) error {
		return boom
	}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := m.StartAll()
	if err == nil {
		t.Fatal("expected StartAll to report the failing node's error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap boom, got: %v", err)
	}
}

func TestNodeContextCancelledOnShutdown(t *testing.T) {
	t.Parallel()

	m := New(context.Background())
	var nodeCtx context.Context

	if err := m.Register("node", func(ctx context.Context) error {
		nodeCtx = ctx
		return nil
	}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := nodeCtx.Err(); err != nil {
		t.Fatalf("node context should be live before shutdown, got: %v", err)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if nodeCtx.Err() == nil {
		t.Fatal("expected node context to be cancelled after shutdown")
	}
}
