package buffer

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	ctx := context.Background()

	b, err := NewSQLite("rq", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Set(ctx, "autosave", []byte(`[{"message":{"type":"AS"}}]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = NewSQLite("rq", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		_ = b.Close()
	}()

	val, err := b.Get(ctx, "autosave")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != `[{"message":{"type":"AS"}}]` {
		t.Fatalf("unexpected value after reopen: %q", val)
	}
}

func TestSQLiteMissingAndOverwrite(t *testing.T) {
	b, err := NewSQLite("rq", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		_ = b.Close()
	}()

	ctx := context.Background()
	val, err := b.Get(ctx, "nope")
	if err != nil || val != nil {
		t.Fatalf("expected (nil, nil) for missing key, got (%q, %v)", val, err)
	}

	if err := b.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, err = b.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "two" {
		t.Fatalf("expected two, got %q", val)
	}

	if err := b.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestMemorySetErr(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.SetErr(context.DeadlineExceeded)
	if err := m.Set(ctx, "k", []byte("v")); err == nil {
		t.Fatal("expected injected error")
	}
	m.SetErr(nil)
	if err := m.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, _ := m.Get(ctx, "k")
	if string(val) != "v" {
		t.Fatalf("expected v, got %q", val)
	}
}
