package prefs

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "u1", "gpt-4o-mini"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got != "gpt-4o-mini" {
		t.Fatalf("got %q", got)
	}

	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "u1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	t.Parallel()

	s := NewStore(Config{Backend: "memory"}, nil)
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}

	s = NewStore(Config{Backend: ""}, nil)
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("unknown backend should fall back to memory, got %T", s)
	}

	s = NewStore(Config{Backend: "redis", Prefix: "x"}, nil)
	if _, ok := s.(*RedisStore); !ok {
		t.Fatalf("expected *RedisStore, got %T", s)
	}
}
