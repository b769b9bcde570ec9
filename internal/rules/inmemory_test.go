package rules

import (
	"context"
	"testing"
)

func TestInMemoryPutGetDeactivate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	r := Rule{ID: "r1", Type: TypeNever, Text: "no secrets", Category: "safety", Priority: 80, Active: true}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Type != TypeNever || got.Priority != 80 || !got.Active {
		t.Fatalf("unexpected rule state: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt should be stamped on Put")
	}

	if err := s.Deactivate(ctx, "r1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	got, err = s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() after deactivate error = %v", err)
	}
	if got.Active {
		t.Fatalf("Active = true, want false")
	}
}

func TestInMemoryGetMissing(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := SeedDefaults(ctx, s); err != nil {
		t.Fatalf("SeedDefaults() error = %v", err)
	}
	first, _ := s.List(ctx)
	if len(first) == 0 {
		t.Fatalf("expected seeded rules")
	}

	if err := SeedDefaults(ctx, s); err != nil {
		t.Fatalf("SeedDefaults() second call error = %v", err)
	}
	second, _ := s.List(ctx)
	if len(second) != len(first) {
		t.Fatalf("rule count = %d after reseed, want %d", len(second), len(first))
	}
}

func TestRuleValid(t *testing.T) {
	ok := Rule{Type: TypeAlways, Text: "be kind", Priority: 50}
	if !ok.Valid() {
		t.Fatalf("Valid() = false for well-formed rule")
	}
	if (Rule{Type: "SOMETIMES", Text: "x", Priority: 10}).Valid() {
		t.Fatalf("Valid() = true for unknown type")
	}
	if (Rule{Type: TypeNever, Text: "x", Priority: 101}).Valid() {
		t.Fatalf("Valid() = true for out-of-range priority")
	}
}
