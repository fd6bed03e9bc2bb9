package blacklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newManager() *Manager {
	return NewManager(cache.NewMemoryCache(1000))
}

func TestAddAndCheck(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	entry := &domain.BlacklistEntry{
		Type:    domain.BlacklistIP,
		Value:   "203.0.113.7",
		Reason:  "chargeback fraud",
		AddedBy: "analyst-1",
		TTL:     7 * 24 * time.Hour,
	}

	if err := m.Add(ctx, entry); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := m.Check(ctx, domain.BlacklistIP, "203.0.113.7")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry to be found immediately after add")
	}
	if got.Reason != "chargeback fraud" {
		t.Errorf("expected reason to round-trip, got %q", got.Reason)
	}
	if got.AddedBy != "analyst-1" {
		t.Errorf("expected addedBy to round-trip, got %q", got.AddedBy)
	}
}

func TestCheckMiss(t *testing.T) {
	m := newManager()

	got, err := m.Check(context.Background(), domain.BlacklistIP, "198.51.100.1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown value")
	}
}

func TestRemove(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	entry := &domain.BlacklistEntry{
		Type:  domain.BlacklistCardBIN,
		Value: "411111",
		TTL:   7 * 24 * time.Hour,
	}
	m.Add(ctx, entry)

	if err := m.Remove(ctx, domain.BlacklistCardBIN, "411111"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	got, _ := m.Check(ctx, domain.BlacklistCardBIN, "411111")
	if got != nil {
		t.Error("expected entry to be absent after remove")
	}
}

func TestReAddIsIdempotent(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	first := &domain.BlacklistEntry{Type: domain.BlacklistUserID, Value: "u-42", Reason: "first"}
	second := &domain.BlacklistEntry{Type: domain.BlacklistUserID, Value: "u-42", Reason: "second"}

	m.Add(ctx, first)
	m.Add(ctx, second)

	entries, err := m.List(ctx, domain.BlacklistUserID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after re-add, got %d", len(entries))
	}
	if entries[0].Reason != "second" {
		t.Errorf("re-add should refresh the entry, got reason %q", entries[0].Reason)
	}
}

func TestListFiltersByType(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	m.Add(ctx, &domain.BlacklistEntry{Type: domain.BlacklistIP, Value: "203.0.113.1"})
	m.Add(ctx, &domain.BlacklistEntry{Type: domain.BlacklistIP, Value: "203.0.113.2"})
	m.Add(ctx, &domain.BlacklistEntry{Type: domain.BlacklistEmailDomain, Value: "mailinator.com"})

	ips, _ := m.List(ctx, domain.BlacklistIP)
	if len(ips) != 2 {
		t.Errorf("expected 2 ip entries, got %d", len(ips))
	}

	all, _ := m.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 entries overall, got %d", len(all))
	}
}

func TestInvalidInput(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	err := m.Add(ctx, &domain.BlacklistEntry{Type: domain.BlacklistIP, Value: ""})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty value, got: %v", err)
	}

	err = m.Add(ctx, &domain.BlacklistEntry{Type: "phone", Value: "555"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown type, got: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	m.Add(ctx, &domain.BlacklistEntry{
		Type:  domain.BlacklistIP,
		Value: "203.0.113.9",
		TTL:   10 * time.Millisecond,
	})

	time.Sleep(20 * time.Millisecond)

	got, _ := m.Check(ctx, domain.BlacklistIP, "203.0.113.9")
	if got != nil {
		t.Error("expected entry to expire after TTL")
	}
}
