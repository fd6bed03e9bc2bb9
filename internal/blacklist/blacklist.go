// Package blacklist manages the typed deny-list backed by the cache store.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Manager provides CRUD over typed deny-list entries. Entries live in the
// cache store under bl:<type>:<value>, so checks are a single O(1) lookup
// and expiry is delegated to the store's TTL.
type Manager struct {
	cache domain.Cache

	// DefaultTTL applies when an entry is added without an explicit TTL.
	DefaultTTL time.Duration
}

// NewManager creates a blacklist manager on top of a cache store.
func NewManager(cache domain.Cache) *Manager {
	return &Manager{
		cache:      cache,
		DefaultTTL: 30 * 24 * time.Hour,
	}
}

// Add inserts or refreshes a deny-list entry. Adding an existing
// (type, value) pair refreshes its TTL rather than duplicating.
func (m *Manager) Add(ctx context.Context, entry *domain.BlacklistEntry) error {
	if entry.Value == "" {
		return fmt.Errorf("%w: blacklist value is required", domain.ErrInvalidInput)
	}
	if !validType(entry.Type) {
		return fmt.Errorf("%w: unknown blacklist type %q", domain.ErrInvalidInput, entry.Type)
	}

	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	ttl := entry.TTL
	if ttl == 0 {
		ttl = m.DefaultTTL
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	if err := m.cache.Set(ctx, m.key(entry.Type, entry.Value), data, ttl); err != nil {
		return fmt.Errorf("failed to store blacklist entry: %w", err)
	}

	slog.Info("blacklist entry added",
		"type", entry.Type,
		"value", entry.Value,
		"reason", entry.Reason,
		"added_by", entry.AddedBy,
		"ttl", ttl.String(),
	)
	return nil
}

// Check reports whether a (type, value) pair is actively deny-listed and
// returns the entry when present.
func (m *Manager) Check(ctx context.Context, typ domain.BlacklistType, value string) (*domain.BlacklistEntry, error) {
	if value == "" {
		return nil, nil
	}

	data, err := m.cache.Get(ctx, m.key(typ, value))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var entry domain.BlacklistEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt blacklist entry for %s:%s: %w", typ, value, err)
	}
	return &entry, nil
}

// Remove deletes a deny-list entry.
func (m *Manager) Remove(ctx context.Context, typ domain.BlacklistType, value string) error {
	if value == "" {
		return fmt.Errorf("%w: blacklist value is required", domain.ErrInvalidInput)
	}
	return m.cache.Delete(ctx, m.key(typ, value))
}

// List returns active entries, optionally filtered by type. Empty type
// lists everything.
func (m *Manager) List(ctx context.Context, typ domain.BlacklistType) ([]*domain.BlacklistEntry, error) {
	pattern := "bl:*"
	if typ != "" {
		pattern = "bl:" + string(typ) + ":*"
	}

	keys, err := m.cache.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.BlacklistEntry, 0, len(keys))
	for _, key := range keys {
		data, err := m.cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue // expired between scan and read
		}

		var entry domain.BlacklistEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			slog.Warn("skipping corrupt blacklist entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Clear removes every entry of a type.
func (m *Manager) Clear(ctx context.Context, typ domain.BlacklistType) (int64, error) {
	return m.cache.DeletePattern(ctx, "bl:"+string(typ)+":*")
}

func (m *Manager) key(typ domain.BlacklistType, value string) string {
	return "bl:" + string(typ) + ":" + value
}

func validType(t domain.BlacklistType) bool {
	switch t {
	case domain.BlacklistIP, domain.BlacklistEmailDomain, domain.BlacklistCardBIN, domain.BlacklistUserID:
		return true
	}
	return false
}
