package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
	"github.com/utafrali/gomarketplace/services/cart/internal/domain"
)

// SnapshotKey is the single key under which the cart is persisted.
const SnapshotKey = "@GoMarketplace:Products"

// KeyValueStore is a durable string-keyed store.
type KeyValueStore interface {
	// Get returns the value stored under key. A missing key yields an error
	// matching apperrors.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Pinger is implemented by stores that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SnapshotStore reads and writes the full cart snapshot.
type SnapshotStore interface {
	// LoadSnapshot returns the persisted items. An absent snapshot yields an
	// empty slice and no error.
	LoadSnapshot(ctx context.Context) ([]domain.CartItem, error)

	// SaveSnapshot replaces the persisted items.
	SaveSnapshot(ctx context.Context, items []domain.CartItem) error
}

// ErrMalformedSnapshot marks stored data that is not a valid item sequence.
var ErrMalformedSnapshot = errors.New("malformed cart snapshot")

// SnapshotRepository encodes the cart as a JSON array under SnapshotKey.
type SnapshotRepository struct {
	kv KeyValueStore
}

var _ SnapshotStore = (*SnapshotRepository)(nil)

// NewSnapshotRepository creates a snapshot repository on top of kv.
func NewSnapshotRepository(kv KeyValueStore) *SnapshotRepository {
	return &SnapshotRepository{kv: kv}
}

// LoadSnapshot reads and decodes the snapshot. Data that does not decode or
// that violates the cart invariants returns an error wrapping
// ErrMalformedSnapshot.
func (r *SnapshotRepository) LoadSnapshot(ctx context.Context) ([]domain.CartItem, error) {
	raw, err := r.kv.Get(ctx, SnapshotKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return []domain.CartItem{}, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	items, err := DecodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SaveSnapshot encodes items and writes them under SnapshotKey.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, items []domain.CartItem) error {
	raw, err := EncodeSnapshot(items)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, SnapshotKey, raw); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Ping delegates to the underlying store when it supports it.
func (r *SnapshotRepository) Ping(ctx context.Context) error {
	if p, ok := r.kv.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// EncodeSnapshot serializes items as a JSON array. A nil slice encodes as [].
func EncodeSnapshot(items []domain.CartItem) (string, error) {
	if items == nil {
		items = []domain.CartItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(data), nil
}

// DecodeSnapshot parses a JSON array of items and checks the cart invariants.
// An empty document or JSON null decodes to an empty cart.
func DecodeSnapshot(raw string) ([]domain.CartItem, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []domain.CartItem{}, nil
	}

	var items []domain.CartItem
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	if err := domain.Validate(items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	if items == nil {
		items = []domain.CartItem{}
	}
	return items, nil
}
