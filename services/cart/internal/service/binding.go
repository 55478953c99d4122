package service

import (
	"context"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
)

type storeKey struct{}

// NewContext returns a copy of ctx that provides store to consumers.
func NewContext(ctx context.Context, store *CartStore) context.Context {
	return context.WithValue(ctx, storeKey{}, store)
}

// FromContext returns the store provided by ctx. Calling it outside of a
// provider scope is a usage error.
func FromContext(ctx context.Context) (*CartStore, error) {
	if store, ok := ctx.Value(storeKey{}).(*CartStore); ok && store != nil {
		return store, nil
	}
	return nil, apperrors.Usage("cart accessed outside of its provider")
}
