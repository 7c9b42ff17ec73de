package repository

import (
	"context"
	"errors"

	"github.com/cartkit/cartkit/internal/domain"
)

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrBindingNotFound = errors.New("binding not found")
)

// BindingKind distinguishes the two identity namespaces a cart can be
// bound under.
type BindingKind string

const (
	BindingSession BindingKind = "session"
	BindingUser    BindingKind = "user"
)

// CartRepository defines cart record operations. Consumers define this
// interface, not the storage implementations.
type CartRepository interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	// GetCartBySession finds a cart record whose session field names the
	// given key, regardless of bindings. Used to repair a half-applied
	// materialization (record written, binding write lost).
	GetCartBySession(ctx context.Context, sessionKey string) (*domain.Cart, error)
	UpsertCart(ctx context.Context, cart *domain.Cart) error
	DeleteCart(ctx context.Context, cartID string) error
}

// BindingRepository stores identity → cart associations.
type BindingRepository interface {
	GetBinding(ctx context.Context, kind BindingKind, key string) (string, error)
	PutBinding(ctx context.Context, kind BindingKind, key, cartID string) error
	DeleteBinding(ctx context.Context, kind BindingKind, key string) error
}

// RecordStore is the full persistence surface the cart core consumes.
type RecordStore interface {
	CartRepository
	BindingRepository
}
