package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/cartkit/cartkit/internal/domain"
)

var ErrProductNotFound = errors.New("product not found")

// Product is the read-only snapshot the cart core captures at add-time.
type Product struct {
	ID           string
	DisplayName  string
	Price        decimal.Decimal
	TypeName     string
	HasImage     bool
	ThumbnailURL string
	ImageURL     string
	// Extra holds additional product fields addressable by the
	// extra-attribute allow-list when lines are created.
	Extra map[string]any
}

// Provider dereferences product references. The cart core never mutates
// products through it.
type Provider interface {
	GetProduct(ctx context.Context, ref domain.ProductRef) (*Product, error)
}

// TypeRegistry maps short type names to concrete type names. A missing
// entry resolves to the name itself, so a nil registry is the identity
// mapping.
type TypeRegistry map[string]string

func (r TypeRegistry) Resolve(typeName string) string {
	if r == nil {
		return typeName
	}
	if concrete, ok := r[typeName]; ok {
		return concrete
	}
	return typeName
}
