package catalog

import (
	"context"

	"github.com/cartkit/cartkit/internal/domain"
)

// StaticProvider serves products from a fixed in-memory set. Useful for
// tests and local development without a catalog database.
type StaticProvider struct {
	registry TypeRegistry
	products map[string]Product // keyed by typeName + "/" + id
}

func NewStaticProvider(registry TypeRegistry, products ...Product) *StaticProvider {
	p := &StaticProvider{
		registry: registry,
		products: make(map[string]Product, len(products)),
	}
	for _, product := range products {
		p.products[product.TypeName+"/"+product.ID] = product
	}
	return p
}

func (p *StaticProvider) GetProduct(_ context.Context, ref domain.ProductRef) (*Product, error) {
	typeName := p.registry.Resolve(ref.TypeName)
	product, ok := p.products[typeName+"/"+ref.ProductID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &product, nil
}
