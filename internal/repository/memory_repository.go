package repository

import (
	"context"
	"sync"
	"time"

	"github.com/cartkit/cartkit/internal/domain"
)

// MemoryStore implements RecordStore with in-memory maps. It backs tests
// and local development; production deployments use the mongo or postgres
// stores.
type MemoryStore struct {
	mu       sync.RWMutex
	carts    map[string]*domain.Cart // cartID -> cart
	bindings map[string]string       // kind ":" key -> cartID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts:    make(map[string]*domain.Cart),
		bindings: make(map[string]string),
	}
}

func bindingKey(kind BindingKind, key string) string {
	return string(kind) + ":" + key
}

func (s *MemoryStore) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, exists := s.carts[cartID]
	if !exists {
		return nil, ErrCartNotFound
	}
	return cloneCart(cart), nil
}

func (s *MemoryStore) GetCartBySession(_ context.Context, sessionKey string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cart := range s.carts {
		if cart.SessionKey == sessionKey {
			return cloneCart(cart), nil
		}
	}
	return nil, ErrCartNotFound
}

func (s *MemoryStore) UpsertCart(_ context.Context, cart *domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	s.carts[cart.ID] = cloneCart(cart)
	return nil
}

func (s *MemoryStore) DeleteCart(_ context.Context, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.carts[cartID]; !exists {
		return ErrCartNotFound
	}
	delete(s.carts, cartID)
	return nil
}

func (s *MemoryStore) GetBinding(_ context.Context, kind BindingKind, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cartID, exists := s.bindings[bindingKey(kind, key)]
	if !exists {
		return "", ErrBindingNotFound
	}
	return cartID, nil
}

func (s *MemoryStore) PutBinding(_ context.Context, kind BindingKind, key, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings[bindingKey(kind, key)] = cartID
	return nil
}

func (s *MemoryStore) DeleteBinding(_ context.Context, kind BindingKind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bindings, bindingKey(kind, key))
	return nil
}

// cloneCart deep-copies so callers never alias stored state.
func cloneCart(cart *domain.Cart) *domain.Cart {
	out := *cart
	out.Items = make([]domain.CartItem, len(cart.Items))
	for i, item := range cart.Items {
		copied := item
		if item.Attributes != nil {
			copied.Attributes = make(map[string]any, len(item.Attributes))
			for k, v := range item.Attributes {
				copied.Attributes[k] = v
			}
		}
		out.Items[i] = copied
	}
	return &out
}
