package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/cartkit/cartkit/internal/binding"
	"github.com/cartkit/cartkit/internal/cache"
	"github.com/cartkit/cartkit/internal/cartstore"
	"github.com/cartkit/cartkit/internal/catalog"
	"github.com/cartkit/cartkit/internal/config"
	"github.com/cartkit/cartkit/internal/domain"
	"github.com/cartkit/cartkit/internal/repository"
	"github.com/cartkit/cartkit/internal/resolve"
)

// CartService is the public face of the cart core. Every call carries the
// identity context explicitly; there is no ambient "current cart" state.
type CartService struct {
	store    repository.RecordStore
	cache    cache.CartCache
	products catalog.Provider
	binder   *binding.Binder
	carts    *cartstore.Store
	resolver *resolve.Resolver
	opts     config.Options
	sfg      singleflight.Group // Prevents cache stampede
}

func NewCartService(
	store repository.RecordStore,
	cartCache cache.CartCache,
	products catalog.Provider,
	binder *binding.Binder,
	carts *cartstore.Store,
	resolver *resolve.Resolver,
	opts config.Options,
) *CartService {
	return &CartService{
		store:    store,
		cache:    cartCache,
		products: products,
		binder:   binder,
		carts:    carts,
		resolver: resolver,
		opts:     opts,
	}
}

// getCart loads the identity's cart through the cache, nil when none is
// bound. Absence is a normal result, never an error.
func (s *CartService) getCart(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	cartID, err := s.binder.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cartID == "" {
		return nil, nil
	}

	// Use singleflight to prevent multiple concurrent cache misses for same cart
	v, err, _ := s.sfg.Do(cartID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, cartID)
		if err == nil {
			return cart, nil // cart is in cache
		}

		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Printf("cache get error: %v \n", err) // log cache error but continue
		}

		cart, errGet := s.store.GetCart(ctx, cartID)
		if errGet != nil {
			if errors.Is(errGet, repository.ErrCartNotFound) {
				return (*domain.Cart)(nil), nil
			}
			return nil, errGet
		}

		// set cache
		go func() {
			errSet := s.cache.Set(context.Background(), cartID, cart)
			if errSet != nil {
				log.Printf("cache set error: %v \n", errSet)
			}
		}()

		return cart, nil
	})

	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart), nil
}

// GetItems returns the cart lines in insertion order, empty when no cart
// exists for the identity.
func (s *CartService) GetItems(ctx context.Context, identity domain.Identity) ([]domain.CartItem, error) {
	cart, err := s.getCart(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return []domain.CartItem{}, nil
	}
	return cart.Items, nil
}

// Exists reports whether a cart record is bound to the identity. No side
// effects.
func (s *CartService) Exists(ctx context.Context, identity domain.Identity) (bool, error) {
	cartID, err := s.binder.Resolve(ctx, identity)
	if err != nil {
		return false, err
	}
	return cartID != "", nil
}

func (s *CartService) DoesNotExist(ctx context.Context, identity domain.Identity) (bool, error) {
	exists, err := s.Exists(ctx, identity)
	return !exists, err
}

// ItemCount is the sum of line quantities, 0 when no cart exists.
func (s *CartService) ItemCount(ctx context.Context, identity domain.Identity) (int, error) {
	cart, err := s.getCart(ctx, identity)
	if err != nil {
		return 0, err
	}
	return cart.ItemCount(), nil
}

func (s *CartService) IsEmpty(ctx context.Context, identity domain.Identity) (bool, error) {
	count, err := s.ItemCount(ctx, identity)
	return count == 0, err
}

func (s *CartService) IsNotEmpty(ctx context.Context, identity domain.Identity) (bool, error) {
	empty, err := s.IsEmpty(ctx, identity)
	return !empty, err
}

// Total is the sum of unitPrice*quantity over all lines, zero when no
// cart exists.
func (s *CartService) Total(ctx context.Context, identity domain.Identity) (decimal.Decimal, error) {
	cart, err := s.getCart(ctx, identity)
	if err != nil {
		return decimal.Zero, err
	}
	if cart == nil {
		return decimal.Zero, nil
	}
	return domain.CartTotal(cart.Items), nil
}

// AddItem materializes a cart when absent, then either increments the
// matching line or appends a new one with the product's price snapshot.
// Validation happens before any write.
func (s *CartService) AddItem(ctx context.Context, identity domain.Identity, ref domain.ProductRef, quantity int, params domain.Parameters) (*domain.CartItem, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidQuantity, quantity)
	}

	product, err := s.products.GetProduct(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", domain.ErrUnresolvableProduct, ref.TypeName, ref.ProductID, err)
	}

	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.carts.Materialize(ctx, identity)
	if err != nil {
		return nil, err
	}

	var item domain.CartItem
	if idx := s.resolver.Resolve(cart, ref, params); idx >= 0 {
		cart.Items[idx].Quantity += quantity
		item = cart.Items[idx]
	} else {
		item = domain.CartItem{
			ID:         uuid.New().String(),
			ProductRef: ref,
			Quantity:   quantity,
			UnitPrice:  product.Price,
			Attributes: newLineAttributes(product, params, s.opts.ExtraProductAttributes),
			AddedAt:    time.Now(),
		}
		cart.Items = append(cart.Items, item)
	}

	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to persist cart: %w", err)
	}

	s.invalidateCache(cart.ID)
	return &item, nil
}

// RemoveProduct removes the first line matching the product reference,
// ignoring configuration. Removing a product that is not in the cart is
// not an error.
func (s *CartService) RemoveProduct(ctx context.Context, identity domain.Identity, ref domain.ProductRef) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}

	for i, item := range cart.Items {
		if item.ProductRef.Equal(ref) {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
			if err := s.store.UpsertCart(ctx, cart); err != nil {
				return fmt.Errorf("failed to persist cart: %w", err)
			}
			s.invalidateCache(cart.ID)
			return nil
		}
	}
	return nil
}

// RemoveItem removes one specific line. Unlike RemoveProduct, targeting a
// line outside the resolved cart is an error.
func (s *CartService) RemoveItem(ctx context.Context, identity domain.Identity, itemID string) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil {
		return err
	}
	if cart == nil {
		return fmt.Errorf("%w: no cart for identity", domain.ErrItemNotInCart)
	}

	idx := cart.FindItem(itemID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrItemNotInCart, itemID)
	}

	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// Clear removes all lines. With auto_destroy the cart record goes too.
func (s *CartService) Clear(ctx context.Context, identity domain.Identity) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}

	if s.opts.AutoDestroy {
		return s.destroyLocked(ctx, identity, cart)
	}

	cart.Items = nil
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// Destroy deletes the cart record and every binding to it. A later
// AddItem materializes a fresh cart with a distinct identifier.
func (s *CartService) Destroy(ctx context.Context, identity domain.Identity) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}
	return s.destroyLocked(ctx, identity, cart)
}

func (s *CartService) destroyLocked(ctx context.Context, identity domain.Identity, cart *domain.Cart) error {
	if err := s.store.DeleteCart(ctx, cart.ID); err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if err := s.store.DeleteBinding(ctx, repository.BindingSession, identity.SessionKey); err != nil {
		return fmt.Errorf("failed to unbind session: %w", err)
	}
	if cart.UserKey != "" {
		if err := s.store.DeleteBinding(ctx, repository.BindingUser, cart.UserKey); err != nil {
			return fmt.Errorf("failed to unbind user: %w", err)
		}
	}
	s.invalidateCache(cart.ID)
	return nil
}

// Forget drops the session binding but keeps the record, so a user login
// can restore the cart later.
func (s *CartService) Forget(ctx context.Context, identity domain.Identity) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}

	// The record must stop naming the session or the next read would
	// simply re-bind it.
	cart.SessionKey = ""
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	if err := s.store.DeleteBinding(ctx, repository.BindingSession, identity.SessionKey); err != nil {
		return fmt.Errorf("failed to unbind session: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// SetUser manually binds the current cart to a user, overriding the
// automatic assignment policy. No-op when no cart exists.
func (s *CartService) SetUser(ctx context.Context, identity domain.Identity, userKey string) error {
	if userKey == "" {
		return domain.ErrInvalidUserKey
	}

	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}

	cart.UserKey = userKey
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	if err := s.store.PutBinding(ctx, repository.BindingUser, userKey, cart.ID); err != nil {
		return fmt.Errorf("failed to bind user: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// GetUser returns the user key the current cart is bound to, "" when the
// cart is anonymous or absent.
func (s *CartService) GetUser(ctx context.Context, identity domain.Identity) (string, error) {
	cart, err := s.getCart(ctx, identity)
	if err != nil || cart == nil {
		return "", err
	}
	return cart.UserKey, nil
}

// SetState transitions the cart's lifecycle state. The core itself only
// ever sets "active" at materialization; every later transition is the
// caller's call. No-op when no cart exists.
func (s *CartService) SetState(ctx context.Context, identity domain.Identity, state domain.CartState) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}

	cart.State = state
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// GetState returns the cart's state, "" when no cart exists.
func (s *CartService) GetState(ctx context.Context, identity domain.Identity) (domain.CartState, error) {
	cart, err := s.getCart(ctx, identity)
	if err != nil || cart == nil {
		return "", err
	}
	return cart.State, nil
}

// RemoveUser detaches the current cart from its user.
func (s *CartService) RemoveUser(ctx context.Context, identity domain.Identity) error {
	unlock := s.binder.Lock(identity)
	defer unlock()

	cart, err := s.lockedCart(ctx, identity)
	if err != nil || cart == nil {
		return err
	}
	if cart.UserKey == "" {
		return nil
	}

	if err := s.store.DeleteBinding(ctx, repository.BindingUser, cart.UserKey); err != nil {
		return fmt.Errorf("failed to unbind user: %w", err)
	}
	cart.UserKey = ""
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	s.invalidateCache(cart.ID)
	return nil
}

// lockedCart reads the cart directly from the store, bypassing the cache.
// Mutation paths hold the identity lock and must not race stale cache
// entries.
func (s *CartService) lockedCart(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	cartID, err := s.binder.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cartID == "" {
		return nil, nil
	}
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cart, nil
}

func (s *CartService) invalidateCache(cartID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, cartID); err != nil {
		log.Printf("cache invalidate error: %v \n", err)
	}
}

// newLineAttributes builds the attribute map for a fresh line: the
// configuration payload from the add parameters plus any allow-listed
// product fields, captured at this instant.
func newLineAttributes(product *catalog.Product, params domain.Parameters, allowList []string) map[string]any {
	attrs := map[string]any{}
	if cfg, ok := params.Configuration(); ok {
		attrs[domain.AttrConfiguration] = cfg
	}

	for _, field := range allowList {
		switch field {
		case "displayName":
			attrs[field] = product.DisplayName
		case "typeName":
			attrs[field] = product.TypeName
		case "hasImage":
			attrs[field] = product.HasImage
		case "thumbnailUrl":
			attrs[field] = product.ThumbnailURL
		case "imageUrl":
			attrs[field] = product.ImageURL
		default:
			if value, ok := product.Extra[field]; ok {
				attrs[field] = value
			}
		}
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
