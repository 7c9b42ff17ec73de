package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartkit/cartkit/internal/binding"
	"github.com/cartkit/cartkit/internal/cache"
	"github.com/cartkit/cartkit/internal/cartstore"
	"github.com/cartkit/cartkit/internal/catalog"
	"github.com/cartkit/cartkit/internal/config"
	"github.com/cartkit/cartkit/internal/domain"
	"github.com/cartkit/cartkit/internal/repository"
	"github.com/cartkit/cartkit/internal/resolve"
)

var (
	refP = domain.ProductRef{TypeName: "tool", ProductID: "P"}
	refQ = domain.ProductRef{TypeName: "tool", ProductID: "Q"}
)

// mockCache misses on every read so tests observe store state directly;
// it records invalidations.
type mockCache struct {
	m           sync.Mutex
	invalidated []string
}

func newMockCache() *mockCache {
	return &mockCache{}
}

func (m *mockCache) Get(context.Context, string) (*domain.Cart, error) {
	return nil, cache.ErrCacheMiss
}

func (m *mockCache) Set(context.Context, string, *domain.Cart) error {
	return nil
}

func (m *mockCache) Delete(_ context.Context, cartID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.invalidated = append(m.invalidated, cartID)
	return nil
}

// countingStore wraps the memory store and records every distinct cart id
// ever persisted, so tests can assert on materialization counts.
type countingStore struct {
	repository.RecordStore
	m       sync.Mutex
	created map[string]bool
}

func newCountingStore() *countingStore {
	return &countingStore{
		RecordStore: repository.NewMemoryStore(),
		created:     make(map[string]bool),
	}
}

func (c *countingStore) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	c.m.Lock()
	c.created[cart.ID] = true
	c.m.Unlock()
	return c.RecordStore.UpsertCart(ctx, cart)
}

func (c *countingStore) createdCount() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.created)
}

func testProducts() catalog.Provider {
	registry := catalog.TypeRegistry{"tool": "catalog.Tool"}
	return catalog.NewStaticProvider(registry,
		catalog.Product{ID: "P", TypeName: "catalog.Tool", DisplayName: "Hammer", Price: decimal.NewFromInt(100), ImageURL: "http://img/p.png", HasImage: true},
		catalog.Product{ID: "Q", TypeName: "catalog.Tool", DisplayName: "Wrench", Price: decimal.NewFromInt(70)},
	)
}

func newTestService(opts config.Options) (*CartService, *countingStore) {
	store := newCountingStore()
	resolver := resolve.New(nil)
	binder := binding.NewBinder(store, resolver, opts)
	carts := cartstore.New(store, binder, opts)
	sut := NewCartService(store, newMockCache(), testProducts(), binder, carts, resolver, opts)
	return sut, store
}

func TestFreshSession_NoCart(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.False(t, exists)

	count, err := sut.ItemCount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	total, err := sut.Total(ctx, identity)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAddItem_MaterializesCart(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	item, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Quantity)
	assert.True(t, item.UnitPrice.Equal(decimal.NewFromInt(100)))

	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := sut.ItemCount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAddItem_InvalidatesCache(t *testing.T) {
	store := newCountingStore()
	resolver := resolve.New(nil)
	opts := config.Default()
	binder := binding.NewBinder(store, resolver, opts)
	carts := cartstore.New(store, binder, opts)
	cartCache := newMockCache()
	sut := NewCartService(store, cartCache, testProducts(), binder, carts, resolver, opts)

	_, err := sut.AddItem(context.Background(), domain.Identity{SessionKey: "sess-1"}, refP, 1, nil)
	require.NoError(t, err)

	cartCache.m.Lock()
	defer cartCache.m.Unlock()
	assert.Len(t, cartCache.invalidated, 1)
}

func TestAddItem_InvalidQuantity(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 0, nil)
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	// Rejected before any write: still no cart.
	assert.Equal(t, 0, store.createdCount())
	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddItem_UnresolvableProduct(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, domain.ProductRef{TypeName: "tool", ProductID: "missing"}, 1, nil)
	require.ErrorIs(t, err, domain.ErrUnresolvableProduct)
	assert.Equal(t, 0, store.createdCount())
}

func TestAddItem_SameConfigurationMerges(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 2, nil)
	require.NoError(t, err)
	item, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)
}

func TestAddItem_DifferentConfigurationSplitsLines(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, domain.Parameters{
		domain.AttrConfiguration: []any{"red"},
	})
	require.NoError(t, err)
	_, err = sut.AddItem(ctx, identity, refP, 1, domain.Parameters{
		domain.AttrConfiguration: []any{"blue"},
	})
	require.NoError(t, err)

	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, 1, items[1].Quantity)
}

func TestAddItem_ExtraProductAttributes(t *testing.T) {
	opts := config.Default()
	opts.ExtraProductAttributes = []string{"displayName", "imageUrl"}
	sut, _ := newTestService(opts)
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	item, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hammer", item.Attributes["displayName"])
	assert.Equal(t, "http://img/p.png", item.Attributes["imageUrl"])
}

func TestTotal(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 3, nil)
	require.NoError(t, err)
	_, err = sut.AddItem(ctx, identity, refQ, 2, nil)
	require.NoError(t, err)

	total, err := sut.Total(ctx, identity)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(440)), "expected 440, got %s", total)
}

func TestRemoveProduct_IgnoresConfiguration(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, domain.Parameters{
		domain.AttrConfiguration: []any{"red"},
	})
	require.NoError(t, err)
	_, err = sut.AddItem(ctx, identity, refQ, 1, nil)
	require.NoError(t, err)

	require.NoError(t, sut.RemoveProduct(ctx, identity, refP))

	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Q", items[0].ProductRef.ProductID)
}

func TestRemoveProduct_NoMatch_NoError(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	// No cart at all: still not an error.
	require.NoError(t, sut.RemoveProduct(ctx, identity, refP))

	_, err := sut.AddItem(ctx, identity, refQ, 1, nil)
	require.NoError(t, err)
	require.NoError(t, sut.RemoveProduct(ctx, identity, refP))
}

func TestRemoveItem(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	item, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	require.NoError(t, sut.RemoveItem(ctx, identity, item.ID))

	empty, err := sut.IsEmpty(ctx, identity)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRemoveItem_NotInCart(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	err := sut.RemoveItem(ctx, identity, "no-such-item")
	require.ErrorIs(t, err, domain.ErrItemNotInCart)

	_, err = sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)
	err = sut.RemoveItem(ctx, identity, "no-such-item")
	require.ErrorIs(t, err, domain.ErrItemNotInCart)
}

func TestClear_KeepsCartByDefault(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 2, nil)
	require.NoError(t, err)

	require.NoError(t, sut.Clear(ctx, identity))

	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.True(t, exists, "cleared cart still exists without auto_destroy")

	count, err := sut.ItemCount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestClear_AutoDestroy(t *testing.T) {
	opts := config.Default()
	opts.AutoDestroy = true
	sut, _ := newTestService(opts)
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 2, nil)
	require.NoError(t, err)

	require.NoError(t, sut.Clear(ctx, identity))

	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDestroy_FreshCartGetsNewID(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	require.NoError(t, sut.Destroy(ctx, identity))
	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.False(t, exists)

	// A fresh add creates a distinct cart record.
	_, err = sut.AddItem(ctx, identity, refQ, 1, nil)
	require.NoError(t, err)
	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Q", items[0].ProductRef.ProductID)
}

func TestDestroy_DistinctIdentifier(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)
	require.NoError(t, sut.Destroy(ctx, identity))
	_, err = sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	// Two distinct cart ids were materialized over the lifetime.
	assert.Equal(t, 2, store.createdCount())
}

func TestForget_RecordSurvives(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	var cartID string
	for id := range store.created {
		cartID = id
	}
	require.NotEmpty(t, cartID)

	require.NoError(t, sut.Forget(ctx, identity))

	exists, err := sut.Exists(ctx, identity)
	require.NoError(t, err)
	assert.False(t, exists)

	// The record is still retrievable by its identifier.
	cart, err := store.GetCart(ctx, cartID)
	require.NoError(t, err)
	assert.Len(t, cart.Items, 1)
}

func TestSetUser_GetUser_RemoveUser(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	require.NoError(t, sut.SetUser(ctx, identity, "user-1"))

	user, err := sut.GetUser(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)

	require.NoError(t, sut.RemoveUser(ctx, identity))
	user, err = sut.GetUser(ctx, identity)
	require.NoError(t, err)
	assert.Empty(t, user)
}

func TestAutoAssignUser_AtCreation(t *testing.T) {
	sut, _ := newTestService(config.Default()) // auto_assign_user defaults on
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1", UserKey: "user-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	user, err := sut.GetUser(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)
}

func TestConcurrentAdds_SingleCart(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := sut.AddItem(ctx, identity, refP, 1, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one cart record, no lost updates.
	assert.Equal(t, 1, store.createdCount())

	count, err := sut.ItemCount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, workers, count)

	items, err := sut.GetItems(ctx, identity)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestConcurrentAdds_DifferentSessionsIndependent(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()

	const sessions = 8
	var wg sync.WaitGroup
	wg.Add(sessions)
	for i := 0; i < sessions; i++ {
		identity := domain.Identity{SessionKey: "sess-" + string(rune('a'+i))}
		go func() {
			defer wg.Done()
			_, err := sut.AddItem(ctx, identity, refP, 1, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, sessions, store.createdCount())
}

func TestSetState_GetState(t *testing.T) {
	sut, _ := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	// No cart yet: empty state, and SetState is a no-op.
	state, err := sut.GetState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, domain.CartState(""), state)
	require.NoError(t, sut.SetState(ctx, identity, domain.StateCheckout))

	_, err = sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	state, err = sut.GetState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, state)

	require.NoError(t, sut.SetState(ctx, identity, domain.StateCheckout))
	state, err = sut.GetState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCheckout, state)
}

func TestAddItem_NewSession_PreservedCartKeepsUserBinding(t *testing.T) {
	store := newCountingStore()
	resolver := resolve.New(nil)
	opts := config.Default()
	opts.PreserveForUser = true
	binder := binding.NewBinder(store, resolver, opts)
	carts := cartstore.New(store, binder, opts)
	sut := NewCartService(store, newMockCache(), testProducts(), binder, carts, resolver, opts)
	ctx := context.Background()

	// Session 1: build a cart as user-1, then log out; the cart is preserved
	// under the user binding.
	_, err := sut.AddItem(ctx, domain.Identity{SessionKey: "sess-1", UserKey: "user-1"}, refP, 1, nil)
	require.NoError(t, err)
	savedID, err := store.GetBinding(ctx, repository.BindingUser, "user-1")
	require.NoError(t, err)
	_, err = binder.Logout(ctx, "sess-1", "user-1")
	require.NoError(t, err)

	// Session 2, same user, before any login event: adding an item must not
	// overwrite the preserved cart's user binding.
	_, err = sut.AddItem(ctx, domain.Identity{SessionKey: "sess-2", UserKey: "user-1"}, refQ, 1, nil)
	require.NoError(t, err)

	bound, err := store.GetBinding(ctx, repository.BindingUser, "user-1")
	require.NoError(t, err)
	assert.Equal(t, savedID, bound)

	// The login event then restores the preserved cart onto the session.
	_, err = binder.Login(ctx, "sess-2", "user-1")
	require.NoError(t, err)
	items, err := sut.GetItems(ctx, domain.Identity{SessionKey: "sess-2", UserKey: "user-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "P", items[0].ProductRef.ProductID)
}

func TestSetUser_EmptyKey(t *testing.T) {
	sut, store := newTestService(config.Default())
	ctx := context.Background()
	identity := domain.Identity{SessionKey: "sess-1"}

	_, err := sut.AddItem(ctx, identity, refP, 1, nil)
	require.NoError(t, err)

	err = sut.SetUser(ctx, identity, "")
	require.ErrorIs(t, err, domain.ErrInvalidUserKey)

	// No junk binding was written.
	_, err = store.GetBinding(ctx, repository.BindingUser, "")
	require.ErrorIs(t, err, repository.ErrBindingNotFound)
}
