package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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
	"github.com/cartkit/cartkit/internal/service"
)

type nopCache struct{}

func (nopCache) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	return nil, cache.ErrCacheMiss
}
func (nopCache) Set(ctx context.Context, cartID string, cart *domain.Cart) error { return nil }
func (nopCache) Delete(ctx context.Context, cartID string) error { return nil }

func newTestHandler() *CartHandler {
	opts := config.Default()
	records := repository.NewMemoryStore()
	resolver := resolve.New(nil)
	binder := binding.NewBinder(records, resolver, opts)
	carts := cartstore.New(records, binder, opts)
	products := catalog.NewStaticProvider(nil, catalog.Product{
		ID:          "SKU-1",
		DisplayName: "Hammer",
		TypeName:    "catalog.Tool",
		Price:       decimal.NewFromInt(100),
	})
	svc := service.NewCartService(records, nopCache{}, products, binder, carts, resolver, opts)
	return NewCartHandler(svc, 5*time.Second)
}

func serve(handler *CartHandler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router := SessionMiddleware(handler.Routes())
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetCart_EmptySession(t *testing.T) {
	sut := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp CartResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Exists)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 0, resp.ItemCount)
	assert.Equal(t, "0", resp.Total)
}

func TestGetCart_MissingSessionKey(t *testing.T) {
	sut := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := serve(sut, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddItem_ThenGetCart(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(AddItemRequestDTO{TypeName: "catalog.Tool", ProductID: "SKU-1", Quantity: 2})
	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var item domain.CartItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, 2, item.Quantity)
	assert.Equal(t, "SKU-1", item.ProductRef.ProductID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Key", "sess-1")
	rec = serve(sut, req)

	var resp CartResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Exists)
	assert.Equal(t, 2, resp.ItemCount)
	assert.Equal(t, "200", resp.Total)
}

func TestAddItem_SessionFromCookie(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(AddItemRequestDTO{TypeName: "catalog.Tool", ProductID: "SKU-1", Quantity: 1})
	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	req.AddCookie(&http.Cookie{Name: "cart_session", Value: "sess-cookie"})
	rec := serve(sut, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAddItem_InvalidQuantity(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(AddItemRequestDTO{TypeName: "catalog.Tool", ProductID: "SKU-1", Quantity: -3})
	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_quantity", resp.Code)
}

func TestAddItem_UnknownProduct(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(AddItemRequestDTO{TypeName: "catalog.Tool", ProductID: "NOPE", Quantity: 1})
	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAddItem_InvalidBody(t *testing.T) {
	sut := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveItem_NotFound(t *testing.T) {
	sut := newTestHandler()

	req := httptest.NewRequest(http.MethodDelete, "/items/missing-id", nil)
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveProduct_NoContent(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(AddItemRequestDTO{TypeName: "catalog.Tool", ProductID: "SKU-1", Quantity: 1})
	addReq := httptest.NewRequest(http.MethodPost, "/items", bytes.NewReader(body))
	addReq.Header.Set("X-Session-Key", "sess-1")
	require.Equal(t, http.StatusCreated, serve(sut, addReq).Code)

	req := httptest.NewRequest(http.MethodDelete, "/products/catalog.Tool/SKU-1", nil)
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/", nil)
	getReq.Header.Set("X-Session-Key", "sess-1")
	var resp CartResponseDTO
	require.NoError(t, json.Unmarshal(serve(sut, getReq).Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.ItemCount)
}

func TestSetUser_NoContent(t *testing.T) {
	sut := newTestHandler()

	body, _ := json.Marshal(SetUserRequestDTO{UserKey: "user-1"})
	req := httptest.NewRequest(http.MethodPut, "/user", bytes.NewReader(body))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSetUser_MissingUserKey(t *testing.T) {
	sut := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/user", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := serve(sut, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
