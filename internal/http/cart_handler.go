package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cartkit/cartkit/internal/domain"
	"github.com/cartkit/cartkit/internal/service"
)

type CartHandler struct {
	carts   *service.CartService
	timeout time.Duration
}

func NewCartHandler(carts *service.CartService, timeout time.Duration) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
	}
}

// Routes mounts the cart endpoints on a chi router.
func (h *CartHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetCart)
	r.Delete("/", h.Destroy)
	r.Post("/items", h.AddItem)
	r.Delete("/items/{item_id}", h.RemoveItem)
	r.Delete("/products/{type_name}/{product_id}", h.RemoveProduct)
	r.Post("/clear", h.Clear)
	r.Post("/forget", h.Forget)
	r.Put("/user", h.SetUser)
	r.Delete("/user", h.RemoveUser)
	return r
}

type AddItemRequestDTO struct {
	TypeName   string            `json:"type_name"`
	ProductID  string            `json:"product_id"`
	Quantity   int               `json:"quantity"`
	Parameters domain.Parameters `json:"parameters,omitempty"`
}

type SetUserRequestDTO struct {
	UserKey string `json:"user_key"`
}

type CartResponseDTO struct {
	Exists    bool              `json:"exists"`
	Items     []domain.CartItem `json:"items"`
	ItemCount int               `json:"item_count"`
	Total     string            `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	items, err := h.carts.GetItems(ctx, identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	total, err := h.carts.Total(ctx, identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	exists, err := h.carts.Exists(ctx, identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	count := 0
	for _, item := range items {
		count += item.Quantity
	}
	respondJSON(w, http.StatusOK, CartResponseDTO{
		Exists:    exists,
		Items:     items,
		ItemCount: count,
		Total:     total.String(),
	})
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID == "" || req.TypeName == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_ref", "type_name and product_id are required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ref := domain.ProductRef{TypeName: req.TypeName, ProductID: req.ProductID}
	item, err := h.carts.AddItem(ctx, identity, ref, req.Quantity, req.Parameters)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, item)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	itemID := chi.URLParam(r, "item_id")
	if err := h.carts.RemoveItem(ctx, identity, itemID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) RemoveProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	ref := domain.ProductRef{
		TypeName:  chi.URLParam(r, "type_name"),
		ProductID: chi.URLParam(r, "product_id"),
	}
	if err := h.carts.RemoveProduct(ctx, identity, ref); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.carts.Clear)
}

func (h *CartHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.carts.Destroy)
}

func (h *CartHandler) Forget(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.carts.Forget)
}

func (h *CartHandler) simpleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, domain.Identity) error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	if err := action(ctx, identity); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) SetUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "missing_session", "missing session key")
		return
	}

	var req SetUserRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserKey == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_key is required")
		return
	}

	if err := h.carts.SetUser(ctx, identity, req.UserKey); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.carts.RemoveUser)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, domain.ErrUnresolvableProduct):
		respondError(w, http.StatusUnprocessableEntity, "unresolvable_product", err.Error())
	case errors.Is(err, domain.ErrInvalidUserKey):
		respondError(w, http.StatusBadRequest, "invalid_user_key", err.Error())
	case errors.Is(err, domain.ErrItemNotInCart):
		respondError(w, http.StatusNotFound, "item_not_in_cart", err.Error())
	case errors.Is(err, domain.ErrBindingConflict):
		respondError(w, http.StatusConflict, "binding_conflict", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
