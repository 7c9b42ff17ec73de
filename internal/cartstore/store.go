// Package cartstore materializes carts lazily: no record exists until the
// first mutation needs one.
package cartstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cartkit/cartkit/internal/binding"
	"github.com/cartkit/cartkit/internal/config"
	"github.com/cartkit/cartkit/internal/domain"
	"github.com/cartkit/cartkit/internal/repository"
)

type Store struct {
	store  repository.RecordStore
	binder *binding.Binder
	opts   config.Options
}

func New(store repository.RecordStore, binder *binding.Binder, opts config.Options) *Store {
	return &Store{
		store:  store,
		binder: binder,
		opts:   opts,
	}
}

// Materialize returns the identity's current cart, creating and binding a
// record when none exists. Callers must hold the binder lock for the
// identity so that two near-simultaneous calls cannot both create: within
// the lock this is a single check-and-create sequence.
func (s *Store) Materialize(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	cartID, err := s.binder.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cartID != "" {
		return s.store.GetCart(ctx, cartID)
	}

	cart := &domain.Cart{
		ID:         uuid.New().String(),
		SessionKey: identity.SessionKey,
		State:      domain.StateActive,
	}
	if s.opts.AutoAssignUser && identity.HasUser() {
		// Auto-assign only claims users that have no cart yet. An existing
		// user binding points at a preserved or still-live cart; stealing
		// it here would orphan that cart. Login reconciles the two.
		_, err := s.store.GetBinding(ctx, repository.BindingUser, identity.UserKey)
		switch {
		case errors.Is(err, repository.ErrBindingNotFound):
			cart.UserKey = identity.UserKey
		case err != nil:
			return nil, err
		}
	}

	// Record first, bindings second: a lost binding write leaves a record
	// that Resolve re-binds on the next call.
	if err := s.store.UpsertCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to materialize cart: %w", err)
	}
	if err := s.store.PutBinding(ctx, repository.BindingSession, identity.SessionKey, cart.ID); err != nil {
		return nil, fmt.Errorf("failed to bind cart to session: %w", err)
	}
	if cart.UserKey != "" {
		if err := s.store.PutBinding(ctx, repository.BindingUser, cart.UserKey, cart.ID); err != nil {
			return nil, fmt.Errorf("failed to bind cart to user: %w", err)
		}
	}
	return cart, nil
}
