// Package binding tracks which cart an identity currently owns and
// reconciles carts across login and logout transitions.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cartkit/cartkit/internal/config"
	"github.com/cartkit/cartkit/internal/domain"
	"github.com/cartkit/cartkit/internal/repository"
	"github.com/cartkit/cartkit/internal/resolve"
)

type Binder struct {
	store    repository.RecordStore
	resolver *resolve.Resolver
	opts     config.Options
	locks    *keyedMutex
}

func NewBinder(store repository.RecordStore, resolver *resolve.Resolver, opts config.Options) *Binder {
	return &Binder{
		store:    store,
		resolver: resolver,
		opts:     opts,
		locks:    newKeyedMutex(),
	}
}

// Lock serializes all mutating work for one identity. The session lock is
// always taken before the user lock so concurrent logins cannot deadlock.
func (b *Binder) Lock(identity domain.Identity) func() {
	return b.lockKeys(identity.SessionKey, identity.UserKey)
}

func (b *Binder) lockKeys(sessionKey, userKey string) func() {
	unlockSession := b.locks.Lock("session:" + sessionKey)
	if userKey == "" {
		return unlockSession
	}
	unlockUser := b.locks.Lock("user:" + userKey)
	return func() {
		unlockUser()
		unlockSession()
	}
}

// Resolve returns the id of the cart currently bound to the identity, or
// "" when none. A cart record naming the session with no binding row (a
// half-applied materialization) is re-bound here; a binding pointing at a
// cart owned by a different session surfaces as ErrBindingConflict.
func (b *Binder) Resolve(ctx context.Context, identity domain.Identity) (string, error) {
	cartID, err := b.store.GetBinding(ctx, repository.BindingSession, identity.SessionKey)
	if err == nil {
		cart, getErr := b.store.GetCart(ctx, cartID)
		if getErr != nil {
			if errors.Is(getErr, repository.ErrCartNotFound) {
				// Stale binding to a deleted record; drop it and fall
				// through to the repair path.
				if delErr := b.store.DeleteBinding(ctx, repository.BindingSession, identity.SessionKey); delErr != nil {
					return "", fmt.Errorf("failed to drop stale binding: %w", delErr)
				}
				return b.repairBinding(ctx, identity)
			}
			return "", getErr
		}
		if cart.SessionKey != "" && cart.SessionKey != identity.SessionKey {
			return "", fmt.Errorf("%w: cart %s is owned by another session", domain.ErrBindingConflict, cartID)
		}
		return cartID, nil
	}
	if !errors.Is(err, repository.ErrBindingNotFound) {
		return "", err
	}

	return b.repairBinding(ctx, identity)
}

// repairBinding re-attempts the binding write for a cart record that
// already names this session.
func (b *Binder) repairBinding(ctx context.Context, identity domain.Identity) (string, error) {
	cart, err := b.store.GetCartBySession(ctx, identity.SessionKey)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			return "", nil
		}
		return "", err
	}

	log.Printf("re-binding cart %s to session after lost binding write", cart.ID)
	if err := b.store.PutBinding(ctx, repository.BindingSession, identity.SessionKey, cart.ID); err != nil {
		return "", fmt.Errorf("failed to re-bind cart: %w", err)
	}
	return cart.ID, nil
}

// Login reconciles the session cart and the user's saved cart. Returns
// the ids of every cart it touched so callers can invalidate caches.
// Repeated logins with unchanged keys are no-ops.
func (b *Binder) Login(ctx context.Context, sessionKey, userKey string) ([]string, error) {
	unlock := b.lockKeys(sessionKey, userKey)
	defer unlock()

	identity := domain.Identity{SessionKey: sessionKey, UserKey: userKey}
	sessionCartID, err := b.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}

	userCartID, err := b.store.GetBinding(ctx, repository.BindingUser, userKey)
	if err != nil && !errors.Is(err, repository.ErrBindingNotFound) {
		return nil, err
	}

	switch {
	case sessionCartID != "" && userCartID != "" && sessionCartID != userCartID:
		if b.opts.MergeDuplicates {
			return b.mergeCarts(ctx, sessionCartID, userCartID, sessionKey, userKey)
		}
		return b.restoreSavedCart(ctx, sessionCartID, userCartID, sessionKey)

	case sessionCartID != "" && userCartID == "":
		// Anonymous cart becomes user-owned going forward.
		cart, err := b.store.GetCart(ctx, sessionCartID)
		if err != nil {
			return nil, err
		}
		if cart.UserKey == userKey {
			return nil, nil
		}
		cart.UserKey = userKey
		if err := b.store.UpsertCart(ctx, cart); err != nil {
			return nil, err
		}
		if err := b.store.PutBinding(ctx, repository.BindingUser, userKey, sessionCartID); err != nil {
			return nil, err
		}
		return []string{sessionCartID}, nil

	case sessionCartID == "" && userCartID != "":
		// Restore: the saved cart follows the user onto this session.
		cart, err := b.store.GetCart(ctx, userCartID)
		if err != nil {
			if errors.Is(err, repository.ErrCartNotFound) {
				// Dangling user binding; drop it, nothing to restore.
				return nil, b.store.DeleteBinding(ctx, repository.BindingUser, userKey)
			}
			return nil, err
		}
		cart.SessionKey = sessionKey
		cart.UserKey = userKey
		if err := b.store.UpsertCart(ctx, cart); err != nil {
			return nil, err
		}
		if err := b.store.PutBinding(ctx, repository.BindingSession, sessionKey, userCartID); err != nil {
			return nil, err
		}
		return []string{userCartID}, nil

	default:
		// Same cart on both sides, or no cart anywhere.
		return nil, nil
	}
}

// restoreSavedCart is the merge_duplicates=false policy: the session's
// current cart is discarded from the binding and the saved cart wins.
func (b *Binder) restoreSavedCart(ctx context.Context, sessionCartID, userCartID, sessionKey string) ([]string, error) {
	discarded, err := b.store.GetCart(ctx, sessionCartID)
	if err != nil {
		return nil, err
	}
	saved, err := b.store.GetCart(ctx, userCartID)
	if err != nil {
		return nil, err
	}

	// Unhook the discarded record from the session so it is not re-bound
	// by the repair path later. The record itself stays in storage.
	discarded.SessionKey = ""
	if err := b.store.UpsertCart(ctx, discarded); err != nil {
		return nil, err
	}

	saved.SessionKey = sessionKey
	if err := b.store.UpsertCart(ctx, saved); err != nil {
		return nil, err
	}
	if err := b.store.PutBinding(ctx, repository.BindingSession, sessionKey, userCartID); err != nil {
		return nil, err
	}
	return []string{sessionCartID, userCartID}, nil
}

// mergeCarts is the merge_duplicates=true policy: saved-cart lines are
// replayed into the session cart through the resolver, then the session
// cart becomes the user's cart on both bindings.
func (b *Binder) mergeCarts(ctx context.Context, sessionCartID, userCartID, sessionKey, userKey string) ([]string, error) {
	sessionCart, err := b.store.GetCart(ctx, sessionCartID)
	if err != nil {
		return nil, err
	}
	saved, err := b.store.GetCart(ctx, userCartID)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			return nil, b.store.DeleteBinding(ctx, repository.BindingUser, userKey)
		}
		return nil, err
	}

	for _, line := range saved.Items {
		params := domain.Parameters{}
		if cfg, ok := line.Configuration(); ok {
			params[domain.AttrConfiguration] = cfg
		}
		if idx := b.resolver.Resolve(sessionCart, line.ProductRef, params); idx >= 0 {
			sessionCart.Items[idx].Quantity += line.Quantity
		} else {
			sessionCart.Items = append(sessionCart.Items, line)
		}
	}

	sessionCart.UserKey = userKey
	if err := b.store.UpsertCart(ctx, sessionCart); err != nil {
		return nil, err
	}

	// The saved record is abandoned: kept in storage, unbound.
	if saved.SessionKey != "" {
		saved.SessionKey = ""
		if err := b.store.UpsertCart(ctx, saved); err != nil {
			return nil, err
		}
	}
	if err := b.store.PutBinding(ctx, repository.BindingUser, userKey, sessionCartID); err != nil {
		return nil, err
	}
	return []string{sessionCartID, userCartID}, nil
}

// Logout drops the session binding for the identity's cart. With
// preserve_for_user the user association survives in storage; without it
// the cart is fully orphaned (never deleted).
func (b *Binder) Logout(ctx context.Context, sessionKey, userKey string) ([]string, error) {
	unlock := b.lockKeys(sessionKey, userKey)
	defer unlock()

	identity := domain.Identity{SessionKey: sessionKey, UserKey: userKey}
	cartID, err := b.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cartID == "" {
		return nil, nil
	}

	cart, err := b.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}

	cart.SessionKey = ""
	if !b.opts.PreserveForUser {
		cart.UserKey = ""
		if userKey != "" {
			if err := b.store.DeleteBinding(ctx, repository.BindingUser, userKey); err != nil {
				return nil, err
			}
		}
	}
	if err := b.store.UpsertCart(ctx, cart); err != nil {
		return nil, err
	}
	if err := b.store.DeleteBinding(ctx, repository.BindingSession, sessionKey); err != nil {
		return nil, err
	}
	return []string{cartID}, nil
}
