package domain

import "errors"

var (
	// ErrInvalidQuantity rejects quantities below 1 before any write.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrUnresolvableProduct means the product capability could not
	// dereference the given product reference.
	ErrUnresolvableProduct = errors.New("product reference cannot be resolved")

	// ErrItemNotInCart means a removal targeted a line that does not
	// belong to the resolved cart (including no cart at all).
	ErrItemNotInCart = errors.New("item not in cart")

	// ErrInvalidUserKey rejects an empty user key before any write; an
	// empty key would otherwise produce a junk binding row.
	ErrInvalidUserKey = errors.New("user key must not be empty")

	// ErrBindingConflict signals an inconsistent identity binding, e.g. a
	// binding pointing at a cart owned by a different session. It is
	// surfaced to the caller and never silently repaired.
	ErrBindingConflict = errors.New("identity binding conflict")
)
