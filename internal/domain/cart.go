package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartState is caller-managed; the core only sets StateActive at creation
// and never transitions afterwards.
type CartState string

const (
	StateActive    CartState = "active"
	StateCheckout  CartState = "checkout"
	StateCompleted CartState = "completed"
	StateAbandoned CartState = "abandoned"
)

// ProductRef is a tagged reference to a product. TypeName may be a short
// name interpreted through a type-name registry when the product is
// dereferenced; it is never a concrete runtime type.
type ProductRef struct {
	TypeName  string `json:"type_name"`
	ProductID string `json:"product_id"`
}

func (r ProductRef) Equal(other ProductRef) bool {
	return r.TypeName == other.TypeName && r.ProductID == other.ProductID
}

// Identity scopes "the current cart": a session key plus an optional
// authenticated user key. It is threaded explicitly through every call.
type Identity struct {
	SessionKey string `json:"session_key"`
	UserKey    string `json:"user_key,omitempty"`
}

func (i Identity) HasUser() bool {
	return i.UserKey != ""
}

// AttrConfiguration is the reserved attributes key holding the structured
// configuration payload used for line identity comparison.
const AttrConfiguration = "configuration"

// Parameters carries per-add options. The value under AttrConfiguration
// participates in line matching; everything else is ignored by the default
// resolver strategy.
type Parameters map[string]any

func (p Parameters) Configuration() (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[AttrConfiguration]
	return v, ok
}

type CartItem struct {
	ID         string          `json:"id"`
	ProductRef ProductRef      `json:"product_ref"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	AddedAt    time.Time       `json:"added_at"`
}

func (i CartItem) Configuration() (any, bool) {
	if i.Attributes == nil {
		return nil, false
	}
	v, ok := i.Attributes[AttrConfiguration]
	return v, ok
}

type Cart struct {
	ID         string     `json:"id"`
	SessionKey string     `json:"session_key,omitempty"`
	UserKey    string     `json:"user_key,omitempty"`
	State      CartState  `json:"state"`
	Items      []CartItem `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ItemCount is the sum of line quantities, not the number of lines.
func (c *Cart) ItemCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// FindItem returns the index of the line with the given id, or -1.
func (c *Cart) FindItem(itemID string) int {
	if c == nil {
		return -1
	}
	for i, item := range c.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}
