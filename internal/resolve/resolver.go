// Package resolve decides whether an incoming add merges into an existing
// cart line or creates a new one.
package resolve

import (
	"github.com/cartkit/cartkit/internal/domain"
)

// Strategy is the line-matching extension point. A deployment may swap in
// custom logic (match on a subset of attributes, always create a new line,
// and so on) by injecting its own implementation.
type Strategy interface {
	Match(existing domain.CartItem, ref domain.ProductRef, params domain.Parameters) bool
}

// StrategyFunc adapts an ordinary function to a Strategy.
type StrategyFunc func(existing domain.CartItem, ref domain.ProductRef, params domain.Parameters) bool

func (f StrategyFunc) Match(existing domain.CartItem, ref domain.ProductRef, params domain.Parameters) bool {
	return f(existing, ref, params)
}

// Resolver scans cart lines in insertion order and returns the first
// match, so the earliest-created line wins when more than one matches.
type Resolver struct {
	strategy Strategy
}

func New(strategy Strategy) *Resolver {
	if strategy == nil {
		strategy = ConfigStrategy{}
	}
	return &Resolver{strategy: strategy}
}

// Resolve returns the index of the matching line, or -1 when a new line
// must be created.
func (r *Resolver) Resolve(cart *domain.Cart, ref domain.ProductRef, params domain.Parameters) int {
	if cart == nil {
		return -1
	}
	for i, item := range cart.Items {
		if r.strategy.Match(item, ref, params) {
			return i
		}
	}
	return -1
}

// ConfigStrategy is the default: same product reference and structurally
// equal configuration payloads. Configuration rules:
//   - both absent or explicitly empty: match
//   - one present, one absent: no match
//   - both present: symmetric difference must be empty in both directions,
//     arrays compare as unordered multisets, maps by key set and values
type ConfigStrategy struct{}

func (ConfigStrategy) Match(existing domain.CartItem, ref domain.ProductRef, params domain.Parameters) bool {
	if !existing.ProductRef.Equal(ref) {
		return false
	}

	existingCfg, existingOK := existing.Configuration()
	incomingCfg, incomingOK := params.Configuration()
	if existingOK && emptyConfig(existingCfg) {
		existingOK = false
	}
	if incomingOK && emptyConfig(incomingCfg) {
		incomingOK = false
	}

	if !existingOK && !incomingOK {
		return true
	}
	if existingOK != incomingOK {
		return false
	}
	return configEqual(existingCfg, incomingCfg)
}

func emptyConfig(cfg any) bool {
	switch v := cfg.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case string:
		return v == ""
	default:
		return false
	}
}

// configEqual compares configuration payloads structurally. Values are
// expected to be JSON-shaped (maps, slices, strings, numbers, bools), the
// form they take after a round-trip through any of the record stores.
func configEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, aval := range av {
			bval, present := bv[key]
			if !present || !configEqual(aval, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		// Unordered multiset comparison.
		used := make([]bool, len(bv))
	outer:
		for _, aval := range av {
			for i, bval := range bv {
				if !used[i] && configEqual(aval, bval) {
					used[i] = true
					continue outer
				}
			}
			return false
		}
		return true
	default:
		if an, aok := toFloat(a); aok {
			bn, bok := toFloat(b)
			return bok && an == bn
		}
		return a == b
	}
}

// toFloat normalizes numeric types so that an int written by application
// code equals the float64 the same value decodes back into.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
