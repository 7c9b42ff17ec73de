// Package config holds the cart policy options recognized by the core.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Options controls binding and merge behavior. Zero value is NOT the
// default configuration; use Default or Load.
type Options struct {
	// AutoDestroy makes Clear also destroy the cart record and bindings.
	AutoDestroy bool
	// AutoAssignUser binds a newly materialized cart to the active user
	// immediately at creation time instead of waiting for the next login.
	AutoAssignUser bool
	// PreserveForUser keeps the user-cart association across logout.
	PreserveForUser bool
	// MergeDuplicates merges a saved user cart into the session cart at
	// login instead of replacing the session cart.
	MergeDuplicates bool
	// ExtraProductAttributes names product fields copied verbatim onto new
	// cart lines at add-time. Order is preserved.
	ExtraProductAttributes []string
}

func Default() Options {
	return Options{
		AutoDestroy:     false,
		AutoAssignUser:  true,
		PreserveForUser: false,
		MergeDuplicates: false,
	}
}

// Load reads options from the environment on top of the defaults.
func Load() Options {
	opts := Default()
	opts.AutoDestroy = envBool("CART_AUTO_DESTROY", opts.AutoDestroy)
	opts.AutoAssignUser = envBool("CART_AUTO_ASSIGN_USER", opts.AutoAssignUser)
	opts.PreserveForUser = envBool("CART_PRESERVE_FOR_USER", opts.PreserveForUser)
	opts.MergeDuplicates = envBool("CART_MERGE_DUPLICATES", opts.MergeDuplicates)

	if raw := os.Getenv("CART_EXTRA_PRODUCT_ATTRIBUTES"); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			if field = strings.TrimSpace(field); field != "" {
				opts.ExtraProductAttributes = append(opts.ExtraProductAttributes, field)
			}
		}
	}
	return opts
}

func envBool(key string, fallback bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
