// Package secrets resolves credential references found in configuration
// values, such as provider API keys and bot tokens.
//
// A value of the form "env://NAME" or "vault://path#field" is a reference and
// is replaced by the secret it points to; any other value is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves references of a single scheme.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Scheme is the reference prefix handled, without "://" (e.g. "env").
	Scheme() string
	// Resolve returns the secret for ref. ref includes the scheme prefix.
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver over providers. A later provider with the
// same scheme replaces an earlier one.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// IsReference reports whether value looks like a credential reference.
func IsReference(value string) bool {
	scheme, rest, ok := strings.Cut(value, "://")
	return ok && rest != "" && scheme != "" && !strings.ContainsAny(scheme, "/ ")
}

// Resolve returns the secret behind value, or value itself when it is not a
// reference. Empty values stay empty.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, _, _ := strings.Cut(value, "://")
	p, ok := r.providers[scheme]
	if !ok {
		// URLs such as "https://..." are literal values.
		if scheme == "http" || scheme == "https" {
			return value, nil
		}
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrSecretNotFound, scheme)
	}
	return p.Resolve(ctx, value)
}

// ResolveAll resolves every pointer in place and stops at the first failure.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}
