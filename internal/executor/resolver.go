// Package executor determines which on-chain address is authorized to
// execute on behalf of an institution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	// ErrNoExecutor means neither the institution registry nor the static
	// fallback produced an address. There is no safe default executor.
	ErrNoExecutor = errors.New("executor: no executor address could be resolved")

	ErrUnknownInstitution = errors.New("executor: institution not registered")
)

// Registry looks up the on-chain registration for an institution: its
// wallet and, when one is registered, the delegated backend address
// authorized to execute for it.
type Registry interface {
	Lookup(ctx context.Context, institutionID string) (wallet, delegated models.Address, err error)
}

type Resolver struct {
	registry Registry
	fallback models.Address

	// Stale executor addresses misdirect authority, so caching is off by
	// default and bounded by a short TTL when enabled.
	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	addr    models.Address
	expires time.Time
}

type Option func(*Resolver)

// WithCacheTTL enables caching of registry lookups for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

func NewResolver(registry Registry, fallback models.Address, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		fallback: fallback,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the executor address for institutionID. A delegated
// backend registration is preferred over the institution wallet itself;
// a missing institutionID, an unknown institution, or a failed lookup all
// fall back to the configured trusted executor.
func (r *Resolver) Resolve(ctx context.Context, institutionID string) (models.Address, error) {
	if institutionID != "" && r.registry != nil {
		if addr, ok := r.cached(institutionID); ok {
			return addr, nil
		}

		wallet, delegated, err := r.registry.Lookup(ctx, institutionID)
		switch {
		case err == nil:
			addr := wallet
			if !delegated.IsZero() {
				addr = delegated
			}
			if !addr.IsZero() {
				r.store(institutionID, addr)
				return addr, nil
			}
		case errors.Is(err, ErrUnknownInstitution):
		default:
			slog.Warn("institution lookup failed, using fallback executor",
				"institution", institutionID, "error", err)
			if r.fallback.IsZero() {
				return models.Address{}, fmt.Errorf("executor lookup failed for %q: %w", institutionID, err)
			}
		}
	}

	if r.fallback.IsZero() {
		return models.Address{}, ErrNoExecutor
	}
	return r.fallback, nil
}

func (r *Resolver) cached(institutionID string) (models.Address, bool) {
	if r.cacheTTL <= 0 {
		return models.Address{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[institutionID]
	if !ok || time.Now().After(e.expires) {
		delete(r.cache, institutionID)
		return models.Address{}, false
	}
	return e.addr, true
}

func (r *Resolver) store(institutionID string, addr models.Address) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[institutionID] = cacheEntry{addr: addr, expires: time.Now().Add(r.cacheTTL)}
}
