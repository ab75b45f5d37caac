package dynamicoidc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProviderRegistry looks up per-tenant provider configuration with a short
// TTL cache in front of the persistent store. Only enabled providers are
// returned; a disabled or missing provider is indistinguishable to callers.
type ProviderRegistry struct {
	store  Store
	cache  *Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewProviderRegistry creates a registry caching provider configs for ttl
// (bounded staleness; admin edits become visible within one TTL).
func NewProviderRegistry(store Store, ttl time.Duration, logger zerolog.Logger) *ProviderRegistry {
	return &ProviderRegistry{
		store:  store,
		cache:  NewCache(512),
		ttl:    ttl,
		logger: logger.With().Str("component", "provider-registry").Logger(),
	}
}

// Get returns the enabled provider config for id. Missing and disabled
// providers both yield ErrNotFound; store failures propagate as "provider
// unavailable". The registry never fabricates a default provider.
func (r *ProviderRegistry) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	if cached, found := r.cache.Get(providerCacheKey(id)); found {
		provider := cached.(*ProviderConfig)
		if !provider.Enabled {
			return nil, ErrNotFound
		}
		return provider, nil
	}

	provider, err := r.store.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("provider unavailable: %w", err)
	}

	r.cache.Set(providerCacheKey(id), provider, r.ttl)
	if !provider.Enabled {
		r.logger.Debug().Str("provider", id).Msg("provider is disabled")
		return nil, ErrNotFound
	}
	return provider, nil
}

// FindByEmail resolves the provider responsible for an email address via its
// domain, used by the check-email endpoint. Returns ErrNotFound when no
// enabled provider claims the domain.
func (r *ProviderRegistry) FindByEmail(ctx context.Context, email string) (*ProviderConfig, error) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return nil, ErrNotFound
	}
	domain = strings.ToLower(domain)

	if cached, found := r.cache.Get(domainCacheKey(domain)); found {
		return r.Get(ctx, cached.(string))
	}

	provider, err := r.store.FindProviderByEmailDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("provider unavailable: %w", err)
	}

	r.cache.Set(domainCacheKey(domain), provider.ID, r.ttl)
	return r.Get(ctx, provider.ID)
}

// SaveEndpoints persists discovered endpoints and refreshes the cache entry
// so subsequent lookups skip discovery. The upsert is idempotent: writing the
// same endpoints twice is a no-op update.
func (r *ProviderRegistry) SaveEndpoints(ctx context.Context, id string, endpoints ProviderEndpoints) error {
	if err := r.store.SaveProviderEndpoints(ctx, id, endpoints); err != nil {
		return fmt.Errorf("failed to persist discovered endpoints: %w", err)
	}
	r.cache.Delete(providerCacheKey(id))
	return nil
}

// Invalidate drops the cached entry for a provider.
func (r *ProviderRegistry) Invalidate(id string) {
	r.cache.Delete(providerCacheKey(id))
}

// Close releases the registry's cache resources.
func (r *ProviderRegistry) Close() {
	r.cache.Close()
}

func providerCacheKey(id string) string {
	return "provider:" + id
}

func domainCacheKey(domain string) string {
	return "domain:" + domain
}
