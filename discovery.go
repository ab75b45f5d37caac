package dynamicoidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DiscoveryDocument is the subset of the provider's well-known configuration
// this subsystem consumes.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// Endpoints converts the document into the registry's endpoint shape.
func (d *DiscoveryDocument) Endpoints() ProviderEndpoints {
	return ProviderEndpoints{
		Authorization: d.AuthorizationEndpoint,
		Token:         d.TokenEndpoint,
		UserInfo:      d.UserInfoEndpoint,
		JWKS:          d.JWKSURI,
		Introspection: d.IntrospectionEndpoint,
	}
}

// DiscoveryResolver fetches provider metadata from the well-known endpoint
// and backfills the registry so subsequent requests skip discovery. It is
// invoked lazily, only when autoDiscovery is set and a required endpoint is
// missing from the static config.
type DiscoveryResolver struct {
	registry   *ProviderRegistry
	httpClient *http.Client
	cache      *Cache
	cacheTTL   time.Duration
	logger     zerolog.Logger
}

// NewDiscoveryResolver creates a resolver caching documents for cacheTTL.
func NewDiscoveryResolver(registry *ProviderRegistry, httpClient *http.Client, cacheTTL time.Duration, logger zerolog.Logger) *DiscoveryResolver {
	return &DiscoveryResolver{
		registry:   registry,
		httpClient: httpClient,
		cache:      NewCache(256),
		cacheTTL:   cacheTTL,
		logger:     logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover fetches and validates {issuer}/.well-known/openid-configuration.
// Documents missing the authorization or token endpoint are invalid and
// rejected; the caller falls back to static configuration.
func (d *DiscoveryResolver) Discover(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	issuer = strings.TrimRight(issuer, "/")

	if cached, found := d.cache.Get(issuer); found {
		return cached.(*DiscoveryDocument), nil
	}

	wellKnown := issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document for %s is missing required endpoints", issuer)
	}

	d.cache.Set(issuer, &doc, d.cacheTTL)
	return &doc, nil
}

// EnsureEndpoints returns a provider config whose authorization and token
// endpoints are usable. When autoDiscovery is on and either is missing, it
// discovers them and idempotently persists the result. Discovery failures
// are logged and the static config is returned unchanged; callers fail
// closed if a required endpoint is still absent.
func (d *DiscoveryResolver) EnsureEndpoints(ctx context.Context, provider *ProviderConfig) *ProviderConfig {
	if !provider.AutoDiscovery {
		return provider
	}
	if provider.Endpoints.Authorization != "" && provider.Endpoints.Token != "" {
		return provider
	}

	doc, err := d.Discover(ctx, provider.Issuer())
	if err != nil {
		d.logger.Error().Err(err).Str("provider", provider.ID).Msg("discovery failed, falling back to static endpoints")
		return provider
	}

	updated := *provider
	updated.Endpoints = mergeEndpoints(provider.Endpoints, doc.Endpoints())

	if updated.Endpoints != provider.Endpoints {
		if err := d.registry.SaveEndpoints(ctx, provider.ID, updated.Endpoints); err != nil {
			d.logger.Error().Err(err).Str("provider", provider.ID).Msg("failed to persist discovered endpoints")
		}
	}
	return &updated
}

// mergeEndpoints fills only the gaps: statically configured endpoints always
// win over discovered ones.
func mergeEndpoints(static, discovered ProviderEndpoints) ProviderEndpoints {
	merged := static
	if merged.Authorization == "" {
		merged.Authorization = discovered.Authorization
	}
	if merged.Token == "" {
		merged.Token = discovered.Token
	}
	if merged.UserInfo == "" {
		merged.UserInfo = discovered.UserInfo
	}
	if merged.JWKS == "" {
		merged.JWKS = discovered.JWKS
	}
	if merged.Introspection == "" {
		merged.Introspection = discovered.Introspection
	}
	return merged
}

// Close releases the resolver's cache resources.
func (d *DiscoveryResolver) Close() {
	d.cache.Close()
}
