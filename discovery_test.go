package dynamicoidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDiscoveryServer serves a well-known document derived from its own URL.
func newDiscoveryServer(t *testing.T, requests *atomic.Int64, mutate func(*DiscoveryDocument)) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		doc := DiscoveryDocument{
			Issuer:                server.URL,
			AuthorizationEndpoint: server.URL + "/authorize",
			TokenEndpoint:         server.URL + "/token",
			UserInfoEndpoint:      server.URL + "/userinfo",
			JWKSURI:               server.URL + "/jwks",
			IntrospectionEndpoint: server.URL + "/introspect",
		}
		if mutate != nil {
			mutate(&doc)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestResolver(t *testing.T) (*DiscoveryResolver, *ProviderRegistry, *RedisStore) {
	t.Helper()
	registry, store := newTestRegistry(t)
	resolver := NewDiscoveryResolver(registry, http.DefaultClient, 5*time.Minute, testLogger())
	t.Cleanup(resolver.Close)
	return resolver, registry, store
}

func TestDiscover(t *testing.T) {
	var requests atomic.Int64
	server := newDiscoveryServer(t, &requests, nil)
	resolver, _, _ := newTestResolver(t)

	doc, err := resolver.Discover(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, server.URL+"/token", doc.TokenEndpoint)
	assert.Equal(t, server.URL+"/jwks", doc.JWKSURI)

	// Second call is served from cache; trailing slashes normalize to the
	// same entry.
	_, err = resolver.Discover(context.Background(), server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())
}

func TestDiscoverMissingRequiredEndpoints(t *testing.T) {
	server := newDiscoveryServer(t, nil, func(doc *DiscoveryDocument) {
		doc.TokenEndpoint = ""
	})
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Discover(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required endpoints")
}

func TestDiscoverUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Discover(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestEnsureEndpointsBackfills(t *testing.T) {
	server := newDiscoveryServer(t, nil, nil)
	resolver, registry, store := newTestResolver(t)

	provider := testProvider("acme")
	provider.IssuerURL = server.URL
	provider.AutoDiscovery = true
	mustSaveProvider(t, store, provider)

	loaded, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)

	resolved := resolver.EnsureEndpoints(context.Background(), loaded)
	assert.Equal(t, server.URL+"/authorize", resolved.Endpoints.Authorization)
	assert.Equal(t, server.URL+"/token", resolved.Endpoints.Token)

	// Discovered endpoints were persisted: a fresh store read has them.
	stored, err := store.GetProvider(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, resolved.Endpoints, stored.Endpoints)
}

func TestEnsureEndpointsStaticWins(t *testing.T) {
	server := newDiscoveryServer(t, nil, nil)
	resolver, _, _ := newTestResolver(t)

	provider := testProvider("acme")
	provider.IssuerURL = server.URL
	provider.AutoDiscovery = true
	provider.Endpoints.Authorization = "https://static.example.com/authorize"

	resolved := resolver.EnsureEndpoints(context.Background(), provider)
	assert.Equal(t, "https://static.example.com/authorize", resolved.Endpoints.Authorization)
	assert.Equal(t, server.URL+"/token", resolved.Endpoints.Token)
}

func TestEnsureEndpointsSkipsWithoutAutoDiscovery(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	provider := testProvider("acme")
	provider.AutoDiscovery = false

	resolved := resolver.EnsureEndpoints(context.Background(), provider)
	assert.Same(t, provider, resolved)
}

func TestEnsureEndpointsSkipsWhenComplete(t *testing.T) {
	var requests atomic.Int64
	server := newDiscoveryServer(t, &requests, nil)
	resolver, _, _ := newTestResolver(t)

	provider := testProvider("acme")
	provider.IssuerURL = server.URL
	provider.AutoDiscovery = true
	provider.Endpoints.Authorization = "https://static.example.com/authorize"
	provider.Endpoints.Token = "https://static.example.com/token"

	resolved := resolver.EnsureEndpoints(context.Background(), provider)
	assert.Same(t, provider, resolved)
	assert.Equal(t, int64(0), requests.Load())
}

func TestEnsureEndpointsDiscoveryFailureFallsBack(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	provider := testProvider("acme")
	provider.IssuerURL = "http://127.0.0.1:1" // nothing listening
	provider.AutoDiscovery = true

	resolved := resolver.EnsureEndpoints(context.Background(), provider)
	assert.Equal(t, provider.Endpoints, resolved.Endpoints)
}
