package dynamicoidc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*ProviderRegistry, *RedisStore) {
	t.Helper()
	store := newTestStore(t)
	registry := NewProviderRegistry(store, 5*time.Minute, testLogger())
	t.Cleanup(registry.Close)
	return registry, store
}

func TestRegistryGet(t *testing.T) {
	registry, store := newTestRegistry(t)
	mustSaveProvider(t, store, testProvider("acme"))

	provider, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", provider.ID)
	assert.Equal(t, "test-client", provider.ClientID)
}

func TestRegistryGetMissing(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryGetDisabled(t *testing.T) {
	registry, store := newTestRegistry(t)
	disabled := testProvider("acme")
	disabled.Enabled = false
	mustSaveProvider(t, store, disabled)

	_, err := registry.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrNotFound)

	// The disabled state is cached too.
	_, err = registry.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCachesUntilTTL(t *testing.T) {
	registry, store := newTestRegistry(t)
	mustSaveProvider(t, store, testProvider("acme"))

	first, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)

	// A store update is invisible until the cache entry expires or is
	// invalidated.
	updated := testProvider("acme")
	updated.Name = "Renamed"
	mustSaveProvider(t, store, updated)

	cached, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, first.Name, cached.Name)

	registry.Invalidate("acme")
	fresh, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", fresh.Name)
}

func TestRegistryFindByEmail(t *testing.T) {
	registry, store := newTestRegistry(t)
	provider := testProvider("acme")
	provider.EmailDomains = []string{"acme.example.com"}
	mustSaveProvider(t, store, provider)

	found, err := registry.FindByEmail(context.Background(), "alice@acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", found.ID)

	// Domain match is case-insensitive.
	found, err = registry.FindByEmail(context.Background(), "alice@ACME.example.COM")
	require.NoError(t, err)
	assert.Equal(t, "acme", found.ID)
}

func TestRegistryFindByEmailUnknownDomain(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.FindByEmail(context.Background(), "alice@unknown.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryFindByEmailMalformed(t *testing.T) {
	registry, _ := newTestRegistry(t)

	for _, email := range []string{"", "no-at-sign", "trailing@"} {
		_, err := registry.FindByEmail(context.Background(), email)
		assert.ErrorIs(t, err, ErrNotFound, "email %q", email)
	}
}

func TestRegistryFindByEmailDisabledProvider(t *testing.T) {
	registry, store := newTestRegistry(t)
	provider := testProvider("acme")
	provider.Enabled = false
	provider.EmailDomains = []string{"acme.example.com"}
	mustSaveProvider(t, store, provider)

	_, err := registry.FindByEmail(context.Background(), "alice@acme.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySaveEndpoints(t *testing.T) {
	registry, store := newTestRegistry(t)
	mustSaveProvider(t, store, testProvider("acme"))

	// Warm the cache, then persist endpoints; the next read must see them.
	_, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)

	endpoints := ProviderEndpoints{
		Authorization: "https://idp.example.com/authorize",
		Token:         "https://idp.example.com/token",
	}
	require.NoError(t, registry.SaveEndpoints(context.Background(), "acme", endpoints))

	provider, err := registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, endpoints, provider.Endpoints)
}
