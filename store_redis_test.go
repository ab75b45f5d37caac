package dynamicoidc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreProviderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	provider := testProvider("acme")
	provider.Scopes = []string{"openid", "email"}
	require.NoError(t, store.SaveProvider(ctx, provider))

	got, err := store.GetProvider(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, provider.ClientID, got.ClientID)
	assert.Equal(t, provider.Scopes, got.Scopes)

	_, err = store.GetProvider(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreSaveProviderEndpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSaveProvider(t, store, testProvider("acme"))

	endpoints := ProviderEndpoints{
		Authorization: "https://idp.example.com/authorize",
		Token:         "https://idp.example.com/token",
	}
	require.NoError(t, store.SaveProviderEndpoints(ctx, "acme", endpoints))
	// Writing the same endpoints again is a harmless no-op update.
	require.NoError(t, store.SaveProviderEndpoints(ctx, "acme", endpoints))

	got, err := store.GetProvider(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, endpoints, got.Endpoints)
	// Other fields survive the endpoint update.
	assert.Equal(t, "test-client", got.ClientID)
	assert.True(t, got.Enabled)

	err = store.SaveProviderEndpoints(ctx, "missing", endpoints)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreAccessGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No rules configured reads as an empty set, not an error.
	groups, err := store.ListAccessGroups(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, groups)

	want := []WorkspaceAccessGroup{
		{ID: "g1", ProviderID: "acme", WorkspaceID: "ws-1", AllowAllUsers: true},
		{ID: "g2", ProviderID: "acme", WorkspaceID: "ws-2", GroupValue: "engineering"},
	}
	require.NoError(t, store.SaveAccessGroups(ctx, "acme", want))

	groups, err = store.ListAccessGroups(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, want, groups)
}

func TestRedisStoreUpsertUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.UpsertUser(ctx, &User{
		ExternalID:    "subject-1",
		LoginProvider: "dynamic-oidc/acme",
		Email:         "alice@acme.example.com",
		Name:          "Alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	// The same subject keeps its identity; profile fields refresh.
	updated, err := store.UpsertUser(ctx, &User{
		ExternalID:    "subject-1",
		LoginProvider: "dynamic-oidc/acme",
		Email:         "alice@acme.example.com",
		Name:          "Alice Renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "Alice Renamed", updated.Name)

	// The same subject through a different provider is a distinct user.
	other, err := store.UpsertUser(ctx, &User{
		ExternalID:    "subject-1",
		LoginProvider: "dynamic-oidc/other",
		Email:         "alice@acme.example.com",
		Name:          "Alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func TestRedisStoreFindProviderByEmailDomain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	provider := testProvider("acme")
	provider.EmailDomains = []string{"Acme.Example.Com"}
	mustSaveProvider(t, store, provider)

	got, err := store.FindProviderByEmailDomain(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	_, err = store.FindProviderByEmailDomain(ctx, "unknown.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
