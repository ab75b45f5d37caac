package dynamicoidc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Provider configs and access groups are written by the
// admin console; this subsystem only reads them, except for the endpoint
// backfill after discovery and the user upsert on login.
const (
	keyProvider       = "oidc:provider:"        // + providerID -> ProviderConfig JSON
	keyProviderDomain = "oidc:provider-domain:" // + domain -> providerID
	keyAccessGroups   = "oidc:access-groups:"   // + providerID -> []WorkspaceAccessGroup JSON
	keyUser           = "oidc:user:"            // + loginProvider + ":" + externalID -> User JSON
)

// RedisStore is the Redis-backed persistent store.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// GetProvider implements Store.
func (s *RedisStore) GetProvider(ctx context.Context, id string) (*ProviderConfig, error) {
	data, err := s.client.Get(ctx, keyProvider+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", id, err)
	}

	var provider ProviderConfig
	if err := json.Unmarshal(data, &provider); err != nil {
		return nil, fmt.Errorf("failed to decode provider %s: %w", id, err)
	}
	return &provider, nil
}

// SaveProvider stores a full provider config and indexes its email domains.
// Used by the surrounding console and by tests; this subsystem itself only
// calls SaveProviderEndpoints.
func (s *RedisStore) SaveProvider(ctx context.Context, provider *ProviderConfig) error {
	data, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("failed to encode provider %s: %w", provider.ID, err)
	}
	if err := s.client.Set(ctx, keyProvider+provider.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store provider %s: %w", provider.ID, err)
	}
	for _, domain := range provider.EmailDomains {
		domain = strings.ToLower(domain)
		if err := s.client.Set(ctx, keyProviderDomain+domain, provider.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index domain %s: %w", domain, err)
		}
	}
	return nil
}

// SaveProviderEndpoints implements Store. It merges discovered endpoints into
// the stored config without touching other fields, so repeated discovery of
// an unchanged document is a no-op update.
func (s *RedisStore) SaveProviderEndpoints(ctx context.Context, id string, endpoints ProviderEndpoints) error {
	provider, err := s.GetProvider(ctx, id)
	if err != nil {
		return err
	}
	provider.Endpoints = endpoints
	data, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("failed to encode provider %s: %w", id, err)
	}
	if err := s.client.Set(ctx, keyProvider+id, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store provider %s: %w", id, err)
	}
	return nil
}

// ListAccessGroups implements Store.
func (s *RedisStore) ListAccessGroups(ctx context.Context, providerID string) ([]WorkspaceAccessGroup, error) {
	data, err := s.client.Get(ctx, keyAccessGroups+providerID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access groups for %s: %w", providerID, err)
	}

	var groups []WorkspaceAccessGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode access groups for %s: %w", providerID, err)
	}
	return groups, nil
}

// SaveAccessGroups stores the access-group rules for a provider. Console/test
// helper, not part of the Store contract.
func (s *RedisStore) SaveAccessGroups(ctx context.Context, providerID string, groups []WorkspaceAccessGroup) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("failed to encode access groups: %w", err)
	}
	return s.client.Set(ctx, keyAccessGroups+providerID, data, 0).Err()
}

// UpsertUser implements Store. Existing users keep their id and creation
// time; email and name are refreshed from the latest login.
func (s *RedisStore) UpsertUser(ctx context.Context, user *User) (*User, error) {
	key := keyUser + user.LoginProvider + ":" + user.ExternalID
	now := time.Now().UTC()

	stored := *user
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		stored.ID = uuid.NewString()
		stored.CreatedAt = now
	case err != nil:
		return nil, fmt.Errorf("failed to load user: %w", err)
	default:
		var existing User
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, fmt.Errorf("failed to decode user: %w", err)
		}
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	stored.UpdatedAt = now

	encoded, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to store user: %w", err)
	}
	return &stored, nil
}

// FindProviderByEmailDomain implements Store.
func (s *RedisStore) FindProviderByEmailDomain(ctx context.Context, domain string) (*ProviderConfig, error) {
	id, err := s.client.Get(ctx, keyProviderDomain+strings.ToLower(domain)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain %s: %w", domain, err)
	}
	return s.GetProvider(ctx, id)
}
