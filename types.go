// Package dynamicoidc implements a runtime-configurable OpenID Connect
// authentication subsystem. Operators register arbitrary external identity
// providers while the application is running; end users authenticate against
// any of them through the Authorization Code flow with PKCE, after which the
// subsystem maintains a renewable, sealed session cookie and validates bearer
// tokens on subsequent API calls.
package dynamicoidc

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LoginProviderPrefix tags users and sessions created through this subsystem.
// The full tag is "dynamic-oidc/<providerID>".
const LoginProviderPrefix = "dynamic-oidc/"

// ErrNotFound is returned by Store implementations and by the ProviderRegistry
// when a record does not exist or a provider is disabled.
var ErrNotFound = errors.New("not found")

// ErrEndpointUnavailable is returned when a required provider endpoint is
// neither statically configured nor discoverable.
var ErrEndpointUnavailable = errors.New("provider endpoint unavailable")

// ClaimMappings names the claims a provider uses for identity attributes.
// Empty fields fall back to the standard claim names at extraction time.
type ClaimMappings struct {
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// ProviderEndpoints holds the statically configured or discovered endpoint
// URLs of a provider. Any field may be empty; discovery fills the gaps when
// the provider has AutoDiscovery enabled.
type ProviderEndpoints struct {
	Authorization string `json:"authorization,omitempty" yaml:"authorization,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	UserInfo      string `json:"userInfo,omitempty" yaml:"userInfo,omitempty"`
	JWKS          string `json:"jwks,omitempty" yaml:"jwks,omitempty"`
	Introspection string `json:"introspection,omitempty" yaml:"introspection,omitempty"`
}

// ProviderConfig is the per-tenant OIDC provider configuration. It is created
// and edited by an administrator outside this subsystem and is read-only here.
// ClientSecret is secret material and must never be logged.
type ProviderConfig struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	IssuerURL     string            `json:"issuerUrl" yaml:"issuerUrl"`
	ClientID      string            `json:"clientId" yaml:"clientId"`
	ClientSecret  string            `json:"clientSecret" yaml:"clientSecret"`
	Scopes        []string          `json:"scopes" yaml:"scopes"`
	ClaimMappings ClaimMappings     `json:"claimMappings" yaml:"claimMappings"`
	Endpoints     ProviderEndpoints `json:"endpoints" yaml:"endpoints"`
	AutoDiscovery bool              `json:"autoDiscovery" yaml:"autoDiscovery"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Prompt        string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Audience      string            `json:"audience,omitempty" yaml:"audience,omitempty"`

	// EmailDomains lists the email domains whose users sign in through this
	// provider. Used by the check-email endpoint to pick the login flow.
	EmailDomains []string `json:"emailDomains,omitempty" yaml:"emailDomains,omitempty"`
}

// Issuer returns the issuer URL with any trailing slash removed.
func (p *ProviderConfig) Issuer() string {
	return strings.TrimRight(p.IssuerURL, "/")
}

// LoginProvider returns the login-provider tag for this provider.
func (p *ProviderConfig) LoginProvider() string {
	return LoginProviderPrefix + p.ID
}

// OidcTokens is the token set obtained from a provider. It is owned
// exclusively by the Session and leaves the process only inside the sealed
// session cookie.
type OidcTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Session is the authenticated-user state sealed into the session cookie.
// It is created once at a successful callback and mutated only by renewal,
// which replaces Tokens and refreshes IssuedAt/ExpiresAt.
type Session struct {
	UserID        string     `json:"userId"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	LoginProvider string     `json:"loginProvider"`
	ExternalID    string     `json:"externalId"`
	ProviderID    string     `json:"providerId"`
	IssuedAt      time.Time  `json:"issuedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	Tokens        OidcTokens `json:"tokens"`
}

// Expired reports whether the session itself has passed its absolute expiry.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.After(time.Now())
}

// WorkspaceAccessGroup binds a provider (and optionally a group-claim value)
// to a workspace. A rule with AllowAllUsers grants every authenticated user
// of the provider access to the workspace; otherwise the user's group claims
// must contain GroupValue.
type WorkspaceAccessGroup struct {
	ID            string `json:"id"`
	ProviderID    string `json:"providerId"`
	WorkspaceID   string `json:"workspaceId"`
	GroupValue    string `json:"groupValue,omitempty"`
	AllowAllUsers bool   `json:"allowAllUsers"`
}

// User is the application user record upserted on login. Users are keyed by
// (ExternalID, LoginProvider); the same subject arriving through a different
// provider yields a distinct user.
type User struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"externalId"`
	LoginProvider string    `json:"loginProvider"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store is the persistent-store contract this subsystem consumes. Provider
// configs and access groups are read-only here apart from the idempotent
// endpoint backfill performed after discovery.
type Store interface {
	// GetProvider returns the provider config regardless of its enabled flag,
	// or ErrNotFound. Enabled filtering happens in the ProviderRegistry.
	GetProvider(ctx context.Context, id string) (*ProviderConfig, error)

	// SaveProviderEndpoints persists discovered endpoints onto an existing
	// provider config. Missing provider yields ErrNotFound.
	SaveProviderEndpoints(ctx context.Context, id string, endpoints ProviderEndpoints) error

	// ListAccessGroups returns all workspace access groups bound to a provider.
	ListAccessGroups(ctx context.Context, providerID string) ([]WorkspaceAccessGroup, error)

	// UpsertUser creates or updates a user keyed by (ExternalID, LoginProvider)
	// and returns the stored record with its identity populated.
	UpsertUser(ctx context.Context, user *User) (*User, error)

	// FindProviderByEmailDomain resolves an email domain to the provider that
	// handles it, or ErrNotFound.
	FindProviderByEmailDomain(ctx context.Context, domain string) (*ProviderConfig, error)
}
