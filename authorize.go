package dynamicoidc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CallbackPath is the fixed, provider-agnostic redirect URI path. Providers
// are registered with exactly one redirect URI; the provider id travels
// inside the signed state, never in the redirect URI.
const CallbackPath = "/auth/dynamic-oidc/callback"

// AuthorizationInitiator builds provider authorization URLs for the
// Authorization Code flow with PKCE.
type AuthorizationInitiator struct {
	registry  *ProviderRegistry
	discovery *DiscoveryResolver
	states    *StateCodec
	baseURL   string
	logger    zerolog.Logger
}

// NewAuthorizationInitiator creates an initiator. baseURL is the externally
// reachable origin of this application, without a trailing slash.
func NewAuthorizationInitiator(registry *ProviderRegistry, discovery *DiscoveryResolver, states *StateCodec, baseURL string, logger zerolog.Logger) *AuthorizationInitiator {
	return &AuthorizationInitiator{
		registry:  registry,
		discovery: discovery,
		states:    states,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With().Str("component", "authorize").Logger(),
	}
}

// BuildAuthorizationURL resolves the provider, generates PKCE and nonce
// material, signs the state token, and composes the authorization URL.
// returnURL must already be validated by the redirect guard. Returns
// ErrNotFound for an unknown or disabled provider and ErrEndpointUnavailable
// when no authorization endpoint can be resolved.
func (a *AuthorizationInitiator) BuildAuthorizationURL(ctx context.Context, providerID, returnURL, loginHint string) (string, error) {
	provider, err := a.registry.Get(ctx, providerID)
	if err != nil {
		return "", err
	}
	provider = a.discovery.EnsureEndpoints(ctx, provider)
	if provider.Endpoints.Authorization == "" {
		return "", fmt.Errorf("%w: no authorization endpoint for provider %s", ErrEndpointUnavailable, providerID)
	}

	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return "", err
	}
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	state, err := a.states.Sign(&AuthorizationState{
		ProviderID:   providerID,
		CodeVerifier: codeVerifier,
		Nonce:        nonce,
		CSRF:         uuid.NewString(),
		IssuedAt:     time.Now().Unix(),
		ReturnURL:    ValidateReturnURL(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization state: %w", err)
	}

	params := url.Values{}
	params.Set("client_id", provider.ClientID)
	params.Set("redirect_uri", a.baseURL+CallbackPath)
	params.Set("response_type", "code")
	params.Set("scope", providerScopes(provider))
	params.Set("state", state)
	params.Set("code_challenge", deriveCodeChallenge(codeVerifier))
	params.Set("code_challenge_method", "S256")
	params.Set("nonce", nonce)
	params.Set("prompt", providerPrompt(provider))
	if provider.Audience != "" {
		params.Set("audience", provider.Audience)
	}
	if loginHint != "" {
		params.Set("login_hint", loginHint)
	}

	authURL, err := url.Parse(provider.Endpoints.Authorization)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint for provider %s: %w", providerID, err)
	}
	authURL.RawQuery = params.Encode()

	a.logger.Debug().Str("provider", providerID).Msg("built authorization URL")
	return authURL.String(), nil
}

func providerScopes(provider *ProviderConfig) string {
	if len(provider.Scopes) == 0 {
		return "openid email profile"
	}
	return strings.Join(provider.Scopes, " ")
}

// providerPrompt defaults to "login": re-authentication is forced even when
// the provider holds an active session. Operators opt out per provider.
func providerPrompt(provider *ProviderConfig) string {
	if provider.Prompt != "" {
		return provider.Prompt
	}
	return "login"
}
