package dynamicoidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenExchanger trades authorization codes and refresh tokens for token
// sets at the provider's token endpoint, authenticating with client-secret
// basic auth.
type TokenExchanger struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewTokenExchanger creates an exchanger using httpClient for all outbound
// token-endpoint calls.
func NewTokenExchanger(httpClient *http.Client, logger zerolog.Logger) *TokenExchanger {
	return &TokenExchanger{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "token-exchange").Logger(),
	}
}

// Exchange performs the authorization_code grant with the PKCE verifier.
func (e *TokenExchanger) Exchange(ctx context.Context, provider *ProviderConfig, code, redirectURI, codeVerifier string) (*OidcTokens, error) {
	if provider.Endpoints.Token == "" {
		return nil, fmt.Errorf("%w: no token endpoint for provider %s", ErrEndpointUnavailable, provider.ID)
	}

	cfg := e.oauthConfig(provider, redirectURI)
	tok, err := cfg.Exchange(e.clientContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tokensFromOAuth2(tok), nil
}

// Refresh performs the refresh_token grant. When the provider rotates the
// refresh token the new one is returned; otherwise the original is kept.
func (e *TokenExchanger) Refresh(ctx context.Context, provider *ProviderConfig, refreshToken string) (*OidcTokens, error) {
	if provider.Endpoints.Token == "" {
		return nil, fmt.Errorf("%w: no token endpoint for provider %s", ErrEndpointUnavailable, provider.ID)
	}

	cfg := e.oauthConfig(provider, "")
	source := cfg.TokenSource(e.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	tokens := tokensFromOAuth2(tok)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (e *TokenExchanger) oauthConfig(provider *ProviderConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   provider.Endpoints.Authorization,
			TokenURL:  provider.Endpoints.Token,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// clientContext injects our HTTP client (with its timeout) into the oauth2
// library, which otherwise uses http.DefaultClient.
func (e *TokenExchanger) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func tokensFromOAuth2(tok *oauth2.Token) *OidcTokens {
	tokens := &OidcTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if tokens.ExpiresAt.IsZero() {
		// Providers that omit expires_in get a conservative default.
		tokens.ExpiresAt = time.Now().Add(time.Hour)
	}
	return tokens
}
