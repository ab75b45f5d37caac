package dynamicoidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// CallbackParams are the query parameters the provider sends back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of a successful callback: the sealed-to-be
// session, the upserted user, the user's accessible workspaces, and the
// final redirect target.
type CallbackResult struct {
	Session      *Session
	User         *User
	WorkspaceIDs []string
	RedirectPath string
}

// CallbackProcessor runs the linear, fail-fast callback chain. Every failure
// is a typed *AuthError carrying a taxonomy code; the HTTP layer converts it
// into a sign-in redirect and never exposes raw provider internals.
type CallbackProcessor struct {
	registry   *ProviderRegistry
	discovery  *DiscoveryResolver
	states     *StateCodec
	exchanger  *TokenExchanger
	store      Store
	httpClient *http.Client
	baseURL    string
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// NewCallbackProcessor wires the processor. sessionTTL is the absolute
// session lifetime, independent of the shorter access-token expiry.
func NewCallbackProcessor(registry *ProviderRegistry, discovery *DiscoveryResolver, states *StateCodec, exchanger *TokenExchanger, store Store, httpClient *http.Client, baseURL string, sessionTTL time.Duration, logger zerolog.Logger) *CallbackProcessor {
	return &CallbackProcessor{
		registry:   registry,
		discovery:  discovery,
		states:     states,
		exchanger:  exchanger,
		store:      store,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessionTTL: sessionTTL,
		logger:     logger.With().Str("component", "callback").Logger(),
	}
}

// Process validates the callback, exchanges the code, verifies identity,
// evaluates workspace access, upserts the user, and builds the session.
// Nothing is persisted until the user upsert; an abandoned request leaves no
// partial state behind.
func (p *CallbackProcessor) Process(ctx context.Context, params CallbackParams) (*CallbackResult, *AuthError) {
	if params.Error != "" {
		p.logger.Error().Str("providerError", params.Error).Str("description", params.ErrorDescription).Msg("provider reported an authentication error")
		return nil, authErr(CodeAuthError, "the identity provider reported an error")
	}

	if params.Code == "" || params.State == "" {
		return nil, authErr(CodeMissingParams, "missing code or state parameter")
	}

	state, authError := p.states.Verify(params.State)
	if authError != nil {
		return nil, authError
	}
	// From here on failures can echo the validated return URL for a retry.
	fail := func(e *AuthError) (*CallbackResult, *AuthError) {
		e.CallbackURL = ValidateReturnURL(state.ReturnURL)
		return nil, e
	}

	provider, err := p.registry.Get(ctx, state.ProviderID)
	if err != nil {
		return fail(authErrWrap(CodeProviderNotFound, "identity provider is not available", err))
	}
	provider = p.discovery.EnsureEndpoints(ctx, provider)

	tokens, err := p.exchanger.Exchange(ctx, provider, params.Code, p.baseURL+CallbackPath, state.CodeVerifier)
	if err != nil {
		return fail(authErrWrap(CodeTokenExchangeFailed, "could not exchange authorization code", err))
	}

	claims, authError := p.resolveClaims(ctx, provider, state, tokens)
	if authError != nil {
		return fail(authError)
	}

	identity, authError := extractIdentity(provider, claims)
	if authError != nil {
		return fail(authError)
	}

	workspaceIDs, authError := p.accessibleWorkspaces(ctx, provider, identity.Groups)
	if authError != nil {
		return fail(authError)
	}

	user, err := p.store.UpsertUser(ctx, &User{
		ExternalID:    identity.Subject,
		LoginProvider: provider.LoginProvider(),
		Email:         identity.Email,
		Name:          identity.Name,
	})
	if err != nil {
		return fail(authErrWrap(CodeInternalError, "could not provision user", err))
	}

	now := time.Now()
	session := &Session{
		UserID:        user.ID,
		Email:         user.Email,
		Name:          user.Name,
		LoginProvider: provider.LoginProvider(),
		ExternalID:    user.ExternalID,
		ProviderID:    provider.ID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(p.sessionTTL),
		Tokens:        *tokens,
	}

	redirectPath := ValidateReturnURL(state.ReturnURL)
	if redirectPath == "" {
		redirectPath = workspacePath(workspaceIDs[0])
	}

	return &CallbackResult{
		Session:      session,
		User:         user,
		WorkspaceIDs: workspaceIDs,
		RedirectPath: redirectPath,
	}, nil
}

// resolveClaims obtains identity claims from the ID token when present,
// falling back to the userinfo endpoint.
func (p *CallbackProcessor) resolveClaims(ctx context.Context, provider *ProviderConfig, state *AuthorizationState, tokens *OidcTokens) (map[string]any, *AuthError) {
	if tokens.IDToken != "" {
		return validateIDToken(provider, state, tokens.IDToken)
	}
	if provider.Endpoints.UserInfo != "" {
		return p.fetchUserInfo(ctx, provider.Endpoints.UserInfo, tokens.AccessToken)
	}
	return nil, authErr(CodeNoUserInfo, "provider returned no identity information")
}

// validateIDToken decodes the ID token and checks issuer, audience, nonce,
// and expiry. The token arrived over the TLS-authenticated token exchange,
// so no separate signature check is performed here; each mismatch keeps its
// own taxonomy code so failures stay diagnosable.
func validateIDToken(provider *ProviderConfig, state *AuthorizationState, idToken string) (map[string]any, *AuthError) {
	parsed, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return nil, authErrWrap(CodeInvalidIDToken, "ID token is not decodable", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authErr(CodeInvalidIDToken, "ID token claims are not decodable")
	}

	issuer, _ := claims["iss"].(string)
	if strings.TrimRight(issuer, "/") != provider.Issuer() {
		return nil, authErr(CodeInvalidIssuer, "ID token issuer mismatch")
	}

	if !audienceContains(claims["aud"], provider.ClientID) {
		return nil, authErr(CodeInvalidAudience, "ID token audience mismatch")
	}

	if state.Nonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != state.Nonce {
			return nil, authErr(CodeInvalidNonce, "ID token nonce mismatch")
		}
	}

	exp, ok := claimUnix(claims, "exp")
	if !ok || !exp.After(time.Now()) {
		return nil, authErr(CodeTokenExpired, "ID token has expired")
	}

	return map[string]any(claims), nil
}

func (p *CallbackProcessor) fetchUserInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, *AuthError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, authErrWrap(CodeUserinfoFetchFailed, "could not fetch user info", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, authErrWrap(CodeUserinfoFetchFailed, "could not fetch user info", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, authErr(CodeUserinfoFetchFailed, fmt.Sprintf("userinfo endpoint returned status %d", resp.StatusCode))
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, authErrWrap(CodeUserinfoFetchFailed, "could not decode user info", err)
	}
	return claims, nil
}

// identity is the resolved user identity from claims.
type identity struct {
	Subject string
	Email   string
	Name    string
	Groups  []string
}

// extractIdentity applies the provider's claim mappings with their typed
// fallback chains: email falls back to "email", name to "name" then
// "preferred_username" then the email, groups to "groups" then empty.
func extractIdentity(provider *ProviderConfig, claims map[string]any) (*identity, *AuthError) {
	email := claimString(claims, provider.ClaimMappings.Email, "email")
	if email == "" {
		return nil, authErr(CodeNoEmail, "no email claim in identity response")
	}

	name := claimString(claims, provider.ClaimMappings.Name, "name", "preferred_username")
	if name == "" {
		name = email
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		subject = email
	}

	return &identity{
		Subject: subject,
		Email:   email,
		Name:    name,
		Groups:  claimStrings(claims, provider.ClaimMappings.Group, "groups"),
	}, nil
}

// accessibleWorkspaces evaluates the provider's access-group rules against
// the user's groups. Zero matches denies: a missing rule set never implies
// "no restriction".
func (p *CallbackProcessor) accessibleWorkspaces(ctx context.Context, provider *ProviderConfig, groups []string) ([]string, *AuthError) {
	rules, err := p.store.ListAccessGroups(ctx, provider.ID)
	if err != nil {
		return nil, authErrWrap(CodeInternalError, "could not evaluate workspace access", err)
	}

	memberOf := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		memberOf[g] = struct{}{}
	}

	var workspaceIDs []string
	seen := make(map[string]struct{})
	for _, rule := range rules {
		if !rule.AllowAllUsers {
			if _, ok := memberOf[rule.GroupValue]; !ok {
				continue
			}
		}
		if _, dup := seen[rule.WorkspaceID]; dup {
			continue
		}
		seen[rule.WorkspaceID] = struct{}{}
		workspaceIDs = append(workspaceIDs, rule.WorkspaceID)
	}

	if len(workspaceIDs) == 0 {
		return nil, authErr(CodeNoWorkspaceAccess, "no workspace grants access to this account")
	}
	return workspaceIDs, nil
}

func workspacePath(workspaceID string) string {
	return "/workspaces/" + workspaceID
}

// claimString returns the first non-empty string claim among names. Empty
// names (unset mappings) are skipped.
func claimString(claims map[string]any, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if value, ok := claims[name].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// claimStrings returns the first claim among names that decodes to a string
// list. A bare string claim is treated as a single-element list.
func claimStrings(claims map[string]any, names ...string) []string {
	for _, name := range names {
		if name == "" {
			continue
		}
		switch value := claims[name].(type) {
		case []any:
			out := make([]string, 0, len(value))
			for _, entry := range value {
				if s, ok := entry.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return value
		case string:
			if value != "" {
				return []string{value}
			}
		}
	}
	return nil
}
