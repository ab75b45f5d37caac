package dynamicoidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// allowedSigningAlgs is the allow-list for externally issued JWTs. Symmetric
// algorithms and "none" are never acceptable: the verification key would be
// the shared client secret, which any tenant of the provider could use to
// mint tokens.
var allowedSigningAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Verification-cache TTL bounds: the floor avoids a thundering herd of
// introspection calls, the ceiling bounds staleness after revocation.
const (
	verifyCacheMinTTL     = 30 * time.Second
	verifyCacheMaxTTL     = 5 * time.Minute
	verifyCacheDefaultTTL = time.Minute
)

// VerificationResult is the structured outcome of a token verification.
// Callers must treat Valid==false identically whether the token was rejected
// or the provider was unreachable: deny, never fail open.
type VerificationResult struct {
	Valid  bool
	Claims map[string]any
	Error  string
}

// TokenVerifier validates presented access tokens for a provider, choosing
// JWKS signature verification for JWTs and RFC 7662 introspection for opaque
// tokens. Both paths cache per (provider, token fingerprint) with a TTL
// capped by the token's own remaining lifetime. Verification never mutates
// the session.
type TokenVerifier struct {
	registry   *ProviderRegistry
	discovery  *DiscoveryResolver
	jwks       *JWKSCache
	httpClient *http.Client
	cache      *Cache
	logger     zerolog.Logger
}

// NewTokenVerifier creates a verifier with its own verification cache.
func NewTokenVerifier(registry *ProviderRegistry, discovery *DiscoveryResolver, jwks *JWKSCache, httpClient *http.Client, logger zerolog.Logger) *TokenVerifier {
	return &TokenVerifier{
		registry:   registry,
		discovery:  discovery,
		jwks:       jwks,
		httpClient: httpClient,
		cache:      NewCache(4096),
		logger:     logger.With().Str("component", "token-verifier").Logger(),
	}
}

// Verify validates token against providerID's verification material.
func (v *TokenVerifier) Verify(ctx context.Context, providerID, token string) *VerificationResult {
	if token == "" {
		return &VerificationResult{Valid: false, Error: "empty token"}
	}

	cacheKey := providerID + ":" + tokenFingerprint(token)
	if cached, found := v.cache.Get(cacheKey); found {
		return cached.(*VerificationResult)
	}

	provider, err := v.registry.Get(ctx, providerID)
	if err != nil {
		// Provider unavailable and provider unknown both deny.
		return &VerificationResult{Valid: false, Error: "provider not available"}
	}
	provider = v.discovery.EnsureEndpoints(ctx, provider)

	var result *VerificationResult
	if isJWT(token) {
		result = v.verifyJWT(ctx, provider, token)
	} else {
		result = v.verifyOpaque(ctx, provider, token)
	}

	v.cache.Set(cacheKey, result, verificationTTL(result.Claims))
	return result
}

// Close releases the verifier's cache resources.
func (v *TokenVerifier) Close() {
	v.cache.Close()
}

// verifyJWT checks signature (via the provider's JWKS), issuer, optional
// audience, and expiry.
func (v *TokenVerifier) verifyJWT(ctx context.Context, provider *ProviderConfig, token string) *VerificationResult {
	jwksURI := provider.Endpoints.JWKS
	if jwksURI == "" {
		if doc, err := v.discovery.Discover(ctx, provider.Issuer()); err == nil {
			jwksURI = doc.JWKSURI
		}
	}
	if jwksURI == "" {
		return &VerificationResult{Valid: false, Error: "no JWKS endpoint available"}
	}

	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.jwks.SigningKey(ctx, jwksURI, kid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(allowedSigningAlgs),
		jwt.WithIssuer(provider.Issuer()),
		jwt.WithExpirationRequired(),
	)

	parsed, err := parser.Parse(token, keyfunc)
	if err != nil {
		v.logger.Debug().Str("provider", provider.ID).Err(err).Msg("JWT verification failed")
		return &VerificationResult{Valid: false, Error: "token verification failed"}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return &VerificationResult{Valid: false, Error: "unexpected claims format"}
	}

	if provider.Audience != "" && !audienceContains(claims["aud"], provider.Audience) {
		return &VerificationResult{Valid: false, Error: "audience mismatch"}
	}

	return &VerificationResult{Valid: true, Claims: map[string]any(claims)}
}

// verifyOpaque introspects the token at the provider's introspection
// endpoint with client-credentials basic auth.
func (v *TokenVerifier) verifyOpaque(ctx context.Context, provider *ProviderConfig, token string) *VerificationResult {
	endpoint := provider.Endpoints.Introspection
	if endpoint == "" {
		if doc, err := v.discovery.Discover(ctx, provider.Issuer()); err == nil {
			endpoint = doc.IntrospectionEndpoint
		}
	}
	if endpoint == "" {
		return &VerificationResult{Valid: false, Error: "no introspection endpoint available"}
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &VerificationResult{Valid: false, Error: "introspection request failed"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(provider.ClientID, provider.ClientSecret)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Debug().Str("provider", provider.ID).Err(err).Msg("introspection request failed")
		return &VerificationResult{Valid: false, Error: "introspection request failed"}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &VerificationResult{Valid: false, Error: fmt.Sprintf("introspection endpoint returned status %d", resp.StatusCode)}
	}

	var introspection struct {
		Active bool           `json:"active"`
		Exp    int64          `json:"exp"`
		Extra  map[string]any `json:"-"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &VerificationResult{Valid: false, Error: "failed to read introspection response"}
	}
	if err := json.Unmarshal(body, &introspection); err != nil {
		return &VerificationResult{Valid: false, Error: "failed to decode introspection response"}
	}

	var claims map[string]any
	_ = json.Unmarshal(body, &claims)

	if !introspection.Active {
		return &VerificationResult{Valid: false, Error: "token is not active", Claims: claims}
	}
	if introspection.Exp > 0 && time.Now().After(time.Unix(introspection.Exp, 0)) {
		return &VerificationResult{Valid: false, Error: "token has expired", Claims: claims}
	}

	return &VerificationResult{Valid: true, Claims: claims}
}

// isJWT reports whether token looks like a JWT: three base64url segments
// with a decodable header naming an algorithm. Anything else is opaque.
func isJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return false
	}
	return header.Alg != ""
}

// tokenFingerprint returns a truncated SHA-256 digest of the token. Cache
// keys never hold the raw token, limiting exposure if the cache is dumped.
func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// verificationTTL derives the cache TTL from the token's remaining lifetime,
// clamped to [verifyCacheMinTTL, verifyCacheMaxTTL]. Unknown expiry gets the
// fixed default.
func verificationTTL(claims map[string]any) time.Duration {
	exp, ok := claimUnix(claims, "exp")
	if !ok {
		return verifyCacheDefaultTTL
	}
	remaining := time.Until(exp)
	ttl := remaining
	if ttl < verifyCacheMinTTL {
		ttl = verifyCacheMinTTL
	}
	if ttl > verifyCacheMaxTTL {
		ttl = verifyCacheMaxTTL
	}
	return ttl
}

func claimUnix(claims map[string]any, name string) (time.Time, bool) {
	if claims == nil {
		return time.Time{}, false
	}
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0), true
		}
	}
	return time.Time{}, false
}

// audienceContains handles both string and array "aud" claims.
func audienceContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expected {
				return true
			}
		}
	}
	return false
}
