package dynamicoidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxJWKSKeys caps the number of keys accepted from a single JWKS document.
// Providers rotating keys keep a handful live; anything beyond this is a
// misbehaving or hostile endpoint.
const maxJWKSKeys = 50

// JWK is a JSON Web Key (RFC 7517), RSA and EC key types only. Symmetric
// keys are never accepted for externally issued tokens.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	// RSA parameters
	N string `json:"n"`
	E string `json:"e"`

	// EC parameters
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []JWK `json:"keys"`
}

// JWKSCache caches parsed signing keys per JWKS endpoint with a short TTL
// and rate-limits upstream fetches so a burst of tokens with unknown key ids
// cannot hammer the provider.
type JWKSCache struct {
	httpClient *http.Client
	cache      *Cache
	ttl        time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewJWKSCache creates a cache holding key sets for ttl per JWKS URI.
func NewJWKSCache(httpClient *http.Client, ttl time.Duration, logger zerolog.Logger) *JWKSCache {
	return &JWKSCache{
		httpClient: httpClient,
		cache:      NewCache(128),
		ttl:        ttl,
		logger:     logger.With().Str("component", "jwks").Logger(),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SigningKey returns the public key for kid from the key set at jwksURI,
// fetching and caching the set as needed.
func (c *JWKSCache) SigningKey(ctx context.Context, jwksURI, kid string) (crypto.PublicKey, error) {
	if cached, found := c.cache.Get(jwksURI); found {
		keys := cached.(map[string]crypto.PublicKey)
		if key, ok := keys[kid]; ok {
			return key, nil
		}
		// Unknown kid with a warm cache usually means key rotation;
		// fall through to a (rate-limited) refetch.
	}

	if !c.limiter(jwksURI).Allow() {
		return nil, fmt.Errorf("JWKS fetch for %s rate limited", jwksURI)
	}

	keys, err := c.fetch(ctx, jwksURI)
	if err != nil {
		return nil, err
	}
	c.cache.Set(jwksURI, keys, c.ttl)

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

// Close releases the cache resources.
func (c *JWKSCache) Close() {
	c.cache.Close()
}

// limiter returns the per-URI fetch limiter: one fetch per 10 seconds with a
// small burst for cold starts.
func (c *JWKSCache) limiter(jwksURI string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[jwksURI]
	if !ok {
		l = rate.NewLimiter(rate.Every(10*time.Second), 3)
		c.limiters[jwksURI] = l
	}
	return l
}

func (c *JWKSCache) fetch(ctx context.Context, jwksURI string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("JWKS response contains no keys")
	}
	if len(set.Keys) > maxJWKSKeys {
		c.logger.Error().Str("jwksUri", jwksURI).Int("keys", len(set.Keys)).Msg("JWKS key set truncated")
		set.Keys = set.Keys[:maxJWKSKeys]
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		key, err := jwk.PublicKey()
		if err != nil {
			c.logger.Debug().Str("kid", jwk.Kid).Err(err).Msg("skipping unusable JWK")
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS response contains no usable signing keys")
	}
	return keys, nil
}

// PublicKey converts the JWK into a crypto.PublicKey.
func (k *JWK) PublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecPublicKey()
	default:
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
}

func (k *JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWK 'n' parameter: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWK 'e' parameter: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (k *JWK) ecPublicKey() (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWK 'x' parameter: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWK 'y' parameter: %w", err)
	}

	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported elliptic curve: %s", k.Crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
