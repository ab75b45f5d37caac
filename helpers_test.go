package dynamicoidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// newTestStore spins up a miniredis-backed store for the test's lifetime.
func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func testProvider(id string) *ProviderConfig {
	return &ProviderConfig{
		ID:           id,
		Name:         "Test Provider",
		IssuerURL:    "https://idp.example.com",
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Enabled:      true,
	}
}

func mustSaveProvider(t *testing.T, store *RedisStore, provider *ProviderConfig) {
	t.Helper()
	require.NoError(t, store.SaveProvider(context.Background(), provider))
}

// testSigningKey generates an RSA keypair and its JWKS document.
func testSigningKey(t *testing.T, kid string) (*rsa.PrivateKey, jwkSet) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	set := jwkSet{Keys: []JWK{{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	return key, set
}

// signTestJWT mints an RS256 token with the given claims and key id.
func signTestJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func futureUnix(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}
