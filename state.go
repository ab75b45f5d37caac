package dynamicoidc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// stateMaxAge bounds replay of an authorization state token. The state is not
// persisted server-side; the expiry window plus the nonce check against the
// ID token are the replay defence.
const stateMaxAge = 10 * time.Minute

// AuthorizationState is the ephemeral, signed payload round-tripped through
// the provider's state parameter. It carries everything the callback needs,
// so the redirect URI can stay fixed and provider-agnostic.
type AuthorizationState struct {
	ProviderID   string `json:"p"`
	CodeVerifier string `json:"v"`
	Nonce        string `json:"n"`
	CSRF         string `json:"c"`
	IssuedAt     int64  `json:"t"`
	ReturnURL    string `json:"r,omitempty"`
}

// StateCodec signs and verifies AuthorizationState tokens with HMAC-SHA256
// using the application-wide session secret. Rotating the secret invalidates
// all in-flight states, forcing re-authentication.
type StateCodec struct {
	secret []byte
	maxAge time.Duration
}

// NewStateCodec creates a codec with the default 10-minute max age.
func NewStateCodec(secret []byte) *StateCodec {
	return &StateCodec{secret: secret, maxAge: stateMaxAge}
}

// Sign serializes and signs the state. The token format is
// base64url(json) "." base64url(hmac).
func (c *StateCodec) Sign(state *AuthorizationState) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.signature(encoded), nil
}

// Verify checks the token's signature and age. Malformed or foreign-signed
// tokens yield invalid_state; authentic but stale tokens yield state_expired.
func (c *StateCodec) Verify(token string) (*AuthorizationState, *AuthError) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, authErr(CodeInvalidState, "malformed state token")
	}

	if !hmac.Equal([]byte(sig), []byte(c.signature(encoded))) {
		return nil, authErr(CodeInvalidState, "state signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, authErrWrap(CodeInvalidState, "state payload not decodable", err)
	}

	var state AuthorizationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, authErrWrap(CodeInvalidState, "state payload not parseable", err)
	}
	if state.ProviderID == "" || state.IssuedAt == 0 {
		return nil, authErr(CodeInvalidState, "state payload incomplete")
	}

	issuedAt := time.Unix(state.IssuedAt, 0)
	if time.Since(issuedAt) > c.maxAge {
		return nil, authErr(CodeStateExpired, "authorization state expired")
	}
	if issuedAt.After(time.Now().Add(time.Minute)) {
		return nil, authErr(CodeInvalidState, "state issued in the future")
	}

	return &state, nil
}

func (c *StateCodec) signature(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// generateCodeVerifier returns a PKCE code verifier: 32 random bytes,
// base64url-encoded (43 characters).
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// deriveCodeChallenge computes the S256 challenge for a verifier.
func deriveCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// generateNonce returns a random nonce for ID-token replay protection.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
