package dynamicoidc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

// SessionCookieName is the sealed session cookie. The payload is signed and
// encrypted by the cookie store; session state lives entirely client-side so
// instances scale horizontally without a session database.
const SessionCookieName = "oidc-session"

const (
	sessionValueKey = "session"

	// tokenExpiryMargin is the safety window before the access token's real
	// expiry during which it is already treated as expired.
	tokenExpiryMargin = 60 * time.Second

	minSecretLength = 32
)

// IsTokenExpired reports whether an access token expiring at expiresAt
// should be considered expired, applying the one-minute safety margin.
func IsTokenExpired(expiresAt time.Time) bool {
	return !time.Now().Before(expiresAt.Add(-tokenExpiryMargin))
}

// SessionManager seals, reads, renews, and revokes the session cookie. The
// seal/unseal boundary is confined to this type so the storage medium could
// be swapped without touching callers.
type SessionManager struct {
	store     *sessions.CookieStore
	registry  *ProviderRegistry
	discovery *DiscoveryResolver
	exchanger *TokenExchanger
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewSessionManager creates a manager sealing cookies with secret. The
// secret is process-wide and read-only after startup; rotating it
// invalidates every outstanding session and state token by design.
func NewSessionManager(secret []byte, registry *ProviderRegistry, discovery *DiscoveryResolver, exchanger *TokenExchanger, ttl time.Duration, logger zerolog.Logger) (*SessionManager, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}

	// The derived block key enables AES encryption of the payload on top of
	// the HMAC signature; the embedded tokens never leave the process in
	// cleartext.
	blockKey := sha256.Sum256(secret)
	store := sessions.NewCookieStore(secret, blockKey[:])
	store.MaxAge(int(ttl.Seconds()))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}

	return &SessionManager{
		store:     store,
		registry:  registry,
		discovery: discovery,
		exchanger: exchanger,
		ttl:       ttl,
		logger:    logger.With().Str("component", "session").Logger(),
	}, nil
}

// Issue seals session into the response cookie.
func (m *SessionManager) Issue(w http.ResponseWriter, r *http.Request, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	cookie, _ := m.store.New(r, SessionCookieName)
	cookie.Values[sessionValueKey] = payload
	cookie.Options = m.cookieOptions(r, int(time.Until(session.ExpiresAt).Seconds()))

	if err := cookie.Save(r, w); err != nil {
		return fmt.Errorf("failed to seal session cookie: %w", err)
	}
	return nil
}

// Get unseals the session from the request. An absent, expired, or
// unverifiable cookie yields (nil, nil): all three mean "not signed in",
// never an error.
func (m *SessionManager) Get(r *http.Request) (*Session, error) {
	cookie, err := m.store.Get(r, SessionCookieName)
	if err != nil {
		// Undecodable covers both tampering and secret rotation.
		m.logger.Debug().Err(err).Msg("session cookie not decodable")
		return nil, nil
	}
	if cookie.IsNew {
		return nil, nil
	}

	payload, ok := cookie.Values[sessionValueKey].([]byte)
	if !ok {
		return nil, nil
	}

	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		m.logger.Debug().Err(err).Msg("session payload not parseable")
		return nil, nil
	}
	if session.Expired() {
		return nil, nil
	}
	return &session, nil
}

// Renew refreshes the session's tokens when the access token is expired (or
// within the safety margin) and a refresh token exists. On success the
// returned session carries the replaced tokens and a reset issued-at and
// absolute expiry; the caller re-seals it. On failure the original session
// is left untouched and the error signals that re-authentication is needed.
func (m *SessionManager) Renew(ctx context.Context, session *Session) (*Session, error) {
	if !IsTokenExpired(session.Tokens.ExpiresAt) {
		return session, nil
	}
	if session.Tokens.RefreshToken == "" {
		return nil, fmt.Errorf("access token expired and no refresh token available")
	}

	provider, err := m.registry.Get(ctx, session.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("provider for session not available: %w", err)
	}
	provider = m.discovery.EnsureEndpoints(ctx, provider)

	tokens, err := m.exchanger.Refresh(ctx, provider, session.Tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	renewed := *session
	renewed.Tokens = *tokens
	renewed.IssuedAt = time.Now()
	renewed.ExpiresAt = renewed.IssuedAt.Add(m.ttl)

	m.logger.Debug().Str("provider", session.ProviderID).Str("user", session.UserID).Msg("session renewed")
	return &renewed, nil
}

// Clear revokes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	cookie, _ := m.store.New(r, SessionCookieName)
	cookie.Values = make(map[any]any)
	cookie.Options = m.cookieOptions(r, -1)
	_ = cookie.Save(r, w)
}

// cookieOptions clones the store defaults, setting Secure per request since
// the same deployment may serve HTTP in development and HTTPS in production.
func (m *SessionManager) cookieOptions(r *http.Request, maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecureRequest(r),
	}
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
