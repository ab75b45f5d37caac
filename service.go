package dynamicoidc

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Service wires the subsystem together: registry, discovery, initiator,
// callback processor, token verifier, and session manager, all sharing one
// outbound HTTP client with a timeout. Every outbound call (discovery, token
// exchange, userinfo, introspection, JWKS) goes through that client and
// blocks only its own request.
type Service struct {
	config    *Config
	store     Store
	registry  *ProviderRegistry
	discovery *DiscoveryResolver
	initiator *AuthorizationInitiator
	callbacks *CallbackProcessor
	verifier  *TokenVerifier
	jwks      *JWKSCache
	sessions  *SessionManager
	logger    zerolog.Logger
}

// New builds a Service from config and a persistent store.
func New(cfg *Config, store Store, logger zerolog.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout.Std()}
	secret := []byte(cfg.SessionSecret)
	states := NewStateCodec(secret)

	registry := NewProviderRegistry(store, cfg.ProviderCacheTTL.Std(), logger)
	discovery := NewDiscoveryResolver(registry, httpClient, cfg.DiscoveryCacheTTL.Std(), logger)
	exchanger := NewTokenExchanger(httpClient, logger)
	jwks := NewJWKSCache(httpClient, cfg.JWKSCacheTTL.Std(), logger)

	sessions, err := NewSessionManager(secret, registry, discovery, exchanger, cfg.SessionTTL.Std(), logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:    cfg,
		store:     store,
		registry:  registry,
		discovery: discovery,
		initiator: NewAuthorizationInitiator(registry, discovery, states, cfg.BaseURL, logger),
		callbacks: NewCallbackProcessor(registry, discovery, states, exchanger, store, httpClient, cfg.BaseURL, cfg.SessionTTL.Std(), logger),
		verifier:  NewTokenVerifier(registry, discovery, jwks, httpClient, logger),
		jwks:      jwks,
		sessions:  sessions,
		logger:    logger.With().Str("component", "dynamic-oidc").Logger(),
	}, nil
}

// Sessions exposes the session manager to the surrounding application.
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// Verifier exposes the token verifier for API middleware.
func (s *Service) Verifier() *TokenVerifier {
	return s.verifier
}

// Close releases the service's caches.
func (s *Service) Close() {
	s.registry.Close()
	s.discovery.Close()
	s.verifier.Close()
	s.jwks.Close()
}

// RequireAuth is middleware for the surrounding console's API routes. It
// admits requests carrying a valid session cookie, or a bearer access token
// verifiable against the provider named by the X-Oidc-Provider header.
// Invalid and unverifiable are treated identically: deny.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, _ := s.sessions.Get(r); session != nil {
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		providerID := r.Header.Get("X-Oidc-Provider")
		if token, ok := strings.CutPrefix(authz, "Bearer "); ok && providerID != "" {
			if result := s.verifier.Verify(r.Context(), providerID, token); result.Valid {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}
