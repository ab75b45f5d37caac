package dynamicoidc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// Routes returns the subsystem's HTTP surface, mountable at the root of the
// host application's mux.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/auth/dynamic-oidc/authorize", s.handleAuthorize)
	r.Get(CallbackPath, s.handleCallback)
	r.Get("/auth/dynamic-oidc/session", s.handleSession)
	r.Post("/auth/dynamic-oidc/renew", s.handleRenew)
	r.Post("/auth/dynamic-oidc/logout", s.handleLogout)
	r.Post("/auth/check-email", s.handleCheckEmail)
	return r
}

func (s *Service) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("providerId")
	if providerID == "" {
		writeJSONError(w, http.StatusBadRequest, "providerId is required")
		return
	}

	authURL, err := s.initiator.BuildAuthorizationURL(r.Context(),
		providerID,
		r.URL.Query().Get("returnTo"),
		r.URL.Query().Get("loginHint"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "provider not found")
		case errors.Is(err, ErrEndpointUnavailable):
			s.logger.Error().Err(err).Str("provider", providerID).Msg("authorization endpoint unavailable")
			writeJSONError(w, http.StatusInternalServerError, "provider endpoint unavailable")
		default:
			s.logger.Error().Err(err).Str("provider", providerID).Msg("failed to build authorization URL")
			writeJSONError(w, http.StatusInternalServerError, "failed to initiate authentication")
		}
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, authError := s.callbacks.Process(r.Context(), CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	})
	if authError != nil {
		s.logger.Error().Err(authError).Str("code", string(authError.Code)).Msg("callback failed")
		http.Redirect(w, r, s.signInErrorURL(authError), http.StatusFound)
		return
	}

	if err := s.sessions.Issue(w, r, result.Session); err != nil {
		s.logger.Error().Err(err).Msg("failed to issue session cookie")
		http.Redirect(w, r, s.signInErrorURL(authErr(CodeInternalError, "could not establish session")), http.StatusFound)
		return
	}

	http.Redirect(w, r, result.RedirectPath, http.StatusFound)
}

// signInErrorURL maps a callback failure onto the sign-in page with the
// taxonomy code, the safe message, and the retry link.
func (s *Service) signInErrorURL(authError *AuthError) string {
	params := url.Values{}
	params.Set("error", string(authError.Code))
	if authError.Message != "" {
		params.Set("message", authError.Message)
	}
	if authError.CallbackURL != "" {
		params.Set("callbackUrl", authError.CallbackURL)
	}
	return s.config.SignInPath + "?" + params.Encode()
}

type sessionUserPayload struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	ProviderID    string `json:"providerId"`
	LoginProvider string `json:"loginProvider"`
}

type sessionStatusPayload struct {
	Authenticated bool                `json:"authenticated"`
	User          *sessionUserPayload `json:"user,omitempty"`
	NeedsRefresh  bool                `json:"needsRefresh,omitempty"`
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessions.Get(r)
	if session == nil {
		writeJSON(w, http.StatusOK, sessionStatusPayload{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, sessionStatusPayload{
		Authenticated: true,
		User: &sessionUserPayload{
			ID:            session.UserID,
			Email:         session.Email,
			Name:          session.Name,
			ProviderID:    session.ProviderID,
			LoginProvider: session.LoginProvider,
		},
		NeedsRefresh: IsTokenExpired(session.Tokens.ExpiresAt),
	})
}

type renewPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Service) handleRenew(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessions.Get(r)
	if session == nil {
		writeJSON(w, http.StatusOK, renewPayload{Success: false, Message: "no active session"})
		return
	}

	renewed, err := s.sessions.Renew(r.Context(), session)
	if err != nil {
		// The existing session stays as-is; the caller decides whether to
		// force re-authentication.
		s.logger.Debug().Err(err).Str("provider", session.ProviderID).Msg("session renewal failed")
		writeJSON(w, http.StatusOK, renewPayload{Success: false, Message: "re-authentication required"})
		return
	}

	if err := s.sessions.Issue(w, r, renewed); err != nil {
		s.logger.Error().Err(err).Msg("failed to re-seal renewed session")
		writeJSON(w, http.StatusOK, renewPayload{Success: false, Message: "could not update session"})
		return
	}
	writeJSON(w, http.StatusOK, renewPayload{Success: true})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type checkEmailPayload struct {
	Type             string `json:"type"`
	OidcProviderID   string `json:"oidcProviderId,omitempty"`
	OidcProviderName string `json:"oidcProviderName,omitempty"`
}

// handleCheckEmail tells the login UI which flow to trigger for an email
// address. Unknown domains fall back to the password flow.
func (s *Service) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	provider, err := s.registry.FindByEmail(r.Context(), body.Email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Msg("email lookup failed")
		}
		writeJSON(w, http.StatusOK, checkEmailPayload{Type: "password"})
		return
	}

	writeJSON(w, http.StatusOK, checkEmailPayload{
		Type:             "dynamic-oidc",
		OidcProviderID:   provider.ID,
		OidcProviderName: provider.Name,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
