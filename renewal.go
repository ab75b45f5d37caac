package dynamicoidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// RenewalLoop keeps a browser-equivalent session alive by periodically
// calling the subsystem's own session and renew endpoints through a
// cookie-jar client. Headless deployments use it where no browser tab is
// around to trigger renewal. A failed renewal is logged and retried on the
// next tick; the cookie's absolute expiry is the backstop.
type RenewalLoop struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

// NewRenewalLoop builds a loop against baseURL. The client carries its own
// cookie jar so re-sealed session cookies from renew responses are retained
// across ticks.
func NewRenewalLoop(baseURL string, interval time.Duration, logger zerolog.Logger) (*RenewalLoop, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &RenewalLoop{
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Jar: jar, Timeout: 30 * time.Second},
		logger:   logger.With().Str("component", "renewal").Logger(),
	}, nil
}

// Seed stores an existing session cookie into the jar, e.g. one captured
// from an interactive sign-in.
func (l *RenewalLoop) Seed(rawURL string, cookies []*http.Cookie) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid seed URL: %w", err)
	}
	l.client.Jar.SetCookies(parsed, cookies)
	return nil
}

// Run ticks until ctx is cancelled or the session is gone. The first check
// happens after one interval, not immediately.
func (l *RenewalLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			alive, err := l.tick(ctx)
			if err != nil {
				l.logger.Error().Err(err).Msg("renewal tick failed")
				continue
			}
			if !alive {
				l.logger.Info().Msg("session no longer authenticated, stopping renewal loop")
				return nil
			}
		}
	}
}

// tick checks the session and renews when the access token is near expiry.
// Returns false when there is no authenticated session left.
func (l *RenewalLoop) tick(ctx context.Context) (bool, error) {
	status, err := l.fetchStatus(ctx)
	if err != nil {
		return true, err
	}
	if !status.Authenticated {
		return false, nil
	}
	if !status.NeedsRefresh {
		return true, nil
	}

	renewed, err := l.postRenew(ctx)
	if err != nil {
		return true, err
	}
	if !renewed.Success {
		// Keep ticking: the session stays valid until its absolute expiry
		// even when the provider refuses a token refresh.
		l.logger.Debug().Str("message", renewed.Message).Msg("renewal declined")
	}
	return true, nil
}

func (l *RenewalLoop) fetchStatus(ctx context.Context) (*sessionStatusPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/auth/dynamic-oidc/session", nil)
	if err != nil {
		return nil, err
	}
	var status sessionStatusPayload
	if err := l.doJSON(req, &status); err != nil {
		return nil, fmt.Errorf("session check failed: %w", err)
	}
	return &status, nil
}

func (l *RenewalLoop) postRenew(ctx context.Context) (*renewPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/auth/dynamic-oidc/renew", nil)
	if err != nil {
		return nil, err
	}
	var result renewPayload
	if err := l.doJSON(req, &result); err != nil {
		return nil, fmt.Errorf("renew request failed: %w", err)
	}
	return &result, nil
}

func (l *RenewalLoop) doJSON(req *http.Request, out any) error {
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
