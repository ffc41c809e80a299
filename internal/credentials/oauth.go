package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/parley/internal/backoff"
	"github.com/haasonsaas/parley/internal/errkind"
)

const (
	defaultRefreshMargin = 2 * time.Minute
	minRefreshInterval   = 30 * time.Second
	refreshAttempts      = 3
)

// OAuthRefresher keeps a proxied session token fresh by exchanging the
// refresh token before the access token expires.
type OAuthRefresher struct {
	source oauth2.TokenSource
	target Replacer
	logger *slog.Logger
	margin time.Duration
	policy backoff.Policy
	now    func() time.Time
}

// NewOAuthRefresher refreshes tok through cfg and publishes results to target.
func NewOAuthRefresher(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, target Replacer, logger *slog.Logger) *OAuthRefresher {
	return NewOAuthRefresherFromSource(cfg.TokenSource(ctx, tok), target, logger)
}

// NewOAuthRefresherFromSource publishes tokens from an arbitrary source.
func NewOAuthRefresherFromSource(source oauth2.TokenSource, target Replacer, logger *slog.Logger) *OAuthRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthRefresher{
		source: source,
		target: target,
		logger: logger,
		margin: defaultRefreshMargin,
		policy: backoff.DefaultPolicy(),
		now:    time.Now,
	}
}

// Refresh obtains a token and publishes it as proxied material.
func (r *OAuthRefresher) Refresh(ctx context.Context) (Material, error) {
	tok, _, err := backoff.Do(ctx, r.policy, refreshAttempts, func(context.Context) (*oauth2.Token, error) {
		tok, err := r.source.Token()
		if isRevoked(err) {
			return nil, backoff.Permanent(err)
		}
		return tok, err
	})
	if err != nil {
		return Material{}, errkind.New(errkind.NoUsableCredential, "credentials.refresh", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return Material{}, errkind.Newf(errkind.NoUsableCredential, "credentials.refresh", "token source returned empty token")
	}

	m := Material{Kind: KindProxied, Token: tok.AccessToken, ExpiresAt: tok.Expiry}
	if m.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(tok.AccessToken); ok {
			m.ExpiresAt = exp
		}
	}
	r.target.Replace(m)
	r.logger.Info("session token refreshed", "expires_at", m.ExpiresAt)
	return m, nil
}

// Run refreshes ahead of expiry until ctx is done.
func (r *OAuthRefresher) Run(ctx context.Context) error {
	for {
		m, err := r.Refresh(ctx)
		wait := minRefreshInterval
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("session token refresh failed", "error", err)
		} else if !m.ExpiresAt.IsZero() {
			wait = max(m.ExpiresAt.Sub(r.now())-r.margin, minRefreshInterval)
		}
		if err := backoff.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// isRevoked reports a token endpoint rejection that retrying cannot fix.
func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 && re.Response.StatusCode != 429
}
