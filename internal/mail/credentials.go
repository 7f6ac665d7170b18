package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// RefreshError wraps a failed token refresh. The poll for the affected
// connection aborts; other connections keep going.
type RefreshError struct {
	Email string
	Err   error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh credentials for %s: %v", e.Email, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// CredentialStore exchanges a refresh token for a fresh token triple.
type CredentialStore interface {
	Refresh(ctx context.Context, c *Connection) (access, refresh string, expiresAt time.Time, err error)
}

// OAuthConfig carries the provider app registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string // "common" when unset
	RedirectURL  string
	Scopes       []string
}

func (c OAuthConfig) withDefaults() OAuthConfig {
	if strings.TrimSpace(c.TenantID) == "" {
		c.TenantID = "common"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"offline_access", "Mail.Read", "User.Read"}
	}
	return c
}

// OAuth is the Microsoft identity platform credential store.
type OAuth struct {
	conf *oauth2.Config
}

func NewOAuth(cfg OAuthConfig) *OAuth {
	cfg = cfg.withDefaults()
	return &OAuth{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(cfg.TenantID),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
	}
}

// AuthURL returns the user-facing authorize URL. State carries the
// (guild, user) pair through the round trip.
func (o *OAuth) AuthURL(state string) string {
	return o.conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange swaps an authorization code for a token triple.
func (o *OAuth) Exchange(ctx context.Context, code string) (access, refresh string, expiresAt time.Time, err error) {
	tok, err := o.conf.Exchange(ctx, code)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok.AccessToken, tok.RefreshToken, tok.Expiry.UTC(), nil
}

// Refresh exchanges the connection's refresh token for a new triple.
// The caller persists it before using the access token.
func (o *OAuth) Refresh(ctx context.Context, c *Connection) (string, string, time.Time, error) {
	src := o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", "", time.Time{}, &RefreshError{Email: c.Email, Err: err}
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		// Provider did not rotate the refresh token; keep the old one.
		refresh = c.RefreshToken
	}
	return tok.AccessToken, refresh, tok.Expiry.UTC(), nil
}
