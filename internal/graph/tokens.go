package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/xelth-com/graphnotify/internal/config"
)

// ErrNoToken is returned when no token is cached for an account
var ErrNoToken = errors.New("no token for account")

// Tokens hands out access tokens: one application token from the client
// credentials flow and per-account delegated tokens from the authorization code flow.
type Tokens struct {
	authCode *oauth2.Config
	app      oauth2.TokenSource
	ctx      context.Context

	mu    sync.RWMutex
	users map[string]oauth2.TokenSource
}

// Endpoint returns the v2.0 token endpoints for a tenant
func Endpoint(authority, tenantID string) oauth2.Endpoint {
	base := strings.TrimRight(authority, "/") + "/" + tenantID + "/oauth2/v2.0"
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// DefaultScope is the application permission scope for the API at baseURL
func DefaultScope(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "https://graph.microsoft.com/.default"
	}
	return u.Scheme + "://" + u.Host + "/.default"
}

// NewTokens builds both token flows from the OAuth settings. httpClient is
// used for every call to the token endpoint.
func NewTokens(cfg config.OAuthConfig, graphBaseURL string, httpClient *http.Client) *Tokens {
	endpoint := Endpoint(cfg.Authority, cfg.TenantID)

	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     endpoint.TokenURL,
		Scopes:       []string{DefaultScope(graphBaseURL)},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	return &Tokens{
		authCode: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
		},
		app:   cc.TokenSource(ctx),
		ctx:   ctx,
		users: make(map[string]oauth2.TokenSource),
	}
}

// AuthCodeURL returns the sign-in URL carrying state
func (t *Tokens) AuthCodeURL(state string) string {
	return t.authCode.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for a token
func (t *Tokens) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if client, ok := t.ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	tok, err := t.authCode.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// Remember caches tok for accountID; it is refreshed on demand
func (t *Tokens) Remember(accountID string, tok *oauth2.Token) {
	ts := oauth2.ReuseTokenSource(tok, t.authCode.TokenSource(t.ctx, tok))
	t.mu.Lock()
	t.users[accountID] = ts
	t.mu.Unlock()
}

// Forget drops the cached token for accountID
func (t *Tokens) Forget(accountID string) {
	t.mu.Lock()
	delete(t.users, accountID)
	t.mu.Unlock()
}

// UserToken returns a valid delegated access token for accountID
func (t *Tokens) UserToken(_ context.Context, accountID string) (string, error) {
	t.mu.RLock()
	ts, ok := t.users[accountID]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoToken, accountID)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", accountID, err)
	}
	return tok.AccessToken, nil
}

// AppToken returns the application's own access token
func (t *Tokens) AppToken(_ context.Context) (string, error) {
	tok, err := t.app.Token()
	if err != nil {
		return "", fmt.Errorf("acquire application token: %w", err)
	}
	return tok.AccessToken, nil
}
