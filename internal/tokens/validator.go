// Package tokens validates the signed validation tokens the publisher embeds
// in rich notification batches.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

// ChangeTrackingAppID is the authorized party of tokens minted by the
// notification publisher
const ChangeTrackingAppID = "0bf30f3b-4a52-48df-9a82-234910c4a086"

// Validator checks validation tokens against the issuer's signing keys.
// It holds no per-call state and is safe for concurrent use.
type Validator struct {
	keys            KeySource
	leeway          time.Duration
	authorizedParty string
	now             func() time.Time
	log             *slog.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithLeeway sets the clock-skew grace window for exp/nbf/iat
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

// WithAuthorizedParty requires the azp claim to equal appID. Empty disables the check.
func WithAuthorizedParty(appID string) Option {
	return func(v *Validator) { v.authorizedParty = appID }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger used for rejection reasons
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// NewValidator creates a Validator resolving keys from keys
func NewValidator(keys KeySource, opts ...Option) *Validator {
	v := &Validator{
		keys:            keys,
		authorizedParty: ChangeTrackingAppID,
		now:             time.Now,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issuers returns the tenant-scoped issuer URLs accepted for tenantID
func Issuers(tenantID string) []string {
	return []string{
		"https://sts.windows.net/" + tenantID + "/",
		"https://login.microsoftonline.com/" + tenantID + "/v2.0",
	}
}

// IsTokenValid reports whether token is signed by the issuer, issued for
// tenantID, addressed to appID and unexpired. It never returns an error.
func (v *Validator) IsTokenValid(ctx context.Context, token, appID, tenantID string) bool {
	if err := v.validate(ctx, token, appID, tenantID); err != nil {
		v.log.Warn("validation token rejected", "error", err)
		return false
	}
	return true
}

// ValidateAll checks every token concurrently and reports whether all passed.
// An empty list passes.
func (v *Validator) ValidateAll(ctx context.Context, tokens []string, appID, tenantID string) bool {
	results := make([]bool, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			results[i] = v.IsTokenValid(gctx, token, appID, tenantID)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

type validationClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	TenantID        string `json:"tid,omitempty"`
}

func (v *Validator) validate(ctx context.Context, token, appID, tenantID string) error {
	if token == "" {
		return errors.New("empty token")
	}

	claims := &validationClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid header")
			}
			return v.keys.Key(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	issuerOK := false
	for _, iss := range Issuers(tenantID) {
		if claims.Issuer == iss {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}

	if v.authorizedParty != "" && claims.AuthorizedParty != v.authorizedParty {
		return fmt.Errorf("unexpected authorized party %q", claims.AuthorizedParty)
	}
	return nil
}
