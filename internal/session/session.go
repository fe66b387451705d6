// Package session keeps the signed-in account and its subscription in an
// HS256-signed cookie, together with one-shot flash messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the session cookie
const CookieName = "graphnotify_session"

// Data is the session content
type Data struct {
	ID             string   `json:"sid"`
	AccountID      string   `json:"aid,omitempty"`
	UserName       string   `json:"name,omitempty"`
	SubscriptionID string   `json:"sub_id,omitempty"`
	AppOnly        bool     `json:"app_only,omitempty"`
	State          string   `json:"state,omitempty"`
	Flash          []string `json:"flash,omitempty"`
}

// SignedIn reports whether the session belongs to an account or app subscription
func (d *Data) SignedIn() bool {
	return d.AccountID != "" || d.AppOnly
}

// AddFlash queues a message for the next page view
func (d *Data) AddFlash(msg string) {
	d.Flash = append(d.Flash, msg)
}

// TakeFlash returns and clears queued messages
func (d *Data) TakeFlash() []string {
	out := d.Flash
	d.Flash = nil
	return out
}

type claims struct {
	jwt.RegisteredClaims
	Data
}

// Store signs and verifies session cookies
type Store struct {
	secret []byte
	maxAge time.Duration
	Secure bool
	now    func() time.Time
}

// NewStore creates a cookie store signing with secret
func NewStore(secret string, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Store{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Load returns the request's session, or a fresh one when the cookie is
// absent, expired or tampered with
func (s *Store) Load(r *http.Request) *Data {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return fresh()
	}
	d, err := s.decode(c.Value)
	if err != nil {
		return fresh()
	}
	return d
}

func fresh() *Data {
	return &Data{ID: uuid.New().String()}
}

func (s *Store) decode(value string) (*Data, error) {
	var c claims
	_, err := jwt.ParseWithClaims(value, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if c.Data.ID == "" {
		return nil, errors.New("session without id")
	}
	return &c.Data, nil
}

// Encode signs d into a cookie value
func (s *Store) Encode(d *Data) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
		Data: *d,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// Save writes d as the session cookie
func (s *Store) Save(w http.ResponseWriter, d *Data) error {
	value, err := s.Encode(d)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type contextKey struct{}

// WithData attaches d to ctx
func WithData(ctx context.Context, d *Data) context.Context {
	return context.WithValue(ctx, contextKey{}, d)
}

// FromContext returns the session attached by the session middleware, or a
// fresh one when none is attached
func FromContext(ctx context.Context) *Data {
	if d, ok := ctx.Value(contextKey{}).(*Data); ok {
		return d
	}
	return fresh()
}
