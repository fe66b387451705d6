package tokens

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyNotFound is returned when no signing key matches a token's kid
var ErrKeyNotFound = errors.New("signing key not found")

// KeySource resolves token signing keys by key id
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// KeySet resolves the identity provider's published signing keys. Remote sets
// are refreshed in the background and on unknown kids, rate limited.
type KeySet struct {
	kf keyfunc.Keyfunc
}

// NewKeySet reads the JWKS document at url. Background refresh stops when ctx ends.
func NewKeySet(ctx context.Context, url string) (*KeySet, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("load jwks from %s: %w", url, err)
	}
	return &KeySet{kf: kf}, nil
}

// NewKeySetJSON builds a fixed KeySet from a JWKS document
func NewKeySetJSON(raw json.RawMessage) (*KeySet, error) {
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return &KeySet{kf: kf}, nil
}

// Key returns the RSA signing key published under kid
func (k *KeySet) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	lookup := &jwt.Token{
		Method: jwt.SigningMethodRS256,
		Header: map[string]interface{}{
			"kid": kid,
			"alg": jwt.SigningMethodRS256.Alg(),
		},
	}
	key, err := k.kf.Keyfunc(lookup)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrKeyNotFound, kid, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q is a %T, not an RSA key", ErrKeyNotFound, kid, key)
	}
	return pub, nil
}

// StaticKeys is a fixed KeySource
type StaticKeys map[string]*rsa.PublicKey

// Key returns the key registered under kid
func (s StaticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}
