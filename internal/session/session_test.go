package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, s *Store, d *Data) *Data {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, s.Save(rec, d))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return s.Load(req)
}

func TestSaveLoad(t *testing.T) {
	s := NewStore("secret", time.Hour)
	in := &Data{ID: "sid-1", AccountID: "acct", UserName: "Megan", SubscriptionID: "sub-1"}
	in.AddFlash("oops")

	out := roundTrip(t, s, in)
	assert.Equal(t, in, out)
	assert.Equal(t, []string{"oops"}, out.TakeFlash())
	assert.Empty(t, out.TakeFlash())
	assert.True(t, out.SignedIn())
}

func TestLoad_MissingCookieIsFresh(t *testing.T) {
	s := NewStore("secret", time.Hour)
	d := s.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.SignedIn())
}

func TestLoad_RejectsForeignSignature(t *testing.T) {
	value, err := NewStore("other", time.Hour).Encode(&Data{ID: "x", AccountID: "attacker"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	d := NewStore("secret", time.Hour).Load(req)
	assert.Empty(t, d.AccountID)
}

func TestLoad_RejectsExpired(t *testing.T) {
	s := NewStore("secret", time.Minute)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	value, err := s.Encode(&Data{ID: "x", AccountID: "acct"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	assert.Empty(t, NewStore("secret", time.Minute).Load(req).AccountID)
}

func TestLoad_RejectsNoneAlgorithm(t *testing.T) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Data:             Data{ID: "x", AccountID: "attacker"},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: value})
	assert.Empty(t, NewStore("secret", time.Hour).Load(req).AccountID)
}

func TestClear(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStore("secret", time.Hour).Clear(rec)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestContext(t *testing.T) {
	d := &Data{ID: "abc"}
	ctx := WithData(context.Background(), d)
	assert.Same(t, d, FromContext(ctx))
	assert.NotEmpty(t, FromContext(context.Background()).ID)
}
