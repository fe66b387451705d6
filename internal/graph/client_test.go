package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/graphnotify/internal/logging"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/v1.0", srv.Client(), logging.Discard())
}

func TestGetResource_SelectAndBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me/messages/m1", r.URL.Path)
		assert.Equal(t, "subject,id", r.URL.Query().Get("$select"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"m1","subject":"hello"}`)
	})

	raw, err := c.GetResource(context.Background(), "tok", "/me/messages/m1", "subject", "id")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1","subject":"hello"}`, string(raw))
}

func TestGetResource_RelativePathWithoutSlash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/teams('t1')/channels('c1')/messages('x')", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		io.WriteString(w, `{}`)
	})

	_, err := c.GetResource(context.Background(), "tok", "teams('t1')/channels('c1')/messages('x')")
	require.NoError(t, err)
}

func TestGetResource_RefusesAbsoluteURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.GetResource(context.Background(), "tok", "https://attacker.example.com/steal")
	assert.ErrorIs(t, err, ErrRemoteFetch)
}

func TestGetResource_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied."}}`)
	})

	_, err := c.GetResource(context.Background(), "tok", "/me/messages/m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteFetch)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "ErrorAccessDenied", apiErr.Code)
}

func TestGetResource_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, NewHTTPClient(50*time.Millisecond), logging.Discard())
	_, err := c.GetResource(context.Background(), "tok", "/slow")
	assert.ErrorIs(t, err, ErrRemoteFetch)
}

func TestGetMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me", r.URL.Path)
		io.WriteString(w, `{"id":"u1","displayName":"Megan","userPrincipalName":"megan@contoso.com"}`)
	})

	me, err := c.GetMe(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, "Megan", me.DisplayName)
}

func TestCreateSubscription(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.0/subscriptions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "created", body["changeType"])
		assert.Equal(t, "https://relay.example.com/listen", body["notificationUrl"])
		assert.Equal(t, "secret", body["clientState"])
		assert.Equal(t, true, body["includeResourceData"])
		assert.Equal(t, "cert-1", body["encryptionCertificateId"])

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"sub-1","resource":"/teams/getAllMessages","changeType":"created","expirationDateTime":"2026-01-02T03:04:05Z"}`)
	})

	sub, err := c.CreateSubscription(context.Background(), "tok", SubscriptionRequest{
		ChangeType:              "created",
		NotificationURL:         "https://relay.example.com/listen",
		Resource:                "/teams/getAllMessages",
		ExpirationDateTime:      expires,
		ClientState:             "secret",
		IncludeResourceData:     true,
		EncryptionCertificate:   "MIIB",
		EncryptionCertificateID: "cert-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.True(t, sub.ExpirationDateTime.Equal(expires))
}

func TestDeleteSubscription(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/v1.0/subscriptions/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/v1.0/subscriptions/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	assert.NoError(t, c.DeleteSubscription(context.Background(), "tok", "sub-1"))
	assert.NoError(t, c.DeleteSubscription(context.Background(), "tok", "gone"))
	assert.ErrorIs(t, c.DeleteSubscription(context.Background(), "tok", "broken"), ErrRemoteFetch)
	assert.Equal(t, 3, calls)
}

func TestRenewSubscription(t *testing.T) {
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1.0/subscriptions/sub-1", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-05-01T00:00:00Z", body["expirationDateTime"])
		io.WriteString(w, `{"id":"sub-1","expirationDateTime":"2026-05-01T00:00:00Z"}`)
	})

	sub, err := c.RenewSubscription(context.Background(), "tok", "sub-1", expires)
	require.NoError(t, err)
	assert.True(t, sub.ExpirationDateTime.Equal(expires))
}
