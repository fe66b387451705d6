// Package graph talks to the remote resource API: fetching changed resources,
// reading the signed-in account and managing change subscriptions.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRemoteFetch is wrapped by every failed remote call
var ErrRemoteFetch = errors.New("remote fetch failed")

// APIError is a non-2xx response from the resource API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: unexpected status %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return ErrRemoteFetch }

// NewHTTPClient creates the HTTP client used for remote API calls
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client is a minimal resource API client. Every call takes a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a client rooted at baseURL
func NewClient(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With("component", "graph"),
	}
}

// User is the subset of the signed-in account the relay needs
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail,omitempty"`
}

// SubscriptionRequest creates a change subscription
type SubscriptionRequest struct {
	ChangeType               string    `json:"changeType"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	Resource                 string    `json:"resource"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ClientState              string    `json:"clientState"`
	IncludeResourceData      bool      `json:"includeResourceData,omitempty"`
	EncryptionCertificate    string    `json:"encryptionCertificate,omitempty"`
	EncryptionCertificateID  string    `json:"encryptionCertificateId,omitempty"`
}

// RemoteSubscription is the publisher's view of a subscription
type RemoteSubscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ApplicationID      string    `json:"applicationId,omitempty"`
}

// GetResource fetches path with an optional $select list and returns the raw JSON body
func (c *Client) GetResource(ctx context.Context, token, path string, selectFields ...string) (json.RawMessage, error) {
	q := url.Values{}
	if len(selectFields) > 0 {
		q.Set("$select", strings.Join(selectFields, ","))
	}
	var raw json.RawMessage
	if err := c.do(ctx, token, http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetMe returns the account the token belongs to
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.do(ctx, token, http.MethodGet, "/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSubscription registers a new change subscription with the publisher
func (c *Client) CreateSubscription(ctx context.Context, token string, req SubscriptionRequest) (*RemoteSubscription, error) {
	var sub RemoteSubscription
	if err := c.do(ctx, token, http.MethodPost, "/subscriptions", nil, req, &sub); err != nil {
		return nil, err
	}
	c.log.Info("subscription created", "subscription_id", sub.ID, "resource", sub.Resource)
	return &sub, nil
}

// DeleteSubscription removes a subscription. A subscription the publisher
// no longer knows about counts as deleted.
func (c *Client) DeleteSubscription(ctx context.Context, token, id string) error {
	err := c.do(ctx, token, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// RenewSubscription moves the subscription's expiry to expiresAt
func (c *Client) RenewSubscription(ctx context.Context, token, id string, expiresAt time.Time) (*RemoteSubscription, error) {
	body := map[string]time.Time{"expirationDateTime": expiresAt.UTC()}
	var sub RemoteSubscription
	if err := c.do(ctx, token, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), nil, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// resolve joins a relative resource path onto the base URL.
// Absolute URLs are refused so a bearer token never leaves the API host.
func (c *Client) resolve(path string, q url.Values) (string, error) {
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("%w: absolute resource path %q", ErrRemoteFetch, path)
	}
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, q url.Values, in, out interface{}) error {
	target, err := c.resolve(path, q)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemoteFetch, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrRemoteFetch, path, err)
	}
	return nil
}
