package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/graphnotify/internal/config"
	"github.com/xelth-com/graphnotify/internal/logging"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/notifycrypto"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCertgen(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")

	out, err := runCmd(t, "certgen", "--cert", cert, "--key", key, "--cn", "relay-test")
	require.NoError(t, err)
	assert.Contains(t, out, "subject: relay-test")

	_, err = notifycrypto.LoadPrivateKey(key, "")
	require.NoError(t, err)

	out, err = runCmd(t, "certgen", "--cert", cert, "--key", key)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestCertgen_RejectsPKCS12(t *testing.T) {
	dir := t.TempDir()
	_, err := runCmd(t, "certgen", "--cert", filepath.Join(dir, "bundle.pfx"), "--key", filepath.Join(dir, "key.pem"))
	assert.Error(t, err)
}

func TestBuildEnvelope_Plain(t *testing.T) {
	env, err := buildEnvelope(simulateOptions{
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		Resource:       "users/u1/messages/m1",
		Body:           `{}`,
	})
	require.NoError(t, err)
	require.Len(t, env.Value, 1)

	n := env.Value[0]
	assert.Equal(t, "sub-1", n.SubscriptionID)
	assert.Equal(t, "secret", n.ClientState)
	ref, ok := n.Payload.(*models.ResourceRef)
	require.True(t, ok)
	assert.NotEmpty(t, ref.ID)
}

func TestBuildEnvelope_SealedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	_, err := notifycrypto.EnsureSelfSignedCertificate(cert, key, "")
	require.NoError(t, err)

	body := `{"id":"m1","subject":"hello"}`
	env, err := buildEnvelope(simulateOptions{
		SubscriptionID: "sub-1",
		CertPath:       cert,
		OAEPHash:       "sha256",
		Body:           body,
	})
	require.NoError(t, err)

	content, ok := env.Value[0].Payload.(*models.EncryptedContent)
	require.True(t, ok)

	priv, err := notifycrypto.LoadPrivateKey(key, "")
	require.NoError(t, err)
	hash, err := notifycrypto.OAEPHash("sha256")
	require.NoError(t, err)
	d := notifycrypto.NewDecryptor(priv, hash)

	symKey, err := d.DecryptSymmetricKey(content.DataKey)
	require.NoError(t, err)
	require.True(t, d.VerifySignature(content.DataSignature, content.Data, symKey))
	plain, err := d.DecryptPayload(content.Data, symKey)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(plain))
}

func TestBuildEnvelope_InvalidBody(t *testing.T) {
	_, err := buildEnvelope(simulateOptions{SubscriptionID: "sub-1", Body: "not json"})
	assert.Error(t, err)
}

func TestSimulate_PostsEnvelope(t *testing.T) {
	received := make(chan models.Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env models.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received <- env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	out, err := runCmd(t, "simulate", "--url", srv.URL, "--subscription", "sub-9", "--client-state", "cs")
	require.NoError(t, err)
	assert.Contains(t, out, "relay answered 202")

	env := <-received
	require.Len(t, env.Value, 1)
	assert.Equal(t, "sub-9", env.Value[0].SubscriptionID)
	assert.Equal(t, "cs", env.Value[0].ClientState)
	assert.IsType(t, &models.ResourceRef{}, env.Value[0].Payload)
}

func TestSimulate_RequiresSubscription(t *testing.T) {
	_, err := runCmd(t, "simulate", "--url", "http://127.0.0.1:1/listen")
	assert.Error(t, err)
}

func TestOpenRegistry_Memory(t *testing.T) {
	cfg := config.Defaults()

	reg, closeFn, err := openRegistry(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &subscriptions.MemoryRegistry{}, reg)
}

func TestOpenRegistry_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Registry.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()

	reg, closeFn, err := openRegistry(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, &models.Subscription{ID: "sub-1", OwnerID: "owner"}))
	got, err := reg.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "owner", got.OwnerID)
}

func TestOpenRegistry_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Defaults()
	cfg.Registry.Backend = config.BackendRedis
	cfg.Redis.Addr = addr

	_, _, err := openRegistry(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestLoadKeyMaterial(t *testing.T) {
	log := logging.Discard()

	d, cert, err := loadKeyMaterial(config.CryptoConfig{OAEPHash: "sha1"}, log)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Empty(t, cert)

	dir := t.TempDir()
	d, cert, err = loadKeyMaterial(config.CryptoConfig{
		CertificatePath: filepath.Join(dir, "cert.pem"),
		PrivateKeyPath:  filepath.Join(dir, "key.pem"),
		OAEPHash:        "sha1",
	}, log)
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.NotEmpty(t, cert)
}

func TestNewHub_RefusesForeignOrigins(t *testing.T) {
	cfg := config.Defaults()
	cfg.Subscription.PublicBaseURL = "https://relay.example.com"
	cfg.OAuth.RedirectURI = "https://relay.example.com/delegated/callback"

	hub := newHub(cfg, logging.Discard())
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://relay.example.com"}})
	require.NoError(t, err)
	conn.Close()
}
