package notify

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/logging"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/notifycrypto"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
)

const secret = "right"

type fakeValidator struct {
	ok    bool
	calls int
}

func (f *fakeValidator) ValidateAll(_ context.Context, tokens []string, appID, tenantID string) bool {
	f.calls++
	return f.ok
}

type spyDecryptor struct {
	key          []byte
	keyErr       error
	signatureOK  bool
	plaintext    []byte
	decryptCalls int
	order        []string
}

func (s *spyDecryptor) DecryptSymmetricKey(string) ([]byte, error) {
	s.order = append(s.order, "unwrap")
	return s.key, s.keyErr
}

func (s *spyDecryptor) VerifySignature(string, string, []byte) bool {
	s.order = append(s.order, "verify")
	return s.signatureOK
}

func (s *spyDecryptor) DecryptPayload(string, []byte) ([]byte, error) {
	s.order = append(s.order, "decrypt")
	s.decryptCalls++
	return s.plaintext, nil
}

type fetchCall struct {
	token, path string
	fields      []string
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	body  string
	err   error
	delay time.Duration
}

func (f *fakeFetcher) GetResource(ctx context.Context, token, path string, fields ...string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{token, path, fields})
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.body), nil
}

type fakeTokens struct{}

func (fakeTokens) AppToken(context.Context) (string, error) { return "app-token", nil }
func (fakeTokens) UserToken(_ context.Context, account string) (string, error) {
	if account == "nobody" {
		return "", graph.ErrNoToken
	}
	return "user-token:" + account, nil
}

type sent struct {
	room  string
	event models.Event
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sent
}

func (r *fakeRelay) Broadcast(room string, e models.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{room, e})
	return 1
}

func (r *fakeRelay) BroadcastAll(e models.Event) int { return r.Broadcast("*", e) }

func (r *fakeRelay) events() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

type fixture struct {
	registry  *subscriptions.MemoryRegistry
	validator *fakeValidator
	decryptor *spyDecryptor
	fetcher   *fakeFetcher
	relay     *fakeRelay
	settings  Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:  subscriptions.NewMemoryRegistry(),
		validator: &fakeValidator{ok: true},
		decryptor: &spyDecryptor{key: []byte("k"), signatureOK: true, plaintext: []byte(`{"body":"hi"}`)},
		fetcher:   &fakeFetcher{body: `{"id":"m1","subject":"hello"}`},
		relay:     &fakeRelay{},
		settings: Settings{
			AppID:        "app",
			TenantID:     "tenant",
			ClientState:  secret,
			FetchTimeout: time.Second,
		},
	}
	ctx := context.Background()
	require.NoError(t, f.registry.Put(ctx, &models.Subscription{ID: "s1", OwnerID: "user-1"}))
	require.NoError(t, f.registry.Put(ctx, &models.Subscription{ID: "s2", OwnerID: "user-2"}))
	require.NoError(t, f.registry.Put(ctx, &models.Subscription{ID: "app", OwnerID: models.AppOnlyOwner}))
	return f
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.settings, Deps{
		Validator: f.validator,
		Registry:  f.registry,
		Decryptor: f.decryptor,
		Fetcher:   f.fetcher,
		Tokens:    fakeTokens{},
		Relay:     f.relay,
		Logger:    logging.Discard(),
	})
}

func ref(sub, state, id string) models.Notification {
	return models.Notification{SubscriptionID: sub, ClientState: state, Payload: &models.ResourceRef{ID: id}}
}

func encrypted(sub string) models.Notification {
	return models.Notification{
		SubscriptionID: sub,
		ClientState:    secret,
		Resource:       "teams('t')/channels('c')/messages('m')",
		Payload:        &models.EncryptedContent{DataKey: "k", DataSignature: "s", Data: "d"},
	}
}

func TestProcess_FailedValidationTokenDropsBatch(t *testing.T) {
	f := newFixture(t)
	f.validator.ok = false

	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value:            []models.Notification{ref("s1", secret, "m1"), encrypted("s2")},
		ValidationTokens: []string{"bad"},
	})

	assert.False(t, res.Authentic)
	assert.Equal(t, 2, res.Count(ValidationFailure))
	assert.Empty(t, f.relay.events())
	assert.Empty(t, f.fetcher.calls)
	assert.Empty(t, f.decryptor.order)
}

func TestProcess_NoValidationTokensSkipsValidator(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("s1", secret, "m1")},
	})
	assert.True(t, res.Authentic)
	assert.Equal(t, 0, f.validator.calls)
	assert.Equal(t, 1, res.Count(Delivered))
}

func TestProcess_ClientStateMismatchSkipsOnlyThatItem(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{
			ref("s1", "WRONG", "m1"),
			ref("s2", secret, "m2"),
		},
	})

	require.Len(t, res.Items, 2)
	assert.Equal(t, ValidationFailure, res.Items[0].Outcome)
	assert.Equal(t, Delivered, res.Items[1].Outcome)

	events := f.relay.events()
	require.Len(t, events, 1)
	assert.Equal(t, "s2", events[0].room)
}

func TestProcess_UnknownSubscription(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{
			ref("missing", secret, "m1"),
			ref("s1", secret, "m2"),
		},
	})

	assert.Equal(t, LookupMiss, res.Items[0].Outcome)
	assert.Equal(t, Delivered, res.Items[1].Outcome)
	require.Len(t, f.relay.events(), 1)
	assert.Equal(t, "s1", f.relay.events()[0].room)
}

func TestProcess_DelegatedFetch(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("s1", secret, "AAMk/id=")},
	})

	require.Equal(t, Delivered, res.Items[0].Outcome)
	require.Len(t, f.fetcher.calls, 1)
	call := f.fetcher.calls[0]
	assert.Equal(t, "user-token:user-1", call.token)
	assert.Equal(t, "/me/messages/AAMk%2Fid=", call.path)
	assert.Equal(t, []string{"subject", "id"}, call.fields)

	ev := res.Items[0].Event
	assert.Equal(t, models.EventMessage, ev.Type)
	assert.Equal(t, "s1", ev.SubscriptionID)
	assert.JSONEq(t, f.fetcher.body, string(ev.Resource))
}

func TestProcess_AppOnlyPlainFetchesResourcePath(t *testing.T) {
	f := newFixture(t)
	n := models.Notification{
		SubscriptionID: "app",
		ClientState:    secret,
		Resource:       "Users/u1/Messages/m1",
		Payload:        &models.ResourceRef{ID: "m1"},
	}

	res := f.pipeline().Process(context.Background(), &models.Envelope{Value: []models.Notification{n}})

	require.Equal(t, Delivered, res.Items[0].Outcome)
	assert.Equal(t, models.EventUserMessage, res.Items[0].Event.Type)
	assert.Equal(t, "app-token", f.fetcher.calls[0].token)
	assert.Equal(t, "Users/u1/Messages/m1", f.fetcher.calls[0].path)
}

func TestProcess_MissingPayload(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{{SubscriptionID: "s1", ClientState: secret, Payload: models.NoPayload{}}},
	})
	assert.Equal(t, Malformed, res.Items[0].Outcome)
	assert.Empty(t, f.relay.events())
}

func TestProcess_FetchFailureDropsItemOnly(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = &graph.APIError{StatusCode: 503}

	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("s1", secret, "m1"), encrypted("s2")},
	})

	assert.Equal(t, RemoteFetchError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, graph.ErrRemoteFetch)
	assert.Equal(t, Delivered, res.Items[1].Outcome)
	assert.Len(t, f.relay.events(), 1)
}

func TestProcess_MissingUserTokenIsFetchError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Put(context.Background(), &models.Subscription{ID: "orphan", OwnerID: "nobody"}))

	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("orphan", secret, "m1")},
	})
	assert.Equal(t, RemoteFetchError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, graph.ErrNoToken)
	assert.Empty(t, f.fetcher.calls)
}

func TestProcess_FetchTimeout(t *testing.T) {
	f := newFixture(t)
	f.settings.FetchTimeout = 20 * time.Millisecond
	f.fetcher.delay = time.Second

	start := time.Now()
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("s1", secret, "m1")},
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, RemoteFetchError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, context.DeadlineExceeded)
}

func TestProcess_EncryptedOrderAndEvent(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{encrypted("app")},
	})

	require.Equal(t, Delivered, res.Items[0].Outcome)
	assert.Equal(t, []string{"unwrap", "verify", "decrypt"}, f.decryptor.order)
	assert.Equal(t, models.EventChatMessage, res.Items[0].Event.Type)
	assert.JSONEq(t, `{"body":"hi"}`, string(res.Items[0].Event.Resource))
	assert.Empty(t, f.fetcher.calls, "no enrichment unless enabled")
}

func TestProcess_BadSignatureNeverDecrypts(t *testing.T) {
	f := newFixture(t)
	f.decryptor.signatureOK = false

	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{encrypted("app")},
	})

	assert.Equal(t, DecryptionError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, ErrSignature)
	assert.Equal(t, 0, f.decryptor.decryptCalls)
	assert.Equal(t, []string{"unwrap", "verify"}, f.decryptor.order)
	assert.Empty(t, f.relay.events())
}

func TestProcess_KeyUnwrapFailure(t *testing.T) {
	f := newFixture(t)
	f.decryptor.keyErr = notifycrypto.ErrDecryption

	res := f.pipeline().Process(context.Background(), &models.Envelope{
		Value: []models.Notification{encrypted("app")},
	})
	assert.Equal(t, DecryptionError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, notifycrypto.ErrDecryption)
	assert.Equal(t, []string{"unwrap"}, f.decryptor.order)
}

func TestProcess_EncryptedWithoutKeyMaterial(t *testing.T) {
	f := newFixture(t)
	p := New(f.settings, Deps{Validator: f.validator, Registry: f.registry, Relay: f.relay, Logger: logging.Discard()})

	res := p.Process(context.Background(), &models.Envelope{Value: []models.Notification{encrypted("app")}})
	assert.Equal(t, DecryptionError, res.Items[0].Outcome)
	assert.ErrorIs(t, res.Items[0].Err, ErrNoDecryptor)
}

func TestProcess_Enrichment(t *testing.T) {
	f := newFixture(t)
	f.settings.EnrichEncrypted = true
	f.fetcher.body = `{"id":"m","body":{"content":"full"}}`

	res := f.pipeline().Process(context.Background(), &models.Envelope{Value: []models.Notification{encrypted("app")}})
	require.Equal(t, Delivered, res.Items[0].Outcome)
	assert.JSONEq(t, f.fetcher.body, string(res.Items[0].Event.Resource))

	f.fetcher.err = errors.New("boom")
	res = f.pipeline().Process(context.Background(), &models.Envelope{Value: []models.Notification{encrypted("app")}})
	require.Equal(t, Delivered, res.Items[0].Outcome, "enrichment failure keeps the decrypted payload")
	assert.JSONEq(t, `{"body":"hi"}`, string(res.Items[0].Event.Resource))
}

func TestProcess_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	var items []models.Notification
	for _, id := range []string{"a", "b", "c", "d"} {
		items = append(items, ref("s1", secret, id))
	}
	f.pipeline().Process(context.Background(), &models.Envelope{Value: items})

	require.Len(t, f.fetcher.calls, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, "/me/messages/"+id, f.fetcher.calls[i].path)
	}
}

func TestProcess_RelayModeAll(t *testing.T) {
	f := newFixture(t)
	f.settings.RelayMode = "all"
	f.pipeline().Process(context.Background(), &models.Envelope{Value: []models.Notification{ref("s1", secret, "m")}})
	require.Len(t, f.relay.events(), 1)
	assert.Equal(t, "*", f.relay.events()[0].room)
}

type panicFetcher struct{}

func (panicFetcher) GetResource(context.Context, string, string, ...string) (json.RawMessage, error) {
	panic("unexpected")
}

func TestProcess_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	p := New(f.settings, Deps{
		Validator: f.validator,
		Registry:  f.registry,
		Decryptor: f.decryptor,
		Fetcher:   panicFetcher{},
		Tokens:    fakeTokens{},
		Relay:     f.relay,
		Logger:    logging.Discard(),
	})

	res := p.Process(context.Background(), &models.Envelope{
		Value: []models.Notification{ref("s1", secret, "m1"), encrypted("app")},
	})
	assert.Equal(t, Failed, res.Items[0].Outcome)
	assert.Equal(t, Delivered, res.Items[1].Outcome)
}

func TestProcess_EmptyEnvelope(t *testing.T) {
	f := newFixture(t)
	res := f.pipeline().Process(context.Background(), nil)
	assert.True(t, res.Authentic)
	assert.Empty(t, res.Items)

	res = f.pipeline().Process(context.Background(), &models.Envelope{})
	assert.Empty(t, res.Items)
}

func TestProcess_RealDecryptor(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload := []byte(`{"id":"1616990032426","body":{"contentType":"text","content":"hello"}}`)
	content, err := notifycrypto.Seal(&priv.PublicKey, crypto.SHA1, payload)
	require.NoError(t, err)

	f := newFixture(t)
	p := New(f.settings, Deps{
		Validator: f.validator,
		Registry:  f.registry,
		Decryptor: notifycrypto.NewDecryptor(priv, crypto.SHA1),
		Relay:     f.relay,
		Logger:    logging.Discard(),
	})

	good := models.Notification{SubscriptionID: "app", ClientState: secret, Payload: content}
	sig, err := base64.StdEncoding.DecodeString(content.DataSignature)
	require.NoError(t, err)
	sig[0] ^= 0xff
	tampered := *content
	tampered.DataSignature = base64.StdEncoding.EncodeToString(sig)
	bad := models.Notification{SubscriptionID: "app", ClientState: secret, Payload: &tampered}

	res := p.Process(context.Background(), &models.Envelope{Value: []models.Notification{good, bad}})
	require.Equal(t, Delivered, res.Items[0].Outcome)
	assert.Equal(t, string(payload), string(res.Items[0].Event.Resource))
	assert.Equal(t, DecryptionError, res.Items[1].Outcome)
	assert.Len(t, f.relay.events(), 1)
}
