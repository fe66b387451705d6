// Package notify turns inbound change notification batches into relay events.
//
// A batch is authenticated as a whole through its validation tokens, then each
// item is checked, resolved against the subscription registry, decrypted or
// fetched, and broadcast. Items are processed in array order and every item is
// contained: a failure drops that item only and is reported as an Outcome.
package notify

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/xelth-com/graphnotify/internal/config"
	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/observability"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
)

// Outcome classifies what happened to one item
type Outcome string

const (
	Delivered         Outcome = "delivered"
	ValidationFailure Outcome = "validation_failure"
	LookupMiss        Outcome = "lookup_miss"
	DecryptionError   Outcome = "decryption_error"
	RemoteFetchError  Outcome = "remote_fetch_error"
	// Malformed items carry nothing the pipeline can resolve
	Malformed Outcome = "malformed"
	// Failed marks an item whose processing panicked
	Failed Outcome = "failed"

	// Lifecycle only
	Renewed Outcome = "renewed"
	Ignored Outcome = "ignored"
)

// Drop reasons logged with every dropped item
const (
	reasonClientState   = "client_state_mismatch"
	reasonUnknownSub    = "unknown_subscription"
	reasonRegistry      = "registry_error"
	reasonSignature     = "signature_invalid"
	reasonDecrypt       = "decrypt_failed"
	reasonFetch         = "fetch_failed"
	reasonMissing       = "missing_payload"
	reasonRenew         = "renew_failed"
	reasonInvalidTokens = "validation_tokens_invalid"
)

// ErrSignature is recorded when an encrypted bundle fails HMAC verification
var ErrSignature = errors.New("data signature mismatch")

// ErrNoDecryptor is recorded when encrypted content arrives without key material loaded
var ErrNoDecryptor = errors.New("no private key configured")

// Validator authenticates the validation tokens of a batch
type Validator interface {
	ValidateAll(ctx context.Context, tokens []string, appID, tenantID string) bool
}

// Decryptor performs the three decryption steps, always in the order
// unwrap, verify, decrypt
type Decryptor interface {
	DecryptSymmetricKey(dataKey string) ([]byte, error)
	VerifySignature(signature, data string, key []byte) bool
	DecryptPayload(data string, key []byte) ([]byte, error)
}

// Fetcher reads a resource from the remote API
type Fetcher interface {
	GetResource(ctx context.Context, token, path string, selectFields ...string) (json.RawMessage, error)
}

// Renewer extends a subscription's expiry at the publisher
type Renewer interface {
	RenewSubscription(ctx context.Context, token, id string, expiresAt time.Time) (*graph.RemoteSubscription, error)
}

// TokenSource supplies access tokens for remote calls
type TokenSource interface {
	AppToken(ctx context.Context) (string, error)
	UserToken(ctx context.Context, accountID string) (string, error)
}

// Relay fans events out to live connections
type Relay interface {
	Broadcast(subscriptionID string, event models.Event) int
	BroadcastAll(event models.Event) int
}

// Settings are the pipeline's static parameters
type Settings struct {
	AppID           string
	TenantID        string
	ClientState     string
	EnrichEncrypted bool
	FetchTimeout    time.Duration
	RelayMode       string
	SubscriptionTTL time.Duration
}

// SettingsFromConfig extracts the pipeline settings from cfg
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		AppID:           cfg.OAuth.ClientID,
		TenantID:        cfg.OAuth.TenantID,
		ClientState:     cfg.Subscription.ClientState,
		EnrichEncrypted: cfg.Notify.EnrichEncrypted,
		FetchTimeout:    cfg.Notify.FetchTimeout,
		RelayMode:       cfg.Notify.RelayMode,
		SubscriptionTTL: cfg.Subscription.TTL,
	}
}

// Deps are the pipeline's collaborators. Decryptor, Fetcher, Renewer and
// Tokens may be nil; items that need a missing collaborator are dropped.
type Deps struct {
	Validator Validator
	Registry  subscriptions.Registry
	Decryptor Decryptor
	Fetcher   Fetcher
	Renewer   Renewer
	Tokens    TokenSource
	Relay     Relay
	Logger    *slog.Logger
	Tracer    *observability.Tracer
	Now       func() time.Time
}

// ItemResult records the outcome of one item
type ItemResult struct {
	Index          int
	SubscriptionID string
	Outcome        Outcome
	Event          *models.Event
	Recipients     int
	Err            error
}

// Result is the per-batch processing summary
type Result struct {
	// Authentic is false when a validation token failed and the batch was skipped
	Authentic bool
	Items     []ItemResult
}

// Count returns how many items ended with outcome o
func (r Result) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Pipeline processes notification batches. It holds no per-call state and is
// safe for concurrent use.
type Pipeline struct {
	settings  Settings
	validator Validator
	registry  subscriptions.Registry
	decryptor Decryptor
	fetcher   Fetcher
	renewer   Renewer
	tokens    TokenSource
	relay     Relay
	log       *slog.Logger
	tracer    *observability.Tracer
	now       func() time.Time
}

// New creates a pipeline
func New(settings Settings, deps Deps) *Pipeline {
	if settings.FetchTimeout <= 0 {
		settings.FetchTimeout = 10 * time.Second
	}
	if settings.SubscriptionTTL <= 0 {
		settings.SubscriptionTTL = time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		settings:  settings,
		validator: deps.Validator,
		registry:  deps.Registry,
		decryptor: deps.Decryptor,
		fetcher:   deps.Fetcher,
		renewer:   deps.Renewer,
		tokens:    deps.Tokens,
		relay:     deps.Relay,
		log:       deps.Logger.With("component", "notify"),
		tracer:    deps.Tracer,
		now:       deps.Now,
	}
}

// Process handles one notification batch. It never returns an error: every
// failure is contained in the item it belongs to.
func (p *Pipeline) Process(ctx context.Context, env *models.Envelope) Result {
	if env == nil || len(env.Value) == 0 {
		return Result{Authentic: true}
	}

	ctx, span := p.tracer.StartBatchSpan(ctx, len(env.Value), len(env.ValidationTokens))
	defer span.End()

	if len(env.ValidationTokens) > 0 && !p.tokensValid(ctx, env.ValidationTokens) {
		p.log.Warn("skipping notification batch", "reason", reasonInvalidTokens, "items", len(env.Value))
		res := Result{Authentic: false, Items: make([]ItemResult, len(env.Value))}
		for i, n := range env.Value {
			res.Items[i] = ItemResult{Index: i, SubscriptionID: n.SubscriptionID, Outcome: ValidationFailure}
		}
		return res
	}

	res := Result{Authentic: true, Items: make([]ItemResult, 0, len(env.Value))}
	for i, n := range env.Value {
		res.Items = append(res.Items, p.runItem(ctx, i, n))
	}
	return res
}

func (p *Pipeline) tokensValid(ctx context.Context, tokens []string) bool {
	if p.validator == nil {
		return false
	}
	return p.validator.ValidateAll(ctx, tokens, p.settings.AppID, p.settings.TenantID)
}

func (p *Pipeline) runItem(ctx context.Context, index int, n models.Notification) (res ItemResult) {
	ctx, span := p.tracer.StartItemSpan(ctx, n.SubscriptionID, index)
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{
				Index:          index,
				SubscriptionID: n.SubscriptionID,
				Outcome:        Failed,
				Err:            fmt.Errorf("panic: %v", r),
			}
			p.log.Error("notification processing panicked", "subscription_id", n.SubscriptionID, "panic", r)
		}
		p.tracer.EndItemSpan(span, string(res.Outcome), res.Err)
	}()
	return p.processItem(ctx, index, n)
}

func (p *Pipeline) processItem(ctx context.Context, index int, n models.Notification) ItemResult {
	res := ItemResult{Index: index, SubscriptionID: n.SubscriptionID}

	if !p.clientStateMatches(n.ClientState) {
		return p.drop(res, ValidationFailure, reasonClientState, nil)
	}

	sub, err := p.registry.Get(ctx, n.SubscriptionID)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return p.drop(res, LookupMiss, reasonUnknownSub, nil)
		}
		return p.drop(res, LookupMiss, reasonRegistry, err)
	}

	var event models.Event
	switch payload := n.Payload.(type) {
	case *models.EncryptedContent:
		plaintext, outcome, reason, err := p.decrypt(payload)
		if err != nil {
			return p.drop(res, outcome, reason, err)
		}
		event = models.Event{Type: models.EventChatMessage, Resource: plaintext}
		if p.settings.EnrichEncrypted && n.Resource != "" {
			if full, err := p.fetch(ctx, sub, n.Resource); err == nil {
				event.Resource = full
			} else {
				p.log.Warn("enrichment fetch failed, emitting decrypted payload",
					"subscription_id", n.SubscriptionID, "error", err)
			}
		}

	case *models.ResourceRef:
		event, err = p.fetchEvent(ctx, sub, n, payload.ID)
		if err != nil {
			return p.drop(res, RemoteFetchError, reasonFetch, err)
		}

	default:
		if !sub.IsAppOnly() || n.Resource == "" {
			return p.drop(res, Malformed, reasonMissing, nil)
		}
		event, err = p.fetchEvent(ctx, sub, n, "")
		if err != nil {
			return p.drop(res, RemoteFetchError, reasonFetch, err)
		}
	}

	event.SubscriptionID = sub.ID
	res.Event = &event
	res.Outcome = Delivered
	res.Recipients = p.emit(sub.ID, event)
	p.log.Debug("notification relayed",
		"subscription_id", sub.ID, "event_type", event.Type, "recipients", res.Recipients)
	return res
}

func (p *Pipeline) clientStateMatches(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(p.settings.ClientState)) == 1
}

func (p *Pipeline) drop(res ItemResult, outcome Outcome, reason string, err error) ItemResult {
	res.Outcome = outcome
	res.Err = err
	attrs := []any{"subscription_id", res.SubscriptionID, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
		p.log.Warn("notification dropped", attrs...)
	} else {
		p.log.Info("notification dropped", attrs...)
	}
	return res
}

// decrypt runs unwrap, verify and decrypt in that order. The payload is
// never decrypted when the signature does not match.
func (p *Pipeline) decrypt(c *models.EncryptedContent) (json.RawMessage, Outcome, string, error) {
	if p.decryptor == nil {
		return nil, DecryptionError, reasonDecrypt, ErrNoDecryptor
	}

	key, err := p.decryptor.DecryptSymmetricKey(c.DataKey)
	if err != nil {
		return nil, DecryptionError, reasonDecrypt, err
	}
	if !p.decryptor.VerifySignature(c.DataSignature, c.Data, key) {
		return nil, DecryptionError, reasonSignature, ErrSignature
	}
	plaintext, err := p.decryptor.DecryptPayload(c.Data, key)
	if err != nil {
		return nil, DecryptionError, reasonDecrypt, err
	}
	if !json.Valid(plaintext) {
		return nil, DecryptionError, reasonDecrypt, errors.New("decrypted payload is not JSON")
	}
	return json.RawMessage(plaintext), "", "", nil
}

// fetchEvent reads the referenced resource. Application subscriptions read the
// notification's resource path with the app token; user subscriptions read the
// message by id with the owner's token.
func (p *Pipeline) fetchEvent(ctx context.Context, sub *models.Subscription, n models.Notification, id string) (models.Event, error) {
	if sub.IsAppOnly() {
		if n.Resource == "" {
			return models.Event{}, errors.New("notification has no resource path")
		}
		raw, err := p.fetch(ctx, sub, n.Resource)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Type: models.EventUserMessage, Resource: raw}, nil
	}

	if id == "" {
		return models.Event{}, errors.New("notification has no resource id")
	}
	raw, err := p.fetch(ctx, sub, "/me/messages/"+url.PathEscape(id), "subject", "id")
	if err != nil {
		return models.Event{}, err
	}
	return models.Event{Type: models.EventMessage, Resource: raw}, nil
}

func (p *Pipeline) fetch(ctx context.Context, sub *models.Subscription, path string, selectFields ...string) (json.RawMessage, error) {
	if p.fetcher == nil || p.tokens == nil {
		return nil, fmt.Errorf("%w: no remote client configured", graph.ErrRemoteFetch)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.FetchTimeout)
	defer cancel()

	token, err := p.tokenFor(ctx, sub)
	if err != nil {
		return nil, err
	}
	return p.fetcher.GetResource(ctx, token, path, selectFields...)
}

func (p *Pipeline) tokenFor(ctx context.Context, sub *models.Subscription) (string, error) {
	if sub.IsAppOnly() {
		return p.tokens.AppToken(ctx)
	}
	return p.tokens.UserToken(ctx, sub.OwnerID)
}

func (p *Pipeline) emit(subscriptionID string, event models.Event) int {
	if p.relay == nil {
		return 0
	}
	if p.settings.RelayMode == config.RelayModeAll {
		return p.relay.BroadcastAll(event)
	}
	return p.relay.Broadcast(subscriptionID, event)
}
