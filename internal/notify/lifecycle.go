package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/subscriptions"
)

// ProcessLifecycle handles lifecycle events for tracked subscriptions.
// Removed subscriptions are forgotten and their room told about it,
// subscriptions needing reauthorization are renewed, missed batches are logged.
func (p *Pipeline) ProcessLifecycle(ctx context.Context, env *models.LifecycleEnvelope) Result {
	if env == nil || len(env.Value) == 0 {
		return Result{Authentic: true}
	}

	res := Result{Authentic: true, Items: make([]ItemResult, 0, len(env.Value))}
	for i, n := range env.Value {
		res.Items = append(res.Items, p.runLifecycle(ctx, i, n))
	}
	return res
}

func (p *Pipeline) runLifecycle(ctx context.Context, index int, n models.LifecycleNotification) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{Index: index, SubscriptionID: n.SubscriptionID, Outcome: Failed, Err: fmt.Errorf("panic: %v", r)}
			p.log.Error("lifecycle processing panicked", "subscription_id", n.SubscriptionID, "panic", r)
		}
	}()

	res = ItemResult{Index: index, SubscriptionID: n.SubscriptionID}
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

	log := p.log.With("subscription_id", sub.ID, "lifecycle_event", n.LifecycleEvent)

	switch n.LifecycleEvent {
	case models.LifecycleSubscriptionRemoved:
		if err := p.registry.Delete(ctx, sub.ID); err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
			log.Warn("failed to forget removed subscription", "error", err)
		}
		raw, _ := json.Marshal(n)
		event := models.Event{Type: models.EventLifecycle, Resource: raw, SubscriptionID: sub.ID}
		res.Event = &event
		res.Recipients = p.emit(sub.ID, event)
		res.Outcome = Delivered
		log.Info("subscription removed by publisher")

	case models.LifecycleReauthorizationRequired:
		if err := p.renew(ctx, sub); err != nil {
			return p.drop(res, RemoteFetchError, reasonRenew, err)
		}
		res.Outcome = Renewed
		log.Info("subscription renewed", "expires_at", sub.ExpiresAt)

	case models.LifecycleMissed:
		res.Outcome = Ignored
		log.Warn("publisher reports missed notifications")

	default:
		res.Outcome = Ignored
		log.Info("unhandled lifecycle event")
	}
	return res
}

func (p *Pipeline) renew(ctx context.Context, sub *models.Subscription) error {
	if p.renewer == nil || p.tokens == nil {
		return errors.New("no remote client configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.FetchTimeout)
	defer cancel()

	token, err := p.tokenFor(ctx, sub)
	if err != nil {
		return err
	}
	remote, err := p.renewer.RenewSubscription(ctx, token, sub.ID, p.now().Add(p.settings.SubscriptionTTL))
	if err != nil {
		return err
	}

	expires := remote.ExpirationDateTime
	sub.ExpiresAt = &expires
	if err := p.registry.Put(ctx, sub); err != nil {
		return fmt.Errorf("store renewed subscription: %w", err)
	}
	return nil
}
