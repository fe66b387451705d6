// Package subscriptions tracks the subscriptions this relay created, keyed by
// subscription id with a secondary lookup by owning account.
package subscriptions

import (
	"context"
	"errors"

	"github.com/xelth-com/graphnotify/internal/models"
)

// ErrNotFound is returned when no subscription has the requested id
var ErrNotFound = errors.New("subscription not found")

// Registry is the subscription store consumed by the notification pipeline
// and mutated by the subscribe flows. Implementations are safe for concurrent use.
type Registry interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
	Put(ctx context.Context, sub *models.Subscription) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Subscription, error)
}
