package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xelth-com/graphnotify/internal/models"
)

// MemoryRegistry is a volatile Registry. Subscriptions are lost on restart and
// the publisher's later notifications for them are dropped as unknown.
type MemoryRegistry struct {
	subs map[string]*models.Subscription
	mu   sync.RWMutex
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty MemoryRegistry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{subs: make(map[string]*models.Subscription)}
}

// Get returns a copy of the subscription with the given id
func (r *MemoryRegistry) Get(_ context.Context, id string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Put adds or replaces a subscription
func (r *MemoryRegistry) Put(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *sub
	now := time.Now().UTC()
	if existing, ok := r.subs[sub.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.subs[sub.ID] = &cp
	return nil
}

// Delete removes a subscription. Deleting an unknown id is not an error.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
	return nil
}

// ListByOwner scans all subscriptions for those owned by ownerID
func (r *MemoryRegistry) ListByOwner(_ context.Context, ownerID string) ([]*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Subscription
	for _, sub := range r.subs {
		if sub.OwnerID == ownerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of tracked subscriptions
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
