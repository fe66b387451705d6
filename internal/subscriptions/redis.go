package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xelth-com/graphnotify/internal/models"
)

// Key prefixes
const (
	prefixSubscription = "graphnotify:sub:"
	prefixOwner        = "graphnotify:owner:" // + owner id, set of subscription ids
)

// RedisRegistry stores subscriptions as JSON values with a per-owner id set
type RedisRegistry struct {
	rdb goredis.UniversalClient
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry over rdb
func NewRedisRegistry(rdb goredis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func subKey(id string) string      { return prefixSubscription + id }
func ownerKey(owner string) string { return prefixOwner + owner }

// Get loads a subscription by id
func (r *RedisRegistry) Get(ctx context.Context, id string) (*models.Subscription, error) {
	raw, err := r.rdb.Get(ctx, subKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}

	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return &sub, nil
}

// Put stores the subscription and moves it between owner sets when the owner changed
func (r *RedisRegistry) Put(ctx context.Context, sub *models.Subscription) error {
	now := time.Now().UTC()
	cp := *sub
	cp.UpdatedAt = now

	existing, err := r.Get(ctx, sub.ID)
	switch {
	case err == nil:
		cp.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	default:
		return err
	}

	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, subKey(sub.ID), raw, 0)
		if existing != nil && existing.OwnerID != sub.OwnerID {
			pipe.SRem(ctx, ownerKey(existing.OwnerID), sub.ID)
		}
		pipe.SAdd(ctx, ownerKey(sub.OwnerID), sub.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Delete removes a subscription and its owner index entry
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	existing, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, subKey(id))
		pipe.SRem(ctx, ownerKey(existing.OwnerID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// ListByOwner returns every subscription owned by ownerID. Index entries whose
// value has vanished are pruned.
func (r *RedisRegistry) ListByOwner(ctx context.Context, ownerID string) ([]*models.Subscription, error) {
	ids, err := r.rdb.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", ownerID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = subKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscriptions for %s: %w", ownerID, err)
	}

	var (
		out   []*models.Subscription
		stale []interface{}
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var sub models.Subscription
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", ids[i], err)
		}
		out = append(out, &sub)
	}
	if len(stale) > 0 {
		r.rdb.SRem(ctx, ownerKey(ownerID), stale...)
	}
	return out, nil
}

// Ping checks redis connectivity
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
