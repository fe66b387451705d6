package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/graphnotify/internal/models"
)

// GormRegistry persists subscriptions in a SQL database through gorm
type GormRegistry struct {
	db *gorm.DB
}

var _ Registry = (*GormRegistry)(nil)

// NewGormRegistry creates a registry over db
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// Migrate creates or updates the subscriptions table
func (r *GormRegistry) Migrate() error {
	return r.db.AutoMigrate(&models.Subscription{})
}

// Get loads a subscription by id
func (r *GormRegistry) Get(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return &sub, nil
}

// Put inserts the subscription or updates it in place
func (r *GormRegistry) Put(ctx context.Context, sub *models.Subscription) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "resource", "expires_at", "metadata", "updated_at"}),
		}).
		Create(sub).Error
	if err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Delete removes a subscription by id
func (r *GormRegistry) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Subscription{}).Error; err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// ListByOwner returns every subscription owned by ownerID
func (r *GormRegistry) ListByOwner(ctx context.Context, ownerID string) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", ownerID, err)
	}
	return subs, nil
}
