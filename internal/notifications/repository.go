package notifications

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, params ListParams) ([]Notification, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// Migrate creates or updates the notifications table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Notification{}); err != nil {
		return fmt.Errorf("migrate notifications: %w", err)
	}
	return nil
}

func (r *gormRepository) Create(ctx context.Context, n *Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *gormRepository) List(ctx context.Context, params ListParams) ([]Notification, error) {
	query := r.db.WithContext(ctx).Model(&Notification{})
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	out := []Notification{}
	if err := query.Order("created_at DESC, id DESC").Limit(params.Limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}
