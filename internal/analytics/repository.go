package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Delta is the change one event applies to the counters.
type Delta struct {
	UserID        int64
	TotalLoans    int64
	ActiveLoans   int64
	TotalReturns  int64
	LoansTaken    int64
	LoansReturned int64
	// ActiveUnless skips the ActiveLoans change when that token is claimed.
	ActiveUnless string
	// ActiveOnlyAfter applies the ActiveLoans change only once that token is claimed.
	ActiveOnlyAfter string
}

type Repository interface {
	// Apply claims token and applies d in one transaction. It reports false
	// without changing anything when the token was already claimed. An empty
	// token is applied without a claim.
	Apply(ctx context.Context, token string, at time.Time, d Delta) (bool, error)
	Summary(ctx context.Context) (*AggregateMetric, error)
	User(ctx context.Context, userID int64) (*UserMetric, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// Migrate creates or updates the analytics tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&AggregateMetric{}, &UserMetric{}, &ProcessedEvent{}); err != nil {
		return fmt.Errorf("migrate analytics: %w", err)
	}
	return nil
}

func (r *gormRepository) Apply(ctx context.Context, token string, at time.Time, d Delta) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if token != "" {
			claim := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&ProcessedEvent{Token: token, ProcessedAt: at})
			if claim.Error != nil {
				return fmt.Errorf("claim %s: %w", token, claim.Error)
			}
			if claim.RowsAffected == 0 {
				return nil
			}
		}

		active := d.ActiveLoans
		if d.ActiveUnless != "" || d.ActiveOnlyAfter != "" {
			var err error
			if active, err = pairedActive(tx, d); err != nil {
				return err
			}
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&AggregateMetric{ID: aggregateID}).Error; err != nil {
			return fmt.Errorf("ensure aggregate row: %w", err)
		}
		err := tx.Model(&AggregateMetric{}).Where("id = ?", aggregateID).Updates(map[string]any{
			"total_loans":   gorm.Expr("total_loans + ?", d.TotalLoans),
			"total_returns": gorm.Expr("total_returns + ?", d.TotalReturns),
			"active_loans":  gorm.Expr("CASE WHEN active_loans + ? < 0 THEN 0 ELSE active_loans + ? END", active, active),
		}).Error
		if err != nil {
			return fmt.Errorf("update aggregate: %w", err)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&UserMetric{UserID: d.UserID}).Error; err != nil {
			return fmt.Errorf("ensure user row: %w", err)
		}
		err = tx.Model(&UserMetric{}).Where("user_id = ?", d.UserID).Updates(map[string]any{
			"loans_taken":    gorm.Expr("loans_taken + ?", d.LoansTaken),
			"loans_returned": gorm.Expr("loans_returned + ?", d.LoansReturned),
		}).Error
		if err != nil {
			return fmt.Errorf("update user %d: %w", d.UserID, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// pairedActive returns the ActiveLoans change d may apply given the claim
// state of its paired event, so a created and returned pair nets to zero in
// either arrival order.
func pairedActive(tx *gorm.DB, d Delta) (int64, error) {
	claimed := func(token string) (bool, error) {
		var n int64
		if err := tx.Model(&ProcessedEvent{}).Where("token = ?", token).Count(&n).Error; err != nil {
			return false, fmt.Errorf("look up %s: %w", token, err)
		}
		return n > 0, nil
	}
	if d.ActiveUnless != "" {
		ok, err := claimed(d.ActiveUnless)
		if err != nil || ok {
			return 0, err
		}
	}
	if d.ActiveOnlyAfter != "" {
		ok, err := claimed(d.ActiveOnlyAfter)
		if err != nil || !ok {
			return 0, err
		}
	}
	return d.ActiveLoans, nil
}

func (r *gormRepository) Summary(ctx context.Context) (*AggregateMetric, error) {
	var m AggregateMetric
	err := r.db.WithContext(ctx).First(&m, aggregateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &AggregateMetric{ID: aggregateID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	return &m, nil
}

func (r *gormRepository) User(ctx context.Context, userID int64) (*UserMetric, error) {
	var m UserMetric
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &UserMetric{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return &m, nil
}
