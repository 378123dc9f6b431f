package analytics

import "time"

// Queue is the durable queue the aggregator consumes from.
const Queue = "analytics-queue"

const aggregateID = 1

// AggregateMetric is the single library-wide counter row.
type AggregateMetric struct {
	ID           int64 `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TotalLoans   int64 `gorm:"not null;default:0" json:"total_loans"`
	ActiveLoans  int64 `gorm:"not null;default:0" json:"active_loans"`
	TotalReturns int64 `gorm:"not null;default:0" json:"total_returns"`
}

// UserMetric counts one user's borrowing.
type UserMetric struct {
	UserID        int64 `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	LoansTaken    int64 `gorm:"not null;default:0" json:"loans_taken"`
	LoansReturned int64 `gorm:"not null;default:0" json:"loans_returned"`
}

// ProcessedEvent records an idempotency token that has already been counted.
type ProcessedEvent struct {
	Token       string    `gorm:"primaryKey;size:200"`
	ProcessedAt time.Time `gorm:"not null"`
}
