package loans

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/lending/pkg/events"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusReturned Status = "returned"
)

// AggregateType names loan streams in the event store.
const AggregateType = "loan"

// Loan is one borrowing of one copy. It moves active -> returned exactly once
// and is never deleted.
type Loan struct {
	ID           int64      `json:"id" db:"id"`
	UserID       int64      `json:"user_id" db:"user_id"`
	UserName     string     `json:"user_name" db:"user_name"`
	BookID       int64      `json:"book_id" db:"book_id"`
	BookTitle    string     `json:"book_title" db:"book_title"`
	LoanDate     time.Time  `json:"loan_date" db:"loan_date"`
	DueDate      time.Time  `json:"due_date" db:"due_date"`
	ReturnedDate *time.Time `json:"returned_date" db:"returned_date"`
	Status       Status     `json:"status" db:"status"`
}

type CreateLoanRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	UserName string `json:"user_name" validate:"required,max=200"`
	BookID   int64  `json:"book_id" validate:"required,gt=0"`
}

type ReturnLoanRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type ReturnLoanResponse struct {
	Status string `json:"status"`
	Loan   *Loan  `json:"loan"`
}

// ListFilter narrows ListLoans. Nil fields do not filter.
type ListFilter struct {
	UserID *int64
	Status *Status
}

// ReturnReceipt identifies the rows written alongside a return.
type ReturnReceipt struct {
	EventID          int64
	PendingReleaseID int64
}

// PendingRelease is a catalog release that has not been confirmed yet.
type PendingRelease struct {
	ID         int64      `json:"id" db:"id"`
	LoanID     *int64     `json:"loan_id" db:"loan_id"`
	BookID     int64      `json:"book_id" db:"book_id"`
	Reason     string     `json:"reason" db:"reason"`
	Attempts   int        `json:"attempts" db:"attempts"`
	LastError  *string    `json:"last_error" db:"last_error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at" db:"resolved_at"`
}

const (
	reasonReturn       = "return"
	reasonCompensation = "create-compensation"
)

// HistoryEntry is one lifecycle event of a loan as stored.
type HistoryEntry struct {
	Version     int                 `json:"version"`
	Type        string              `json:"type"`
	Payload     jsoniter.RawMessage `json:"payload"`
	CreatedAt   time.Time           `json:"created_at"`
	PublishedAt *time.Time          `json:"published_at"`
}

func (l *Loan) ref() events.LoanRef {
	return events.LoanRef{
		LoanID:    l.ID,
		UserID:    l.UserID,
		UserName:  l.UserName,
		BookID:    l.BookID,
		BookTitle: l.BookTitle,
	}
}

func (l *Loan) CreatedEvent() events.LoanCreated {
	return events.LoanCreated{LoanRef: l.ref(), DueDate: l.DueDate}
}

func (l *Loan) ReturnedEvent() events.LoanReturned {
	var returned time.Time
	if l.ReturnedDate != nil {
		returned = *l.ReturnedDate
	}
	return events.LoanReturned{LoanRef: l.ref(), ReturnedDate: returned}
}

// OverdueEvent reports how many whole days past due the loan is at now.
func (l *Loan) OverdueEvent(now time.Time) events.LoanOverdue {
	days := int(now.Sub(l.DueDate) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return events.LoanOverdue{LoanRef: l.ref(), DueDate: l.DueDate, DaysOverdue: days}
}

func (s Status) valid() bool {
	return s == StatusActive || s == StatusReturned
}
