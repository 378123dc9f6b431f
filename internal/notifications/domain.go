package notifications

import (
	"fmt"
	"time"

	"github.com/libranexus/lending/pkg/events"
)

// Queue is the durable queue the projection consumes from.
const Queue = "notification-queue"

const (
	DefaultLimit = 50
	MaxLimit     = 200

	unknownField = "unknown"
)

// Notification is one projected message for a user. Delivered is reserved for
// an outbound channel and stays false.
type Notification struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	UserName  string    `gorm:"not null" json:"user_name"`
	BookTitle string    `gorm:"not null" json:"book_title"`
	EventType string    `gorm:"not null" json:"event_type"`
	Message   string    `gorm:"not null" json:"message"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	Delivered bool      `gorm:"not null;default:false" json:"delivered"`
}

// ListParams narrows List. A nil UserID lists every user; Limit must be in
// [1, MaxLimit] and the HTTP layer fills in DefaultLimit.
type ListParams struct {
	UserID *int64
	Limit  int
}

// Render builds the notification row for e.
func Render(e events.Event) Notification {
	ref := events.Ref(e)
	n := Notification{
		UserID:    ref.UserID,
		UserName:  orUnknown(ref.UserName),
		BookTitle: orUnknown(ref.BookTitle),
		EventType: string(e.Type()),
	}
	switch v := e.(type) {
	case events.LoanCreated:
		n.Message = fmt.Sprintf("%s borrowed \"%s\".", v.UserName, v.BookTitle)
	case events.LoanReturned:
		n.Message = fmt.Sprintf("%s returned \"%s\".", v.UserName, v.BookTitle)
	case events.LoanOverdue:
		n.Message = fmt.Sprintf("%s, \"%s\" is overdue (due %s).", v.UserName, v.BookTitle, v.DueDate.UTC().Format(time.DateOnly))
	default:
		n.Message = fmt.Sprintf("Received event %s", e.Type())
	}
	return n
}

func orUnknown(s string) string {
	if s == "" {
		return unknownField
	}
	return s
}
