// Package events defines the loan lifecycle events exchanged on the bus.
//
// The set of variants is closed: LoanCreated, LoanReturned, LoanOverdue and
// Unknown. Consumers switch on the concrete type after Decode.
package events

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Type string

const (
	TypeLoanCreated  Type = "loan.created"
	TypeLoanReturned Type = "loan.returned"
	TypeLoanOverdue  Type = "loan.overdue"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() Type
	isEvent()
}

// LoanRef carries the loan snapshot every loan event shares.
type LoanRef struct {
	LoanID    int64  `json:"loan_id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	BookID    int64  `json:"book_id"`
	BookTitle string `json:"book_title"`
}

type LoanCreated struct {
	LoanRef
	DueDate time.Time `json:"due_date"`
}

type LoanReturned struct {
	LoanRef
	ReturnedDate time.Time `json:"returned_date"`
}

type LoanOverdue struct {
	LoanRef
	DueDate     time.Time `json:"due_date"`
	DaysOverdue int       `json:"days_overdue"`
}

// Unknown is any event whose type this build does not recognise. Ref holds
// whatever loan fields could be read from the payload.
type Unknown struct {
	Name    string
	Ref     LoanRef
	Payload []byte
}

func (LoanCreated) Type() Type  { return TypeLoanCreated }
func (LoanReturned) Type() Type { return TypeLoanReturned }
func (LoanOverdue) Type() Type  { return TypeLoanOverdue }
func (u Unknown) Type() Type    { return Type(u.Name) }

func (LoanCreated) isEvent()  {}
func (LoanReturned) isEvent() {}
func (LoanOverdue) isEvent()  {}
func (Unknown) isEvent()      {}

// Ref returns the loan snapshot of e.
func Ref(e Event) LoanRef {
	switch v := e.(type) {
	case LoanCreated:
		return v.LoanRef
	case LoanReturned:
		return v.LoanRef
	case LoanOverdue:
		return v.LoanRef
	case Unknown:
		return v.Ref
	default:
		return LoanRef{}
	}
}

// RoutingKey maps an event type onto its topic routing key.
func RoutingKey(t Type) string {
	return strings.ReplaceAll(string(t), "_", ".")
}

// IdempotencyToken identifies one logical occurrence of e, for example
// "loan.created:42". Unknown events and events without a loan id have no
// token.
func IdempotencyToken(e Event) string {
	if _, ok := e.(Unknown); ok {
		return ""
	}
	ref := Ref(e)
	if ref.LoanID == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.Type(), ref.LoanID)
}
