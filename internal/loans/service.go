package loans

import "context"

// Service defines the loan lifecycle operations.
type Service interface {
	CreateLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error)
	ReturnLoan(ctx context.Context, loanID int64, req ReturnLoanRequest) (*Loan, error)
	GetLoan(ctx context.Context, loanID int64) (*Loan, error)
	ListLoans(ctx context.Context, filter ListFilter) ([]Loan, error)
	History(ctx context.Context, loanID int64) ([]HistoryEntry, error)
}
