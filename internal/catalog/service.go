package catalog

import "context"

// Service defines the catalog inventory operations.
type Service interface {
	CreateBook(ctx context.Context, in BookInput) (*Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
	ListBooks(ctx context.Context, search string) ([]Book, error)
	UpdateBook(ctx context.Context, id int64, in BookInput) (*Book, error)
	DeleteBook(ctx context.Context, id int64) error

	// Reserve takes count copies off the shelf.
	Reserve(ctx context.Context, id int64, count int) (*Book, error)
	// Release puts count copies back.
	Release(ctx context.Context, id int64, count int) (*Book, error)
}
