package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/libranexus/lending/pkg/db"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
)

// ErrNotApplied means a conditional inventory update matched no row: the
// book is missing or the bound would be violated.
var ErrNotApplied = errors.New("inventory update not applied")

const (
	isbnUniqueIndex = "books_isbn_key"

	bookColumns = `id, title, author, isbn, total_copies, available_copies, created_at, updated_at`
)

// Repository persists books.
type Repository interface {
	Create(ctx context.Context, b *Book) (*Book, error)
	Get(ctx context.Context, id int64) (*Book, error)
	List(ctx context.Context, search string) ([]Book, error)
	Update(ctx context.Context, b *Book) (*Book, error)
	Delete(ctx context.Context, id int64) error
	// Reserve and Release apply a single conditional update and return
	// ErrNotApplied when no row qualified.
	Reserve(ctx context.Context, id int64, count int) (*Book, error)
	Release(ctx context.Context, id int64, count int) (*Book, error)
}

type sqlRepository struct {
	db *sqlx.DB
}

func NewRepository(conn *sqlx.DB) Repository {
	return &sqlRepository{db: conn}
}

func (r *sqlRepository) Create(ctx context.Context, b *Book) (*Book, error) {
	var out Book
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO books (title, author, isbn, total_copies, available_copies)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+bookColumns,
		b.Title, b.Author, b.ISBN, b.TotalCopies, b.AvailableCopies)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return &out, nil
}

func (r *sqlRepository) Get(ctx context.Context, id int64) (*Book, error) {
	var out Book
	err := r.db.GetContext(ctx, &out, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errBookNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get book %d: %w", id, err)
	}
	return &out, nil
}

func (r *sqlRepository) List(ctx context.Context, search string) ([]Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books`
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		query += ` WHERE title ILIKE $1 OR author ILIKE $1 OR isbn ILIKE $1`
		args = append(args, "%"+escapeLike(search)+"%")
	}
	query += ` ORDER BY id ASC`

	books := []Book{}
	if err := r.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (r *sqlRepository) Update(ctx context.Context, b *Book) (*Book, error) {
	var out Book
	err := r.db.GetContext(ctx, &out, `
		UPDATE books
		SET title = $2, author = $3, isbn = $4, total_copies = $5, available_copies = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING `+bookColumns,
		b.ID, b.Title, b.Author, b.ISBN, b.TotalCopies, b.AvailableCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errBookNotFound()
	}
	if err != nil {
		return nil, mapWriteError(err)
	}
	return &out, nil
}

func (r *sqlRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete book %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errBookNotFound()
	}
	return nil
}

func (r *sqlRepository) Reserve(ctx context.Context, id int64, count int) (*Book, error) {
	return r.adjust(ctx, `
		UPDATE books
		SET available_copies = available_copies - $2, updated_at = NOW()
		WHERE id = $1 AND available_copies >= $2
		RETURNING `+bookColumns, id, count)
}

func (r *sqlRepository) Release(ctx context.Context, id int64, count int) (*Book, error) {
	return r.adjust(ctx, `
		UPDATE books
		SET available_copies = available_copies + $2, updated_at = NOW()
		WHERE id = $1 AND available_copies + $2 <= total_copies
		RETURNING `+bookColumns, id, count)
}

func (r *sqlRepository) adjust(ctx context.Context, query string, id int64, count int) (*Book, error) {
	var out Book
	err := r.db.GetContext(ctx, &out, query, id, count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotApplied
	}
	if err != nil {
		return nil, fmt.Errorf("adjust inventory for book %d: %w", id, err)
	}
	return &out, nil
}

func mapWriteError(err error) error {
	switch {
	case db.IsUniqueViolation(err, isbnUniqueIndex):
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "Book with this ISBN already exists")
	case db.IsCheckViolation(err, ""):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "Available copies cannot exceed total copies")
	default:
		return fmt.Errorf("write book: %w", err)
	}
}

func errBookNotFound() error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "Book not found")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
