package loans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"

	"github.com/libranexus/lending/pkg/db"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/eventstore"
)

const activeLoanIndex = "loans_one_active_per_user_book"

var (
	dialect     = goqu.Dialect("postgres")
	loanColumns = []any{"id", "user_id", "user_name", "book_id", "book_title", "loan_date", "due_date", "returned_date", "status"}
)

const loanReturning = `id, user_id, user_name, book_id, book_title, loan_date, due_date, returned_date, status`

// Repository persists loans, their lifecycle events and pending releases.
type Repository interface {
	HasActiveLoan(ctx context.Context, userID, bookID int64) (bool, error)
	// CreateLoan inserts an active loan and appends its loan.created event in
	// one transaction, returning the stored loan and the event row id.
	CreateLoan(ctx context.Context, loan *Loan) (*Loan, int64, error)
	GetLoan(ctx context.Context, id int64) (*Loan, error)
	ListLoans(ctx context.Context, filter ListFilter) ([]Loan, error)
	// MarkReturned flips an active loan to returned, appends loan.returned and
	// records a pending release in one transaction.
	MarkReturned(ctx context.Context, id int64, at time.Time) (*Loan, ReturnReceipt, error)
	// ListOverdue pages through active loans due before now in id order.
	ListOverdue(ctx context.Context, now time.Time, afterID int64, limit int) ([]Loan, error)

	History(ctx context.Context, loanID int64) ([]eventstore.Event, error)
	UnpublishedEvents(ctx context.Context, olderThan time.Time, limit int) ([]eventstore.Event, error)
	MarkPublished(ctx context.Context, eventIDs ...int64) error

	AddPendingRelease(ctx context.Context, loanID *int64, bookID int64, reason string) (int64, error)
	ResolvePendingRelease(ctx context.Context, id int64) error
	// ListPendingReleases returns unresolved releases created before olderThan,
	// oldest first.
	ListPendingReleases(ctx context.Context, olderThan time.Time, limit int) ([]PendingRelease, error)
	RecordReleaseAttempt(ctx context.Context, id int64, failure string) error
}

type sqlRepository struct {
	db    *sqlx.DB
	store *eventstore.Store
}

func NewRepository(conn *sqlx.DB, store *eventstore.Store) Repository {
	return &sqlRepository{db: conn, store: store}
}

func (r *sqlRepository) HasActiveLoan(ctx context.Context, userID, bookID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM loans WHERE user_id = $1 AND book_id = $2 AND status = 'active'
		)`, userID, bookID)
	if err != nil {
		return false, fmt.Errorf("check active loan: %w", err)
	}
	return exists, nil
}

func (r *sqlRepository) CreateLoan(ctx context.Context, loan *Loan) (*Loan, int64, error) {
	var (
		created Loan
		eventID int64
	)
	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &created, `
			INSERT INTO loans (user_id, user_name, book_id, book_title, loan_date, due_date, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'active')
			RETURNING `+loanReturning,
			loan.UserID, loan.UserName, loan.BookID, loan.BookTitle, loan.LoanDate, loan.DueDate)
		if err != nil {
			return err
		}
		ids, err := r.appendEvent(ctx, tx, created.ID, 0, created.CreatedEvent())
		if err != nil {
			return err
		}
		eventID = ids[0]
		return nil
	})
	if db.IsUniqueViolation(err, activeLoanIndex) {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeConflict, err, errActiveLoanExists)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("create loan: %w", err)
	}
	return &created, eventID, nil
}

func (r *sqlRepository) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	query, args, err := dialect.From("loans").Select(loanColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}
	var loan Loan
	err = r.db.GetContext(ctx, &loan, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errLoanNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %d: %w", id, err)
	}
	return &loan, nil
}

func (r *sqlRepository) ListLoans(ctx context.Context, filter ListFilter) ([]Loan, error) {
	ds := dialect.From("loans").Select(loanColumns...)
	if filter.UserID != nil {
		ds = ds.Where(goqu.C("user_id").Eq(*filter.UserID))
	}
	if filter.Status != nil {
		ds = ds.Where(goqu.C("status").Eq(string(*filter.Status)))
	}
	query, args, err := ds.Order(goqu.C("loan_date").Desc(), goqu.C("id").Desc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	loans := []Loan{}
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

func (r *sqlRepository) MarkReturned(ctx context.Context, id int64, at time.Time) (*Loan, ReturnReceipt, error) {
	var (
		loan    Loan
		receipt ReturnReceipt
	)
	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &loan, `
			UPDATE loans SET status = 'returned', returned_date = $2
			WHERE id = $1 AND status = 'active'
			RETURNING `+loanReturning, id, at)
		if errors.Is(err, sql.ErrNoRows) {
			return pkgerrors.New(pkgerrors.CodeAlreadyReturned, errAlreadyReturned)
		}
		if err != nil {
			return fmt.Errorf("mark loan returned: %w", err)
		}

		ids, err := r.appendEvent(ctx, tx, loan.ID, eventstore.AnyVersion, loan.ReturnedEvent())
		if err != nil {
			return err
		}
		receipt.EventID = ids[0]

		return tx.GetContext(ctx, &receipt.PendingReleaseID, `
			INSERT INTO pending_releases (loan_id, book_id, reason)
			VALUES ($1, $2, $3)
			RETURNING id`, loan.ID, loan.BookID, reasonReturn)
	})
	if err != nil {
		return nil, ReturnReceipt{}, err
	}
	return &loan, receipt, nil
}

func (r *sqlRepository) ListOverdue(ctx context.Context, now time.Time, afterID int64, limit int) ([]Loan, error) {
	query, args, err := dialect.From("loans").Select(loanColumns...).
		Where(
			goqu.C("status").Eq(string(StatusActive)),
			goqu.C("due_date").Lt(now.UTC()),
			goqu.C("id").Gt(afterID),
		).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build overdue query: %w", err)
	}
	loans := []Loan{}
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("list overdue loans: %w", err)
	}
	return loans, nil
}

func (r *sqlRepository) History(ctx context.Context, loanID int64) ([]eventstore.Event, error) {
	return r.store.LoadEvents(ctx, eventstore.AggregateID(AggregateType, loanID), 0, 0)
}

func (r *sqlRepository) UnpublishedEvents(ctx context.Context, olderThan time.Time, limit int) ([]eventstore.Event, error) {
	return r.store.StreamUnpublished(ctx, olderThan, limit)
}

func (r *sqlRepository) MarkPublished(ctx context.Context, eventIDs ...int64) error {
	return r.store.MarkPublished(ctx, eventIDs...)
}

func (r *sqlRepository) AddPendingRelease(ctx context.Context, loanID *int64, bookID int64, reason string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO pending_releases (loan_id, book_id, reason)
		VALUES ($1, $2, $3)
		RETURNING id`, loanID, bookID, reason)
	if err != nil {
		return 0, fmt.Errorf("add pending release: %w", err)
	}
	return id, nil
}

func (r *sqlRepository) ResolvePendingRelease(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_releases SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("resolve pending release %d: %w", id, err)
	}
	return nil
}

func (r *sqlRepository) ListPendingReleases(ctx context.Context, olderThan time.Time, limit int) ([]PendingRelease, error) {
	releases := []PendingRelease{}
	err := r.db.SelectContext(ctx, &releases, `
		SELECT id, loan_id, book_id, reason, attempts, last_error, created_at, resolved_at
		FROM pending_releases
		WHERE resolved_at IS NULL AND created_at < $1
		ORDER BY id ASC
		LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending releases: %w", err)
	}
	return releases, nil
}

func (r *sqlRepository) RecordReleaseAttempt(ctx context.Context, id int64, failure string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_releases SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, failure)
	if err != nil {
		return fmt.Errorf("record release attempt %d: %w", id, err)
	}
	return nil
}

func (r *sqlRepository) appendEvent(ctx context.Context, tx *sqlx.Tx, loanID int64, expectedVersion int, e events.Event) ([]int64, error) {
	payload, err := events.EncodePayload(e)
	if err != nil {
		return nil, err
	}
	ids, err := r.store.AppendEventsTx(ctx, tx,
		eventstore.AggregateID(AggregateType, loanID), AggregateType, expectedVersion,
		[]eventstore.Event{{EventType: string(e.Type()), EventData: payload}})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", e.Type(), err)
	}
	return ids, nil
}
