package loans

import (
	"context"
	"errors"
	"time"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/pkg/bus"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/logger"
	"github.com/libranexus/lending/pkg/metrics"
)

const (
	errActiveLoanExists = "Active loan already exists for this user and book"
	errAlreadyReturned  = "Loan already returned"

	defaultLoanPeriod    = 14 * 24 * time.Hour
	defaultRepairTimeout = 10 * time.Second
)

// Catalog is the part of the catalog API the loan saga calls.
type Catalog interface {
	GetBook(ctx context.Context, id int64) (*catalog.Book, error)
	Reserve(ctx context.Context, id int64, count int) (*catalog.Book, error)
	Release(ctx context.Context, id int64, count int) (*catalog.Book, error)
}

type ServiceParams struct {
	Repository Repository
	Catalog    Catalog
	Publisher  bus.Publisher
	Logger     *logger.Logger
	Metrics    *metrics.LoanMetrics
	LoanPeriod time.Duration
	// RepairTimeout bounds compensating releases, which run detached from
	// the caller's context.
	RepairTimeout time.Duration
}

type service struct {
	repo          Repository
	catalog       Catalog
	publisher     bus.Publisher
	logg          *logger.Logger
	metrics       *metrics.LoanMetrics
	loanPeriod    time.Duration
	repairTimeout time.Duration
	now           func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	return newService(params)
}

func newService(params ServiceParams) (*service, error) {
	if params.Repository == nil {
		return nil, errors.New("loan repository required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog client required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.LoanPeriod <= 0 {
		params.LoanPeriod = defaultLoanPeriod
	}
	if params.RepairTimeout <= 0 {
		params.RepairTimeout = defaultRepairTimeout
	}
	return &service{
		repo:          params.Repository,
		catalog:       params.Catalog,
		publisher:     params.Publisher,
		logg:          params.Logger,
		metrics:       params.Metrics,
		loanPeriod:    params.LoanPeriod,
		repairTimeout: params.RepairTimeout,
		now:           time.Now,
	}, nil
}

// CreateLoan runs the borrow saga: check the book, reserve a copy, persist
// the loan with its event, then publish. A failed persist releases the copy.
func (s *service) CreateLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{"user_id": req.UserID, "book_id": req.BookID})

	loan, err := s.createLoan(ctx, req)
	s.metrics.Operation("create", outcome(err))
	return loan, err
}

func (s *service) createLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error) {
	book, err := s.catalog.GetBook(ctx, req.BookID)
	if err != nil {
		return nil, err
	}
	if book.AvailableCopies <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNoCopiesAvailable, "No available copies")
	}

	exists, err := s.repo.HasActiveLoan(ctx, req.UserID, req.BookID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, errActiveLoanExists)
	}

	if _, err := s.catalog.Reserve(ctx, req.BookID, 1); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	created, eventID, err := s.repo.CreateLoan(ctx, &Loan{
		UserID:    req.UserID,
		UserName:  req.UserName,
		BookID:    req.BookID,
		BookTitle: book.Title,
		LoanDate:  now,
		DueDate:   now.Add(s.loanPeriod),
		Status:    StatusActive,
	})
	if err != nil {
		s.compensate(ctx, req.BookID, err)
		return nil, err
	}

	ctx = s.logg.WithLoanID(ctx, created.ID)
	s.logg.Info(ctx, "loan created")
	s.publish(ctx, created.CreatedEvent(), eventID)
	return created, nil
}

// compensate gives back the copy reserved for a loan that was never stored.
func (s *service) compensate(ctx context.Context, bookID int64, cause error) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	s.logg.Warn(s.logg.WithField(ctx, "cause", cause.Error()), "loan persist failed, releasing reserved copy")
	if _, err := s.catalog.Release(ctx, bookID, 1); err != nil {
		s.metrics.Compensation("failed")
		s.metrics.ReleaseFailure(reasonCompensation)
		s.logg.Error(ctx, "compensating release failed, queued for retry", err)
		if _, err := s.repo.AddPendingRelease(ctx, nil, bookID, reasonCompensation); err != nil {
			s.logg.Error(ctx, "could not queue pending release", err)
		}
		return
	}
	s.metrics.Compensation("ok")
}

// ReturnLoan closes an active loan owned by req.UserID and puts the copy back.
// A failed catalog release does not undo the return; it stays queued.
func (s *service) ReturnLoan(ctx context.Context, loanID int64, req ReturnLoanRequest) (*Loan, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{"loan_id": loanID, "user_id": req.UserID})

	loan, err := s.returnLoan(ctx, loanID, req)
	s.metrics.Operation("return", outcome(err))
	return loan, err
}

func (s *service) returnLoan(ctx context.Context, loanID int64, req ReturnLoanRequest) (*Loan, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != req.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "Forbidden")
	}
	if loan.Status == StatusReturned {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyReturned, errAlreadyReturned)
	}

	returned, receipt, err := s.repo.MarkReturned(ctx, loanID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "loan returned")

	s.releaseReturned(ctx, returned, receipt.PendingReleaseID)
	s.publish(ctx, returned.ReturnedEvent(), receipt.EventID)
	return returned, nil
}

func (s *service) releaseReturned(ctx context.Context, loan *Loan, pendingID int64) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	if _, err := s.catalog.Release(ctx, loan.BookID, 1); err != nil {
		s.metrics.ReleaseFailure(reasonReturn)
		s.logg.Error(ctx, "release after return failed, left for retry", err)
		return
	}
	if err := s.repo.ResolvePendingRelease(ctx, pendingID); err != nil {
		s.logg.Error(ctx, "could not resolve pending release", err)
	}
}

func (s *service) GetLoan(ctx context.Context, loanID int64) (*Loan, error) {
	return s.repo.GetLoan(ctx, loanID)
}

func (s *service) ListLoans(ctx context.Context, filter ListFilter) ([]Loan, error) {
	if filter.Status != nil && !filter.Status.valid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "status_filter must be one of [active returned]").
			WithDetails(map[string]string{"status_filter": "must be one of [active returned]"})
	}
	return s.repo.ListLoans(ctx, filter)
}

func (s *service) History(ctx context.Context, loanID int64) ([]HistoryEntry, error) {
	if _, err := s.repo.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	stored, err := s.repo.History(ctx, loanID)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, HistoryEntry{
			Version:     e.Version,
			Type:        e.EventType,
			Payload:     e.EventData,
			CreatedAt:   e.CreatedAt,
			PublishedAt: e.PublishedAt,
		})
	}
	return entries, nil
}

// publish sends e eagerly and stamps its outbox row. On failure the row stays
// unpublished and the relay sends it later.
func (s *service) publish(ctx context.Context, e events.Event, eventID int64) {
	ctx = s.logg.WithField(ctx, "event_type", string(e.Type()))
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.metrics.PublishFailure()
		s.logg.Error(ctx, "event publish failed, left for relay", err)
		return
	}
	if err := s.repo.MarkPublished(ctx, eventID); err != nil {
		s.logg.Error(ctx, "could not mark event published", err)
	}
}

func (s *service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.repairTimeout)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(pkgerrors.CodeOf(err))
}

func errLoanNotFound() error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "Loan not found")
}
