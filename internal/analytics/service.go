package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/logger"
)

type Service interface {
	// Handle counts loan.created and loan.returned once per idempotency
	// token. Other events are ignored.
	Handle(ctx context.Context, e events.Event) error
	Summary(ctx context.Context) (*AggregateMetric, error)
	User(ctx context.Context, userID int64) (*UserMetric, error)
}

type service struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("analytics repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{repo: repo, logg: logg, now: time.Now}, nil
}

func (s *service) Handle(ctx context.Context, e events.Event) error {
	ref := events.Ref(e)
	d := Delta{UserID: ref.UserID}
	switch e.(type) {
	case events.LoanCreated:
		d.TotalLoans, d.ActiveLoans, d.LoansTaken = 1, 1, 1
		d.ActiveUnless = events.IdempotencyToken(events.LoanReturned{LoanRef: ref})
	case events.LoanReturned:
		d.TotalReturns, d.ActiveLoans, d.LoansReturned = 1, -1, 1
		d.ActiveOnlyAfter = events.IdempotencyToken(events.LoanCreated{LoanRef: ref})
	default:
		return nil
	}

	token := events.IdempotencyToken(e)
	ctx = s.logg.WithFields(ctx, map[string]any{"token": token, "user_id": ref.UserID})
	applied, err := s.repo.Apply(ctx, token, s.now().UTC(), d)
	if err != nil {
		return err
	}
	if !applied {
		s.logg.Info(ctx, "event already counted")
	}
	return nil
}

func (s *service) Summary(ctx context.Context) (*AggregateMetric, error) {
	return s.repo.Summary(ctx)
}

func (s *service) User(ctx context.Context, userID int64) (*UserMetric, error) {
	return s.repo.User(ctx, userID)
}

// Subscription binds svc to the analytics queue.
func Subscription(svc Service) bus.Subscription {
	return bus.Subscription{Queue: Queue, Bindings: bus.DefaultBindings, Handler: svc.Handle}
}
