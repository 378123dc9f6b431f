package loans

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/logger"
	"github.com/libranexus/lending/pkg/metrics"
)

const (
	OverdueSweepJobName = "overdue-sweep"
	overdueClaimScope   = "loan-overdue"
	defaultSweepBatch   = 200
)

// Claimer marks a piece of work as taken. idempotency.Manager satisfies it.
type Claimer interface {
	Claim(ctx context.Context, scope, id string) (bool, error)
	Release(ctx context.Context, scope, id string) error
}

type OverdueSweepParams struct {
	Repository Repository
	Publisher  bus.Publisher
	Claims     Claimer
	Logger     *logger.Logger
	Metrics    *metrics.LoanMetrics
	BatchSize  int
	// PublishRate caps loan.overdue publishes per second; zero or less means
	// no limit.
	PublishRate float64
}

// OverdueSweepJob publishes loan.overdue for every active loan past its due
// date, at most once per loan per UTC day. Loans themselves are not changed.
type OverdueSweepJob struct {
	repo      Repository
	publisher bus.Publisher
	claims    Claimer
	logg      *logger.Logger
	metrics   *metrics.LoanMetrics
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
}

func NewOverdueSweepJob(params OverdueSweepParams) (*OverdueSweepJob, error) {
	if params.Repository == nil {
		return nil, errors.New("loan repository required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher required")
	}
	if params.Claims == nil {
		return nil, errors.New("claim store required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultSweepBatch
	}
	limit := rate.Inf
	burst := 1
	if params.PublishRate > 0 {
		limit = rate.Limit(params.PublishRate)
		burst = max(1, int(params.PublishRate))
	}
	return &OverdueSweepJob{
		repo:      params.Repository,
		publisher: params.Publisher,
		claims:    params.Claims,
		logg:      params.Logger,
		metrics:   params.Metrics,
		batchSize: params.BatchSize,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
	}, nil
}

func (j *OverdueSweepJob) Name() string { return OverdueSweepJobName }

// Run pages through overdue loans by id. A failure on one loan is logged and
// counted; the sweep carries on and the loan is picked up again next cycle.
func (j *OverdueSweepJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	day := now.Format(time.DateOnly)

	var afterID int64
	notified, failed := 0, 0
	for {
		batch, err := j.repo.ListOverdue(ctx, now, afterID, j.batchSize)
		if err != nil {
			return err
		}
		for i := range batch {
			loan := &batch[i]
			afterID = loan.ID
			switch err := j.notify(ctx, loan, now, day); {
			case err == nil:
				notified++
			case errors.Is(err, errAlreadyNotified):
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				failed++
				j.logg.Error(j.logg.WithLoanID(ctx, loan.ID), "overdue notice failed", err)
			}
		}
		if len(batch) < j.batchSize {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"notified": notified,
		"failed":   failed,
	}), "overdue sweep finished")
	if failed > 0 {
		return fmt.Errorf("%d overdue notices failed", failed)
	}
	return nil
}

var errAlreadyNotified = errors.New("already notified today")

func (j *OverdueSweepJob) notify(ctx context.Context, loan *Loan, now time.Time, day string) error {
	claimID := strconv.FormatInt(loan.ID, 10) + ":" + day
	claimed, err := j.claims.Claim(ctx, overdueClaimScope, claimID)
	if err != nil {
		j.metrics.Overdue("error")
		return err
	}
	if !claimed {
		j.metrics.Overdue("skipped")
		return errAlreadyNotified
	}

	if err := j.limiter.Wait(ctx); err != nil {
		j.unclaim(ctx, claimID)
		return err
	}
	if err := j.publisher.Publish(ctx, loan.OverdueEvent(now)); err != nil {
		j.metrics.Overdue("error")
		j.unclaim(ctx, claimID)
		return err
	}
	j.metrics.Overdue("published")
	return nil
}

func (j *OverdueSweepJob) unclaim(ctx context.Context, claimID string) {
	if err := j.claims.Release(context.WithoutCancel(ctx), overdueClaimScope, claimID); err != nil {
		j.logg.Error(ctx, "could not release overdue claim", err)
	}
}
