package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/logger"
)

const (
	ReleaseRetryJobName = "release-retry"
	defaultRetryBatch   = 100
	defaultRetryGrace   = time.Minute
)

type ReleaseRetryParams struct {
	Repository Repository
	Catalog    Catalog
	Logger     *logger.Logger
	BatchSize  int
	// Grace leaves young rows to the request that created them. A return
	// records its pending release before the eager catalog release, so the
	// grace must outlast that call (the service's RepairTimeout).
	Grace time.Duration
}

// ReleaseRetryJob replays catalog releases that failed after a return or a
// saga compensation.
type ReleaseRetryJob struct {
	repo      Repository
	catalog   Catalog
	logg      *logger.Logger
	batchSize int
	grace     time.Duration
	now       func() time.Time
}

func NewReleaseRetryJob(params ReleaseRetryParams) (*ReleaseRetryJob, error) {
	if params.Repository == nil {
		return nil, errors.New("loan repository required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog client required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultRetryBatch
	}
	if params.Grace <= 0 {
		params.Grace = defaultRetryGrace
	}
	return &ReleaseRetryJob{
		repo:      params.Repository,
		catalog:   params.Catalog,
		logg:      params.Logger,
		batchSize: params.BatchSize,
		grace:     params.Grace,
		now:       time.Now,
	}, nil
}

func (j *ReleaseRetryJob) Name() string { return ReleaseRetryJobName }

func (j *ReleaseRetryJob) Run(ctx context.Context) error {
	pending, err := j.repo.ListPendingReleases(ctx, j.now().Add(-j.grace), j.batchSize)
	if err != nil {
		return err
	}

	failed := 0
	for _, p := range pending {
		entryCtx := j.logg.WithFields(ctx, map[string]any{
			"pending_release_id": p.ID,
			"book_id":            p.BookID,
			"reason":             p.Reason,
			"attempts":           p.Attempts,
		})
		if err := j.retry(entryCtx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			j.logg.Error(entryCtx, "pending release still failing", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pending releases failed", failed, len(pending))
	}
	return nil
}

func (j *ReleaseRetryJob) retry(ctx context.Context, p PendingRelease) error {
	_, err := j.catalog.Release(ctx, p.BookID, 1)
	switch {
	case err == nil:
	case pkgerrors.IsCode(err, pkgerrors.CodeCapacityExceeded), pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		// The shelf is already full or the book is gone: nothing left to give back.
		j.logg.Warn(j.logg.WithField(ctx, "cause", err.Error()), "pending release no longer applicable")
	default:
		if recErr := j.repo.RecordReleaseAttempt(ctx, p.ID, err.Error()); recErr != nil {
			j.logg.Error(ctx, "could not record release attempt", recErr)
		}
		return err
	}
	return j.repo.ResolvePendingRelease(ctx, p.ID)
}
