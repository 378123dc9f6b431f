package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/logger"
)

const (
	defaultRelayInterval  = 5 * time.Second
	defaultRelayBatchSize = 100
	defaultRelayGrace     = 30 * time.Second
)

type RelayParams struct {
	Repository Repository
	Publisher  bus.Publisher
	Logger     *logger.Logger
	Interval   time.Duration
	BatchSize  int
	// Grace skips events younger than this so the eager publish in the
	// request path gets a chance to stamp them first.
	Grace time.Duration
}

// Relay re-publishes lifecycle events whose eager publish never completed.
// Delivery is at least once; consumers deduplicate.
type Relay struct {
	repo      Repository
	publisher bus.Publisher
	logg      *logger.Logger
	interval  time.Duration
	batchSize int
	grace     time.Duration
	now       func() time.Time
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.Repository == nil {
		return nil, errors.New("loan repository required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Interval <= 0 {
		params.Interval = defaultRelayInterval
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultRelayBatchSize
	}
	if params.Grace <= 0 {
		params.Grace = defaultRelayGrace
	}
	return &Relay{
		repo:      params.Repository,
		publisher: params.Publisher,
		logg:      params.Logger,
		interval:  params.Interval,
		batchSize: params.BatchSize,
		grace:     params.Grace,
		now:       time.Now,
	}, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logg.Error(ctx, "outbox relay pass failed", err)
			}
		}
	}
}

// RelayOnce publishes one batch of pending events in append order and returns
// how many were sent. It stops at the first publish failure so that later
// events of the same loan are not delivered ahead of earlier ones.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.repo.UnpublishedEvents(ctx, r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, stored := range pending {
		entryCtx := r.logg.WithFields(ctx, map[string]any{
			"event_id":     stored.ID,
			"aggregate_id": stored.AggregateID,
			"event_type":   stored.EventType,
		})
		e, err := events.DecodePayload(events.Type(stored.EventType), stored.EventData)
		if err != nil {
			// Unreadable rows would block the outbox forever; stamp and move on.
			r.logg.Error(entryCtx, "dropping undecodable outbox event", err)
			if err := r.repo.MarkPublished(ctx, stored.ID); err != nil {
				return sent, err
			}
			continue
		}
		if err := r.publisher.Publish(ctx, e); err != nil {
			return sent, fmt.Errorf("relay event %d: %w", stored.ID, err)
		}
		if err := r.repo.MarkPublished(ctx, stored.ID); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		r.logg.Info(r.logg.WithField(ctx, "count", sent), "relayed outbox events")
	}
	return sent, nil
}
