package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libranexus/lending/pkg/bus"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/logger"
)

type Service interface {
	// Handle projects one consumed event. Redeliveries produce duplicate rows.
	Handle(ctx context.Context, e events.Event) error
	List(ctx context.Context, params ListParams) ([]Notification, error)
}

type service struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("notifications repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{repo: repo, logg: logg, now: time.Now}, nil
}

func (s *service) Handle(ctx context.Context, e events.Event) error {
	n := Render(e)
	n.CreatedAt = s.now().UTC()
	if err := s.repo.Create(ctx, &n); err != nil {
		return err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"user_id":    n.UserID,
		"event_type": n.EventType,
	}), "notification stored")
	return nil
}

func (s *service) List(ctx context.Context, params ListParams) ([]Notification, error) {
	if params.Limit < 1 || params.Limit > MaxLimit {
		msg := fmt.Sprintf("must be between 1 and %d", MaxLimit)
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "limit "+msg).
			WithDetails(map[string]string{"limit": msg})
	}
	return s.repo.List(ctx, params)
}

// Subscription binds svc to the notification queue.
func Subscription(svc Service) bus.Subscription {
	return bus.Subscription{Queue: Queue, Bindings: bus.DefaultBindings, Handler: svc.Handle}
}
