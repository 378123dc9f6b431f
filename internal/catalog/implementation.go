package catalog

import (
	"context"
	"errors"
	"strings"

	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/logger"
)

type service struct {
	repo Repository
	logg *logger.Logger
}

func NewService(repo Repository, logg *logger.Logger) Service {
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{repo: repo, logg: logg}
}

func (s *service) CreateBook(ctx context.Context, in BookInput) (*Book, error) {
	book, err := bookFromInput(in)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.Create(ctx, book)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "book_id", created.ID), "book created")
	return created, nil
}

func (s *service) GetBook(ctx context.Context, id int64) (*Book, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) ListBooks(ctx context.Context, search string) ([]Book, error) {
	return s.repo.List(ctx, search)
}

func (s *service) UpdateBook(ctx context.Context, id int64, in BookInput) (*Book, error) {
	book, err := bookFromInput(in)
	if err != nil {
		return nil, err
	}
	book.ID = id
	return s.repo.Update(ctx, book)
}

func (s *service) DeleteBook(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logg.Info(s.logg.WithField(ctx, "book_id", id), "book deleted")
	return nil
}

func (s *service) Reserve(ctx context.Context, id int64, count int) (*Book, error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	book, err := s.repo.Reserve(ctx, id, count)
	if errors.Is(err, ErrNotApplied) {
		if _, err := s.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientInventory, "Not enough copies available")
	}
	if err != nil {
		return nil, err
	}
	s.logInventory(ctx, "copies reserved", book, count)
	return book, nil
}

func (s *service) Release(ctx context.Context, id int64, count int) (*Book, error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	book, err := s.repo.Release(ctx, id, count)
	if errors.Is(err, ErrNotApplied) {
		if _, err := s.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, pkgerrors.New(pkgerrors.CodeCapacityExceeded, "Cannot exceed total copies")
	}
	if err != nil {
		return nil, err
	}
	s.logInventory(ctx, "copies released", book, count)
	return book, nil
}

func (s *service) logInventory(ctx context.Context, msg string, book *Book, count int) {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"book_id":   book.ID,
		"count":     count,
		"available": book.AvailableCopies,
		"total":     book.TotalCopies,
	}), msg)
}

func validateCount(count int) error {
	if count < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "count must be at least 1").
			WithDetails(map[string]string{"count": "must be at least 1"})
	}
	return nil
}

func bookFromInput(in BookInput) (*Book, error) {
	total, available := in.counts()
	if total < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total_copies must be at least 1").
			WithDetails(map[string]string{"total_copies": "must be at least 1"})
	}
	if available < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "available_copies must be at least 0").
			WithDetails(map[string]string{"available_copies": "must be at least 0"})
	}
	if available > total {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "Available copies cannot exceed total copies").
			WithDetails(map[string]string{"available_copies": "cannot exceed total_copies"})
	}
	return &Book{
		Title:           strings.TrimSpace(in.Title),
		Author:          strings.TrimSpace(in.Author),
		ISBN:            strings.TrimSpace(in.ISBN),
		TotalCopies:     total,
		AvailableCopies: available,
	}, nil
}
