package loans

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libranexus/lending/internal/catalog"
	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/eventstore"
)

// memoryRepository keeps loans, outbox rows and pending releases in maps and
// enforces one active loan per user and book like the partial unique index.
type memoryRepository struct {
	mu        sync.Mutex
	loans     map[int64]Loan
	events    []eventstore.Event
	releases  map[int64]PendingRelease
	nextLoan  int64
	nextEvent int64
	nextRel   int64

	createErr error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{loans: map[int64]Loan{}, releases: map[int64]PendingRelease{}}
}

func (m *memoryRepository) HasActiveLoan(_ context.Context, userID, bookID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(userID, bookID), nil
}

func (m *memoryRepository) activeLocked(userID, bookID int64) bool {
	for _, l := range m.loans {
		if l.UserID == userID && l.BookID == bookID && l.Status == StatusActive {
			return true
		}
	}
	return false
}

func (m *memoryRepository) CreateLoan(_ context.Context, loan *Loan) (*Loan, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, 0, m.createErr
	}
	if m.activeLocked(loan.UserID, loan.BookID) {
		return nil, 0, pkgerrors.New(pkgerrors.CodeConflict, errActiveLoanExists)
	}
	m.nextLoan++
	out := *loan
	out.ID = m.nextLoan
	out.Status = StatusActive
	m.loans[out.ID] = out
	return &out, m.appendLocked(out.ID, out.CreatedEvent(), out.LoanDate), nil
}

func (m *memoryRepository) appendLocked(loanID int64, e events.Event, at time.Time) int64 {
	payload, err := events.EncodePayload(e)
	if err != nil {
		panic(err)
	}
	version := 1
	aggregate := eventstore.AggregateID(AggregateType, loanID)
	for _, existing := range m.events {
		if existing.AggregateID == aggregate {
			version++
		}
	}
	m.nextEvent++
	m.events = append(m.events, eventstore.Event{
		ID:            m.nextEvent,
		AggregateID:   aggregate,
		AggregateType: AggregateType,
		EventType:     string(e.Type()),
		EventData:     payload,
		Version:       version,
		CreatedAt:     at,
	})
	return m.nextEvent
}

func (m *memoryRepository) GetLoan(_ context.Context, id int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, errLoanNotFound()
	}
	return &l, nil
}

func (m *memoryRepository) ListLoans(_ context.Context, filter ListFilter) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Loan{}
	for _, l := range m.loans {
		if filter.UserID != nil && l.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && l.Status != *filter.Status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memoryRepository) MarkReturned(_ context.Context, id int64, at time.Time) (*Loan, ReturnReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, ReturnReceipt{}, errLoanNotFound()
	}
	if l.Status != StatusActive {
		return nil, ReturnReceipt{}, pkgerrors.New(pkgerrors.CodeAlreadyReturned, errAlreadyReturned)
	}
	l.Status = StatusReturned
	l.ReturnedDate = &at
	m.loans[id] = l

	receipt := ReturnReceipt{EventID: m.appendLocked(id, l.ReturnedEvent(), at)}
	loanID := id
	receipt.PendingReleaseID = m.addReleaseLocked(&loanID, l.BookID, reasonReturn)
	return &l, receipt, nil
}

func (m *memoryRepository) ListOverdue(_ context.Context, now time.Time, afterID int64, limit int) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Loan{}
	for _, l := range m.loans {
		if l.Status == StatusActive && l.DueDate.Before(now) && l.ID > afterID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) History(_ context.Context, loanID int64) ([]eventstore.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	aggregate := eventstore.AggregateID(AggregateType, loanID)
	out := []eventstore.Event{}
	for _, e := range m.events {
		if e.AggregateID == aggregate {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepository) UnpublishedEvents(_ context.Context, olderThan time.Time, limit int) ([]eventstore.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []eventstore.Event{}
	for _, e := range m.events {
		if e.PublishedAt == nil && !e.CreatedAt.After(olderThan) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepository) MarkPublished(_ context.Context, eventIDs ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range eventIDs {
		for i := range m.events {
			if m.events[i].ID == id && m.events[i].PublishedAt == nil {
				m.events[i].PublishedAt = &now
			}
		}
	}
	return nil
}

func (m *memoryRepository) unpublished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n
}

func (m *memoryRepository) AddPendingRelease(_ context.Context, loanID *int64, bookID int64, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addReleaseLocked(loanID, bookID, reason), nil
}

func (m *memoryRepository) addReleaseLocked(loanID *int64, bookID int64, reason string) int64 {
	m.nextRel++
	m.releases[m.nextRel] = PendingRelease{
		ID:        m.nextRel,
		LoanID:    loanID,
		BookID:    bookID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	return m.nextRel
}

func (m *memoryRepository) ResolvePendingRelease(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.releases[id]
	if ok && p.ResolvedAt == nil {
		now := time.Now().UTC()
		p.ResolvedAt = &now
		m.releases[id] = p
	}
	return nil
}

func (m *memoryRepository) ListPendingReleases(_ context.Context, olderThan time.Time, limit int) ([]PendingRelease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []PendingRelease{}
	for _, p := range m.releases {
		if p.ResolvedAt == nil && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) RecordReleaseAttempt(_ context.Context, id int64, failure string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.releases[id]
	p.Attempts++
	p.LastError = &failure
	m.releases[id] = p
	return nil
}

func (m *memoryRepository) openReleases() []PendingRelease {
	out, _ := m.ListPendingReleases(context.Background(), time.Now().Add(time.Hour), 1000)
	return out
}

// fakeCatalog tracks shelf counts and lets tests fail individual calls.
type fakeCatalog struct {
	mu         sync.Mutex
	books      map[int64]*catalog.Book
	getErr     error
	reserveErr error
	releaseErr error
	releases   int
}

func newFakeCatalog(books ...catalog.Book) *fakeCatalog {
	c := &fakeCatalog{books: map[int64]*catalog.Book{}}
	for i := range books {
		b := books[i]
		c.books[b.ID] = &b
	}
	return c
}

func (c *fakeCatalog) GetBook(_ context.Context, id int64) (*catalog.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	b, ok := c.books[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "Book not found")
	}
	out := *b
	return &out, nil
}

func (c *fakeCatalog) Reserve(_ context.Context, id int64, count int) (*catalog.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserveErr != nil {
		return nil, c.reserveErr
	}
	b, ok := c.books[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "Book not found")
	}
	if b.AvailableCopies < count {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientInventory, "Not enough copies available")
	}
	b.AvailableCopies -= count
	out := *b
	return &out, nil
}

func (c *fakeCatalog) Release(_ context.Context, id int64, count int) (*catalog.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	if c.releaseErr != nil {
		return nil, c.releaseErr
	}
	b, ok := c.books[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "Book not found")
	}
	if b.AvailableCopies+count > b.TotalCopies {
		return nil, pkgerrors.New(pkgerrors.CodeCapacityExceeded, "Cannot exceed total copies")
	}
	b.AvailableCopies += count
	out := *b
	return &out, nil
}

func (c *fakeCatalog) available(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.books[id].AvailableCopies
}

func (c *fakeCatalog) setReleaseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseErr = err
}

type fakePublisher struct {
	mu        sync.Mutex
	published []events.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}

func (p *fakePublisher) sent() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.published...)
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeClaims struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{claimed: map[string]bool{}}
}

func (c *fakeClaims) Claim(_ context.Context, scope, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	key := scope + ":" + id
	if c.claimed[key] {
		return false, nil
	}
	c.claimed[key] = true
	return true, nil
}

func (c *fakeClaims) Release(_ context.Context, scope, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, scope+":"+id)
	return nil
}

var (
	dune = catalog.Book{ID: 1, Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441013593", TotalCopies: 2, AvailableCopies: 2}
	emma = catalog.Book{ID: 2, Title: "Emma", Author: "Jane Austen", ISBN: "978-0141439587", TotalCopies: 1, AvailableCopies: 0}
)
