package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/libranexus/lending/pkg/errors"
)

// memoryRepository mirrors the conditional update semantics of the SQL
// repository for service and handler tests.
type memoryRepository struct {
	mu     sync.Mutex
	nextID int64
	books  map[int64]Book
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{books: map[int64]Book{}}
}

func (m *memoryRepository) Create(_ context.Context, b *Book) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.books {
		if existing.ISBN == b.ISBN {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "Book with this ISBN already exists")
		}
	}
	m.nextID++
	out := *b
	out.ID = m.nextID
	out.CreatedAt = time.Now().UTC()
	out.UpdatedAt = out.CreatedAt
	m.books[out.ID] = out
	return &out, nil
}

func (m *memoryRepository) Get(_ context.Context, id int64) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return nil, errBookNotFound()
	}
	return &b, nil
}

func (m *memoryRepository) List(_ context.Context, search string) ([]Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(search))
	out := []Book{}
	for _, b := range m.books {
		if needle == "" ||
			strings.Contains(strings.ToLower(b.Title), needle) ||
			strings.Contains(strings.ToLower(b.Author), needle) ||
			strings.Contains(strings.ToLower(b.ISBN), needle) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) Update(_ context.Context, b *Book) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.books[b.ID]
	if !ok {
		return nil, errBookNotFound()
	}
	out := *b
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = time.Now().UTC()
	m.books[b.ID] = out
	return &out, nil
}

func (m *memoryRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return errBookNotFound()
	}
	delete(m.books, id)
	return nil
}

func (m *memoryRepository) Reserve(_ context.Context, id int64, count int) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok || b.AvailableCopies < count {
		return nil, ErrNotApplied
	}
	b.AvailableCopies -= count
	m.books[id] = b
	return &b, nil
}

func (m *memoryRepository) Release(_ context.Context, id int64, count int) (*Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok || b.AvailableCopies+count > b.TotalCopies {
		return nil, ErrNotApplied
	}
	b.AvailableCopies += count
	m.books[id] = b
	return &b, nil
}

func intPtr(v int) *int { return &v }
