// Package eventstore is an append-only, versioned event log on PostgreSQL.
//
// Rows double as an outbox: every appended event starts unpublished and is
// stamped with published_at once it has reached the bus.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// AnyVersion appends after whatever version the aggregate is currently at.
const AnyVersion = -1

type Event struct {
	ID            int64               `json:"id"`
	AggregateID   string              `json:"aggregate_id"`
	AggregateType string              `json:"aggregate_type"`
	EventType     string              `json:"event_type"`
	EventData     jsoniter.RawMessage `json:"event_data"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	Version       int                 `json:"version"`
	CreatedAt     time.Time           `json:"created_at"`
	PublishedAt   *time.Time          `json:"published_at,omitempty"`
}

type eventRow struct {
	ID            int64        `db:"id"`
	AggregateID   string       `db:"aggregate_id"`
	AggregateType string       `db:"aggregate_type"`
	EventType     string       `db:"event_type"`
	EventData     []byte       `db:"event_data"`
	Metadata      []byte       `db:"metadata"`
	Version       int          `db:"version"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   sql.NullTime `db:"published_at"`
}

func (r eventRow) event() Event {
	e := Event{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &e.Metadata)
	}
	if r.PublishedAt.Valid {
		at := r.PublishedAt.Time
		e.PublishedAt = &at
	}
	return e
}

const selectColumns = `id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at, published_at`

// Tx is satisfied by *sql.Tx and *sqlx.Tx so appends can join a caller's
// transaction.
type Tx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// AggregateID builds the stream id for a numeric entity, e.g. "loan-42".
func AggregateID(kind string, id int64) string {
	return kind + "-" + strconv.FormatInt(id, 10)
}

type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("libranexus/eventstore"),
	}
}

// AppendEvents appends events in a serializable transaction of its own.
func (s *Store) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids, err := s.AppendEventsTx(ctx, tx, aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return ids, nil
}

// AppendEventsTx appends events inside tx with optimistic concurrency control
// and returns the new row ids in order.
func (s *Store) AppendEventsTx(ctx context.Context, tx Tx, aggregateID, aggregateType string, expectedVersion int, events []Event) ([]int64, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < AnyVersion {
		return nil, ErrInvalidVersion
	}

	var current int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query current version: %w", err)
	}

	if expectedVersion == AnyVersion {
		expectedVersion = current
	}
	if current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return nil, ErrConcurrencyConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(events))
	for i, event := range events {
		version := expectedVersion + i + 1
		var metadata sql.NullString
		if len(event.Metadata) > 0 {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return nil, fmt.Errorf("marshal metadata: %w", err)
			}
			metadata = sql.NullString{String: string(raw), Valid: true}
		}

		var id int64
		err = stmt.QueryRowContext(ctx,
			aggregateID,
			aggregateType,
			event.EventType,
			string(event.EventData),
			metadata,
			version,
			time.Now().UTC(),
		).Scan(&id)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil, ErrConcurrencyConflict
			}
			return nil, fmt.Errorf("insert event %d: %w", i, err)
		}
		ids = append(ids, id)

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}
	return ids, nil
}

// LoadEvents returns the events of one aggregate ordered by version. A
// toVersion of zero means no upper bound.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `SELECT ` + selectColumns + ` FROM events WHERE aggregate_id = $1 AND version >= $2`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= $3`
		args = append(args, toVersion)
	}
	query += ` ORDER BY version ASC`

	events, err := s.selectEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func (s *Store) GetCurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID)),
	)
	defer span.End()

	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamUnpublished returns the oldest events not yet on the bus that were
// appended at or before olderThan.
func (s *Store) StreamUnpublished(ctx context.Context, olderThan time.Time, batchSize int) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.stream_unpublished",
		trace.WithAttributes(attribute.Int("batch.size", batchSize)),
	)
	defer span.End()

	events, err := s.selectEvents(ctx, `
		SELECT `+selectColumns+`
		FROM events
		WHERE published_at IS NULL AND created_at <= $1
		ORDER BY id ASC
		LIMIT $2
	`, olderThan.UTC(), batchSize)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// CountUnpublished reports the outbox backlog older than olderThan.
func (s *Store) CountUnpublished(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM events WHERE published_at IS NULL AND created_at <= $1
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("count unpublished: %w", err)
	}
	return n, nil
}

// MarkPublished stamps the given events as delivered. Already stamped rows
// keep their original time.
func (s *Store) MarkPublished(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "eventstore.mark_published",
		trace.WithAttributes(attribute.Int("event.count", len(ids))),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET published_at = $2
		WHERE id = ANY($1) AND published_at IS NULL
	`, pq.Array(ids), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *Store) selectEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}
