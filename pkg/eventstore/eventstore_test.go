package eventstore

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to PostgreSQL and skips the test when none is reachable.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("LENDING_TEST_DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			envOr("PGHOST", "localhost"), envOr("PGPORT", "5432"),
			envOr("PGUSER", "user"), envOr("PGPASSWORD", "password"), envOr("PGDATABASE", "testdb"))
	}

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ,
			UNIQUE (aggregate_id, version)
		)
	`)
	require.NoError(t, err)
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testAggregate() string {
	return "test-" + uuid.NewString()
}

func TestAggregateID(t *testing.T) {
	assert.Equal(t, "loan-42", AggregateID("loan", 42))
}

func TestAppendAndLoad(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := t.Context()
	agg := testAggregate()

	ids, err := store.AppendEvents(ctx, agg, "loan", 0, []Event{
		{EventType: "loan.created", EventData: []byte(`{"loan_id":1}`), Metadata: map[string]any{"source": "test"}},
		{EventType: "loan.returned", EventData: []byte(`{"loan_id":1}`)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])

	loaded, err := store.LoadEvents(ctx, agg, 1, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "loan.created", loaded[0].EventType)
	assert.Equal(t, 1, loaded[0].Version)
	assert.Equal(t, "test", loaded[0].Metadata["source"])
	assert.Equal(t, 2, loaded[1].Version)
	assert.Nil(t, loaded[1].PublishedAt)

	version, err := store.GetCurrentVersion(ctx, agg)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := t.Context()
	agg := testAggregate()

	_, err := store.AppendEvents(ctx, agg, "loan", 0, []Event{{EventType: "a", EventData: []byte(`{}`)}})
	require.NoError(t, err)

	_, err = store.AppendEvents(ctx, agg, "loan", 0, []Event{{EventType: "b", EventData: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = store.AppendEvents(ctx, agg, "loan", AnyVersion, []Event{{EventType: "b", EventData: []byte(`{}`)}})
	require.NoError(t, err)

	_, err = store.AppendEvents(ctx, agg, "loan", -2, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestOutboxLifecycle(t *testing.T) {
	store := New(setupTestDB(t))
	ctx := t.Context()
	agg := testAggregate()

	ids, err := store.AppendEvents(ctx, agg, "loan", 0, []Event{{EventType: "loan.created", EventData: []byte(`{}`)}})
	require.NoError(t, err)

	pending, err := store.StreamUnpublished(ctx, time.Now().Add(time.Minute), 10_000)
	require.NoError(t, err)
	assert.True(t, containsID(pending, ids[0]))

	before, err := store.StreamUnpublished(ctx, time.Now().Add(-time.Hour), 10_000)
	require.NoError(t, err)
	assert.False(t, containsID(before, ids[0]))

	require.NoError(t, store.MarkPublished(ctx, ids...))
	require.NoError(t, store.MarkPublished(ctx))

	pending, err = store.StreamUnpublished(ctx, time.Now().Add(time.Minute), 10_000)
	require.NoError(t, err)
	assert.False(t, containsID(pending, ids[0]))

	loaded, err := store.LoadEvents(ctx, agg, 0, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.NotNil(t, loaded[0].PublishedAt)
}

func containsID(events []Event, id int64) bool {
	for _, e := range events {
		if e.ID == id {
			return true
		}
	}
	return false
}

func BenchmarkAppendEvents(b *testing.B) {
	store := New(setupTestDB(b))
	ctx := b.Context()
	agg := testAggregate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := store.AppendEvents(ctx, agg, "bench", i, []Event{{EventType: "bench", EventData: []byte(`{"n":1}`)}})
		if err != nil {
			b.Fatal(err)
		}
	}
}
