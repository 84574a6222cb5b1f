package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *EventStore {
	t.Helper()

	getenv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getenv("PGHOST", "localhost"),
		getenv("PGPORT", "5432"),
		getenv("PGUSER", "user"),
		getenv("PGPASSWORD", "password"),
		getenv("PGDATABASE", "testdb"),
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}

	store := NewEventStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type authorized struct {
	Amount int64 `json:"amount"`
}

func event(t testing.TB, eventType string, amount int64) Event {
	t.Helper()
	data, err := json.Marshal(authorized{Amount: amount})
	require.NoError(t, err)
	return Event{EventType: eventType, EventData: data, Metadata: map[string]string{"source": "test"}}
}

func testJournal(t *testing.T, j Journal) {
	ctx := context.Background()
	id := "TX" + uuid.NewString()

	v, err := j.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, j.AppendEvents(ctx, id, "transaction", 0, []Event{event(t, "TransactionAuthorized", 100)}))
	require.NoError(t, j.AppendEvents(ctx, id, "transaction", 1, []Event{
		event(t, "TransactionCaptured", 80),
		event(t, "TransactionDisputed", 80),
	}))

	err = j.AppendEvents(ctx, id, "transaction", 1, []Event{event(t, "TransactionVoided", 100)})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.ErrorIs(t, j.AppendEvents(ctx, id, "transaction", -1, nil), ErrInvalidVersion)

	events, err := j.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "TransactionAuthorized", events[0].EventType)
	assert.Equal(t, "TransactionDisputed", events[2].EventType)
	assert.Equal(t, 3, events[2].Version)
	assert.Equal(t, "test", events[0].Metadata["source"])

	var payload authorized
	require.NoError(t, json.Unmarshal(events[1].EventData, &payload))
	assert.Equal(t, int64(80), payload.Amount)

	tail, err := j.LoadEvents(ctx, id, 3)
	require.NoError(t, err)
	assert.Len(t, tail, 1)

	v, err = j.CurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestMemoryJournal(t *testing.T) {
	testJournal(t, NewMemoryJournal())
}

func TestEventStore(t *testing.T) {
	testJournal(t, setupTestDB(t))
}

func BenchmarkAppendEvents(b *testing.B) {
	store := setupTestDB(b)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		id := "TX" + uuid.NewString()
		events := []Event{event(b, "TransactionAuthorized", int64(i))}
		b.StartTimer()

		if err := store.AppendEvents(ctx, id, "transaction", 0, events); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
