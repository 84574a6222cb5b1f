package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{streams: make(map[string][]Event)}
}

func (j *MemoryJournal) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	stream := j.streams[aggregateID]
	if len(stream) != expectedVersion {
		return ErrConcurrencyConflict
	}
	now := time.Now().UTC()
	for i, e := range events {
		e.ID = uuid.NewString()
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = expectedVersion + i + 1
		e.CreatedAt = now
		stream = append(stream, e)
	}
	j.streams[aggregateID] = stream
	return nil
}

func (j *MemoryJournal) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for _, e := range j.streams[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *MemoryJournal) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.streams[aggregateID]), nil
}
