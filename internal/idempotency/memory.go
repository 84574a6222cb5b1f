package idempotency

import (
	"context"
	"sync"
	"time"

	"creditcore/internal/apperr"
)

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore keeps records in process memory with a TTL.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store that forgets keys after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, apperr.StorageUnavailable("idempotency_claim", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return resolve(e.rec, fingerprint)
	}

	rec := Record{Key: key, Fingerprint: fingerprint, State: StateInFlight, CreatedAt: now.UTC()}
	s.entries[key] = memoryEntry{rec: rec, expires: now.Add(s.ttl)}
	return rec, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return apperr.StorageUnavailable("idempotency_complete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.rec.State = StateCompleted
	e.rec.TransactionID = transactionID
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Abandon(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired records.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// StartSweeper calls Sweep every interval until the returned stop function
// is called. stop waits for the sweeper goroutine to exit.
func (s *MemoryStore) StartSweeper(interval time.Duration) (stop func() error) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			close(done)
			<-exited
		})
		return nil
	}
}
