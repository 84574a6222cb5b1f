package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"creditcore/internal/apperr"
)

const keyPrefix = "creditcore:idempotency:"

// RedisStore shares idempotency records between service instances.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore uses client with the given record TTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Claim(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	rec := Record{Key: key, Fingerprint: fingerprint, State: StateInFlight, CreatedAt: time.Now().UTC()}
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+key, val, s.ttl).Result()
	if err != nil {
		return Record{}, false, apperr.StorageUnavailable("idempotency_claim", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may simply retry.
		return Record{}, false, apperr.Conflict("idempotency key expired during claim",
			map[string]string{"idempotency_key": key})
	}
	if err != nil {
		return Record{}, false, err
	}
	return resolve(existing, fingerprint)
}

func (s *RedisStore) get(ctx context.Context, key string) (Record, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, apperr.StorageUnavailable("idempotency_get", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, transactionID string) error {
	rec, err := s.get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	rec.State = StateCompleted
	rec.TransactionID = transactionID
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.SetArgs(ctx, keyPrefix+key, val, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return apperr.StorageUnavailable("idempotency_complete", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return apperr.StorageUnavailable("idempotency_abandon", err)
	}
	return nil
}
