package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore deduplicates webhook deliveries across endpoint instances.
// Reserve is an atomic SET NX against shared Redis state, so two instances
// handling the same provider retry concurrently can never both publish.
//
// Records live at least as long as the provider's webhook retry window. After
// the TTL expires a duplicate may legitimately re-publish; the order service
// tolerates that through its own session-keyed dedup.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// ReserveResult is the outcome of a reservation attempt. When
// AlreadyPublished is set the caller must acknowledge without publishing;
// this is a successful short-circuit, not an error.
type ReserveResult struct {
	AlreadyPublished bool
	Token            string
}

// commitScript finalizes a reservation only if the pending token is still
// ours, keeping the original TTL.
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
end
return false
`)

// releaseScript deletes the pending marker only if the token is still ours,
// so a legitimate retry is not wrongly deduplicated after a failed publish.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func (s *IdempotencyStore) key(sessionID string) string {
	return "idem:session:" + sessionID
}

// Reserve atomically claims the session id for publishing. If a record
// (pending or committed) already exists it returns AlreadyPublished.
func (s *IdempotencyStore) Reserve(ctx context.Context, sessionID string) (ReserveResult, error) {
	token := "pending:" + uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(sessionID), token, s.ttl).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	if !ok {
		return ReserveResult{AlreadyPublished: true}, nil
	}
	return ReserveResult{Token: token}, nil
}

// Commit finalizes the record after the publisher confirmed durable handoff.
func (s *IdempotencyStore) Commit(ctx context.Context, sessionID, token string) error {
	committed := "committed:" + time.Now().UTC().Format(time.RFC3339)
	err := commitScript.Run(ctx, s.client, []string{s.key(sessionID)}, token, committed).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("idempotency commit failed: %w", err)
	}
	return nil
}

// Release drops the pending marker after a failed publish so the provider's
// next retry can go through the full pipeline again.
func (s *IdempotencyStore) Release(ctx context.Context, sessionID, token string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.key(sessionID)}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}
