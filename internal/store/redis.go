package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pinfactory/pinfactory/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache over
// the query surface (issue overview and event feed). Mutations pass through
// untouched; cached entries expire on TTL, so feed reads may lag a commit
// by at most the TTL. The matching path never consults the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// WithinTx passes through to the primary store and invalidates the cached
// projections on success; the next read re-populates them.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.primary.WithinTx(ctx, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, issuesKey())
	return nil
}

func (s *CachedStore) ListIssues(ctx context.Context) ([]model.Issue, error) {
	data, err := s.rdb.Get(ctx, issuesKey()).Bytes()
	if err == nil {
		var issues []model.Issue
		if json.Unmarshal(data, &issues) == nil {
			return issues, nil
		}
	}

	// Cache miss: read from primary.
	issues, err := s.primary.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(issues); err == nil {
		s.rdb.Set(ctx, issuesKey(), data, s.ttl)
	}
	return issues, nil
}

func (s *CachedStore) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	// Only the public ticker projection is cached; per-account history is
	// read straight from the primary.
	if !f.Ticker || f.AccountID != "" {
		return s.primary.Events(ctx, f)
	}

	key := tickerKey(f.IssueID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.Events(ctx, f)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return events, nil
}

func issuesKey() string { return "issues:overview" }

func tickerKey(issueID string) string { return fmt.Sprintf("ticker:%s", issueID) }
