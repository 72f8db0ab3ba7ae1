package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/water-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, runKey(r.ID), r)
	return nil
}

func (s *CachedStore) UpdateRunState(ctx context.Context, id, status, reason string, round int) error {
	if err := s.primary.UpdateRunState(ctx, id, status, reason, round); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, runKey(id))
	return nil
}

func (s *CachedStore) InsertRound(ctx context.Context, r *model.RoundSummary) error {
	if err := s.primary.InsertRound(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundsKey(r.RunID))
	return nil
}

func (s *CachedStore) InsertTradeEntry(ctx context.Context, entry *model.TradeEntry) error {
	if err := s.primary.InsertTradeEntry(ctx, entry); err != nil {
		return err
	}
	// Invalidate position cache for this run.
	s.rdb.Del(ctx, positionsKey(entry.RunID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.lookup(ctx, runKey(id), &r) {
		return &r, nil
	}

	// Cache miss: read from primary.
	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) ListRounds(ctx context.Context, runID string) ([]model.RoundSummary, error) {
	var rounds []model.RoundSummary
	if s.lookup(ctx, roundsKey(runID), &rounds) {
		return rounds, nil
	}

	rounds, err := s.primary.ListRounds(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, roundsKey(runID), rounds)
	return rounds, nil
}

func (s *CachedStore) GetPositions(ctx context.Context, runID string) ([]model.Position, error) {
	var positions []model.Position
	if s.lookup(ctx, positionsKey(runID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.GetPositions(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(runID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) GetTradesByRun(ctx context.Context, runID string) ([]model.TradeEntry, error) {
	return s.primary.GetTradesByRun(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func runKey(id string) string          { return fmt.Sprintf("run:%s", id) }
func roundsKey(runID string) string    { return fmt.Sprintf("rounds:%s", runID) }
func positionsKey(runID string) string { return fmt.Sprintf("positions:%s", runID) }
