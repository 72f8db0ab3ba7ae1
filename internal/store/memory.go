package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/water-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*model.Run
	rounds map[string][]model.RoundSummary
	ledger []model.TradeEntry
	trades map[string]struct{} // ledger IDs
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*model.Run),
		rounds: make(map[string][]model.RoundSummary),
		trades: make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %s already exists", r.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns runs newest first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (s *MemoryStore) UpdateRunState(_ context.Context, id, status, reason string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	r.Status = status
	r.Reason = reason
	r.Round = round
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertRound(_ context.Context, r *model.RoundSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds := s.rounds[r.RunID]
	for i := range rounds {
		if rounds[i].Round == r.Round {
			rounds[i] = *r
			return nil
		}
	}
	s.rounds[r.RunID] = append(rounds, *r)
	return nil
}

func (s *MemoryStore) ListRounds(_ context.Context, runID string) ([]model.RoundSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.RoundSummary(nil), s.rounds[runID]...), nil
}

func (s *MemoryStore) InsertTradeEntry(_ context.Context, entry *model.TradeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.trades[entry.ID]; dup {
		return nil
	}
	s.trades[entry.ID] = struct{}{}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetTradesByRun(_ context.Context, runID string) ([]model.TradeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEntry
	for _, e := range s.ledger {
		if e.RunID == runID {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetPositions aggregates ledger entries per participant, ordered by
// participant index.
func (s *MemoryStore) GetPositions(_ context.Context, runID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[int]*model.Position)
	get := func(i int) *model.Position {
		p, ok := agg[i]
		if !ok {
			p = &model.Position{RunID: runID, Participant: i}
			agg[i] = p
		}
		return p
	}

	for _, e := range s.ledger {
		if e.RunID != runID {
			continue
		}
		buyer := get(e.Buyer)
		buyer.Bought = buyer.Bought.Add(e.Amount)
		buyer.Spent = buyer.Spent.Add(e.Value)
		buyer.Friction = buyer.Friction.Add(e.Friction)

		seller := get(e.Seller)
		seller.Sold = seller.Sold.Add(e.Amount)
		seller.Received = seller.Received.Add(e.Value)
		seller.Friction = seller.Friction.Add(e.Friction)
	}

	positions := make([]model.Position, 0, len(agg))
	for _, p := range agg {
		finishPosition(p)
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Participant < positions[j].Participant })
	return positions, nil
}

// finishPosition derives the net fields from the aggregated sides.
func finishPosition(p *model.Position) {
	p.NetAmount = p.Bought.Sub(p.Sold)
	p.NetIncome = p.Received.Sub(p.Spent).Sub(p.Friction)
}
