// Package store defines the persistence interface for simulation runs.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/water-market/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Run operations ---

	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns all runs.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// UpdateRunState records the controller state after a round.
	UpdateRunState(ctx context.Context, id, status, reason string, round int) error

	// --- Immutable round log and trade ledger ---

	// InsertRound appends a round summary, replacing an existing summary
	// of the same round.
	InsertRound(ctx context.Context, round *model.RoundSummary) error

	// ListRounds returns a run's round summaries in round order.
	ListRounds(ctx context.Context, runID string) ([]model.RoundSummary, error)

	// InsertTradeEntry appends an immutable trade record. An entry whose
	// ID is already in the ledger is ignored.
	InsertTradeEntry(ctx context.Context, entry *model.TradeEntry) error

	// GetTradesByRun returns all trades of a run in insertion order.
	GetTradesByRun(ctx context.Context, runID string) ([]model.TradeEntry, error)

	// --- Position queries ---

	// GetPositions aggregates a run's ledger per participant.
	GetPositions(ctx context.Context, runID string) ([]model.Position, error)
}
