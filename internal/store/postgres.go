package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/water-market/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices and amounts are stored as NUMERIC for exact decimal precision.
// The schema lives in migrations/.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, name, seed, status, reason, round, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Name, int64(r.Seed), r.Status, r.Reason, r.Round,
		[]byte(r.Config), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const runColumns = `id, name, seed, status, reason, round, config, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) UpdateRunState(ctx context.Context, id, status, reason string, round int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, reason = $3, round = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, status, reason, round,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertRound(ctx context.Context, r *model.RoundSummary) error {
	var delta *string
	if r.PriceDelta != nil {
		d := r.PriceDelta.String()
		delta = &d
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (run_id, round, status, reason, buyers, sellers, siders, fills,
		                     volume, average_price, rule, injected, price_delta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13::NUMERIC, $14)
		 ON CONFLICT (run_id, round) DO UPDATE SET
		     status = EXCLUDED.status, reason = EXCLUDED.reason,
		     buyers = EXCLUDED.buyers, sellers = EXCLUDED.sellers, siders = EXCLUDED.siders,
		     fills = EXCLUDED.fills, volume = EXCLUDED.volume, average_price = EXCLUDED.average_price,
		     rule = EXCLUDED.rule, injected = EXCLUDED.injected, price_delta = EXCLUDED.price_delta`,
		r.RunID, r.Round, r.Status, r.Reason, r.Buyers, r.Sellers, r.Siders, r.Fills,
		r.Volume.String(), r.AveragePrice.String(), r.Rule, r.Injected, delta, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRounds(ctx context.Context, runID string) ([]model.RoundSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, round, status, reason, buyers, sellers, siders, fills,
		        volume::TEXT, average_price::TEXT, rule, injected, price_delta::TEXT, created_at
		 FROM rounds WHERE run_id = $1 ORDER BY round`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.RoundSummary
	for rows.Next() {
		var r model.RoundSummary
		var volS, avgS string
		var deltaS *string
		if err := rows.Scan(&r.RunID, &r.Round, &r.Status, &r.Reason,
			&r.Buyers, &r.Sellers, &r.Siders, &r.Fills,
			&volS, &avgS, &r.Rule, &r.Injected, &deltaS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Volume, _ = decimal.NewFromString(volS)
		r.AveragePrice, _ = decimal.NewFromString(avgS)
		if deltaS != nil {
			d, _ := decimal.NewFromString(*deltaS)
			r.PriceDelta = &d
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) InsertTradeEntry(ctx context.Context, e *model.TradeEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_entries (id, run_id, round, buyer, seller, price, amount, value, friction, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.RunID, e.Round, e.Buyer, e.Seller,
		e.Price.String(), e.Amount.String(), e.Value.String(), e.Friction.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetTradesByRun(ctx context.Context, runID string) ([]model.TradeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, round, buyer, seller,
		        price::TEXT, amount::TEXT, value::TEXT, friction::TEXT, timestamp
		 FROM trade_entries WHERE run_id = $1 ORDER BY round, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEntries(rows)
}

// GetPositions aggregates both sides of every trade per participant.
func (s *PostgresStore) GetPositions(ctx context.Context, runID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`WITH sides AS (
			SELECT buyer AS participant, amount AS bought, 0 AS sold,
			       value AS spent, 0 AS received, friction
			  FROM trade_entries WHERE run_id = $1
			UNION ALL
			SELECT seller, 0, amount, 0, value, friction
			  FROM trade_entries WHERE run_id = $1
		 )
		 SELECT participant,
		        SUM(bought)::TEXT, SUM(sold)::TEXT,
		        SUM(spent)::TEXT, SUM(received)::TEXT, SUM(friction)::TEXT
		 FROM sides
		 GROUP BY participant
		 ORDER BY participant`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var boughtS, soldS, spentS, receivedS, frictionS string
		p := model.Position{RunID: runID}
		if err := rows.Scan(&p.Participant, &boughtS, &soldS, &spentS, &receivedS, &frictionS); err != nil {
			return nil, err
		}
		p.Bought, _ = decimal.NewFromString(boughtS)
		p.Sold, _ = decimal.NewFromString(soldS)
		p.Spent, _ = decimal.NewFromString(spentS)
		p.Received, _ = decimal.NewFromString(receivedS)
		p.Friction, _ = decimal.NewFromString(frictionS)
		finishPosition(&p)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	var seed int64
	var cfg []byte
	if err := row.Scan(&r.ID, &r.Name, &seed, &r.Status, &r.Reason, &r.Round,
		&cfg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	r.Config = cfg
	return &r, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTradeEntries(rows pgxRows) ([]model.TradeEntry, error) {
	var entries []model.TradeEntry
	for rows.Next() {
		var e model.TradeEntry
		var priceS, amountS, valueS, frictionS string

		if err := rows.Scan(&e.ID, &e.RunID, &e.Round, &e.Buyer, &e.Seller,
			&priceS, &amountS, &valueS, &frictionS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(priceS)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Value, _ = decimal.NewFromString(valueS)
		e.Friction, _ = decimal.NewFromString(frictionS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
