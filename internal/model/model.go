// Package model defines the records the simulator persists and serves.
// Prices and amounts cross the boundary as shopspring/decimal; the engine
// itself works in float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusConverged = "converged"
)

// Run is one simulation of a basin document.
type Run struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Seed      uint64          `json:"seed" db:"seed"`
	Status    string          `json:"status" db:"status"` // "running", "converged"
	Reason    string          `json:"reason,omitempty" db:"reason"`
	Round     int             `json:"round" db:"round"`
	Config    json.RawMessage `json:"config,omitempty" db:"config"` // basin document as submitted
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// RoundSummary is the immutable outcome of one round.
type RoundSummary struct {
	RunID        string           `json:"run_id" db:"run_id"`
	Round        int              `json:"round" db:"round"`
	Status       string           `json:"status" db:"status"`
	Reason       string           `json:"reason,omitempty" db:"reason"`
	Buyers       int              `json:"buyers" db:"buyers"`
	Sellers      int              `json:"sellers" db:"sellers"`
	Siders       int              `json:"siders" db:"siders"`
	Fills        int              `json:"fills" db:"fills"`
	Volume       decimal.Decimal  `json:"volume" db:"volume"`
	AveragePrice decimal.Decimal  `json:"average_price" db:"average_price"`
	Rule         string           `json:"rule,omitempty" db:"rule"` // learning rule applied
	Injected     *int             `json:"injected,omitempty" db:"injected"`
	PriceDelta   *decimal.Decimal `json:"price_delta,omitempty" db:"price_delta"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// TradeEntry is an immutable record of one matched buyer/seller pair.
// Once created, these are never modified or deleted.
type TradeEntry struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	Round     int             `json:"round" db:"round"`
	Buyer     int             `json:"buyer" db:"buyer"`
	Seller    int             `json:"seller" db:"seller"`
	Price     decimal.Decimal `json:"price" db:"price"`       // pair clearing price
	Amount    decimal.Decimal `json:"amount" db:"amount"`     // water volume
	Value     decimal.Decimal `json:"value" db:"value"`       // price × amount
	Friction  decimal.Decimal `json:"friction" db:"friction"` // paid by each side: w × value
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position aggregates one participant's trades in a run.
type Position struct {
	RunID       string          `json:"run_id"`
	Participant int             `json:"participant"`
	Bought      decimal.Decimal `json:"bought"`
	Sold        decimal.Decimal `json:"sold"`
	NetAmount   decimal.Decimal `json:"net_amount"` // bought - sold
	Spent       decimal.Decimal `json:"spent"`      // paid to sellers
	Received    decimal.Decimal `json:"received"`   // paid by buyers
	Friction    decimal.Decimal `json:"friction"`   // total friction paid
	NetIncome   decimal.Decimal `json:"net_income"` // received - spent - friction
}

// ParticipantView is the public state of one participant.
type ParticipantView struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Label     string          `json:"label"`
	Usage     decimal.Decimal `json:"usage"`
	Permit    decimal.Decimal `json:"permit"`
	Limit     decimal.Decimal `json:"limit"`
	Mu        decimal.Decimal `json:"mu"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidAmount decimal.Decimal `json:"bid_amount"`
	Records   int             `json:"records"` // transaction history length
}

// RunState is a run together with the live market state.
type RunState struct {
	Run          Run                 `json:"run"`
	Participants []ParticipantView   `json:"participants"`
	Prices       [][]decimal.Decimal `json:"prices"`
	Amounts      [][]decimal.Decimal `json:"amounts"`
	Flow         [][]decimal.Decimal `json:"flow"`
}
