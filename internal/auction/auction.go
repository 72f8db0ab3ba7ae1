// Package auction clears a round of water-right bids.
//
// The discriminatory-price double auction sorts buyers by price descending
// and sellers by price ascending, then walks the buyers with a single cursor
// into the sellers. Each matched pair settles at the midpoint of its two
// bids, so different pairs clear at different prices. Equal bids do not
// clear.
package auction

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects the market mechanism.
type Mode string

const (
	DiscriminatoryPrice   Mode = "discriminatory-price"
	BilateralNegotiations Mode = "bilateral-negotiations"
)

var (
	// ErrUnknownMode is returned by ParseMode for unrecognised names.
	ErrUnknownMode = errors.New("auction: unknown market mode")

	// ErrModeNotImplemented is returned for modes without a matching
	// algorithm.
	ErrModeNotImplemented = errors.New("auction: market mode not implemented")

	// ErrParticipantRange is returned when a bid names a participant
	// outside [0, n).
	ErrParticipantRange = errors.New("auction: bid participant out of range")
)

// ParseMode accepts the mode names with either dashes or spaces.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-") {
	case "", string(DiscriminatoryPrice):
		return DiscriminatoryPrice, nil
	case string(BilateralNegotiations):
		return BilateralNegotiations, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Bid is one side's offer: a price and an amount of water.
type Bid struct {
	Participant int
	Price       float64
	Amount      float64
}

// Fill is one matched buyer/seller pair.
type Fill struct {
	Buyer  int     `json:"buyer"`
	Seller int     `json:"seller"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Result is the market state after clearing.
//
// Prices is symmetric and zero wherever no trade happened. Amounts is
// antisymmetric: Amounts[b][s] is what buyer b bought from seller s and
// Amounts[s][b] is its negation.
type Result struct {
	Prices  *mat.Dense
	Amounts *mat.Dense
	Fills   []Fill

	// Buyers and Sellers hold the residual, unmatched amounts in clearing
	// order. Residuals do not carry over to the next round.
	Buyers  []Bid
	Sellers []Bid
}

// Empty returns a result without trades for n participants.
func Empty(n int) *Result {
	return &Result{
		Prices:  mat.NewDense(n, n, nil),
		Amounts: mat.NewDense(n, n, nil),
	}
}

// Traded reports whether any pair cleared.
func (r *Result) Traded() bool {
	return len(r.Fills) > 0
}

// AveragePrice is the mean clearing price over all fills, or 0 when
// nothing traded.
func (r *Result) AveragePrice() float64 {
	if len(r.Fills) == 0 {
		return 0
	}
	prices := make([]float64, len(r.Fills))
	for i, f := range r.Fills {
		prices[i] = f.Price
	}
	return floats.Sum(prices) / float64(len(prices))
}

// Volume is the total matched amount.
func (r *Result) Volume() float64 {
	var v float64
	for _, f := range r.Fills {
		v += f.Amount
	}
	return v
}

// RowMinimum returns the lowest positive price participant i traded at.
func (r *Result) RowMinimum(i int) (float64, bool) {
	best := math.Inf(1)
	for _, p := range r.Prices.RawRowView(i) {
		if p > 0 && p < best {
			best = p
		}
	}
	if math.IsInf(best, 1) {
		return 0, false
	}
	return best, true
}

// Clearer matches buyers against sellers for n participants.
type Clearer interface {
	Clear(n int, buyers, sellers []Bid) (*Result, error)
}

// NewClearer returns the matching algorithm for a mode.
func NewClearer(mode Mode) (Clearer, error) {
	switch mode {
	case DiscriminatoryPrice:
		return Discriminatory{}, nil
	case BilateralNegotiations:
		return nil, fmt.Errorf("%w: %s", ErrModeNotImplemented, mode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Discriminatory is the discriminatory-price double auction.
type Discriminatory struct{}

// Clear runs the auction. The input slices are not modified. Bids with a
// non-positive amount are ignored.
func (Discriminatory) Clear(n int, buyers, sellers []Bid) (*Result, error) {
	b, err := prepare(n, buyers)
	if err != nil {
		return nil, err
	}
	s, err := prepare(n, sellers)
	if err != nil {
		return nil, err
	}

	// Ties keep insertion order.
	sort.SliceStable(b, func(i, j int) bool { return b[i].Price > b[j].Price })
	sort.SliceStable(s, func(i, j int) bool { return s[i].Price < s[j].Price })

	res := Empty(n)
	j := 0
	for i := range b {
		for b[i].Amount > 0 && j < len(s) {
			// Sellers are ascending, so no later seller clears either.
			if b[i].Price <= s[j].Price {
				break
			}
			price := 0.5 * (b[i].Price + s[j].Price)
			qty := math.Min(b[i].Amount, s[j].Amount)
			res.record(b[i].Participant, s[j].Participant, price, qty)

			if b[i].Amount >= s[j].Amount {
				b[i].Amount -= s[j].Amount
				s[j].Amount = 0
				j++
			} else {
				s[j].Amount -= b[i].Amount
				b[i].Amount = 0
			}
		}
	}
	res.Buyers, res.Sellers = b, s
	return res, nil
}

func (r *Result) record(buyer, seller int, price, qty float64) {
	r.Prices.Set(buyer, seller, price)
	r.Prices.Set(seller, buyer, price)
	r.Amounts.Set(buyer, seller, r.Amounts.At(buyer, seller)+qty)
	r.Amounts.Set(seller, buyer, r.Amounts.At(seller, buyer)-qty)
	r.Fills = append(r.Fills, Fill{Buyer: buyer, Seller: seller, Price: price, Amount: qty})
}

func prepare(n int, bids []Bid) ([]Bid, error) {
	out := make([]Bid, 0, len(bids))
	for _, bid := range bids {
		if bid.Participant < 0 || bid.Participant >= n {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrParticipantRange, bid.Participant, n)
		}
		if bid.Amount > 0 {
			out = append(out, bid)
		}
	}
	return out, nil
}
