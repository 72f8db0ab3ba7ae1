// Package participant holds the state of one water user: its utility curve,
// permit, current usage, market role and bid, and the learned markup.
//
// Role and label are pure functions of the state. Role depends only on
// (usage, permit); label depends only on (limit, permit).
package participant

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidFriction is returned when the market friction constant is
	// outside the open interval (0, 1).
	ErrInvalidFriction = errors.New("participant: friction must lie strictly inside (0,1)")

	// ErrInvalidMarkup is returned for a negative or >= 1 initial markup.
	ErrInvalidMarkup = errors.New("participant: initial markup must lie in [0,1)")

	// ErrUnknownName is returned when decoding an unknown role or label.
	ErrUnknownName = errors.New("participant: unknown role or label")
)

// Role is a participant's side of the market in the current round.
type Role int

const (
	Sider Role = iota
	Buyer
	Seller
)

func (r Role) String() string {
	switch r {
	case Buyer:
		return "buyer"
	case Seller:
		return "seller"
	default:
		return "sider"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	for _, c := range []Role{Sider, Buyer, Seller} {
		if string(b) == c.String() {
			*r = c
			return nil
		}
	}
	return fmt.Errorf("%w: role %q", ErrUnknownName, b)
}

// Label marks participants the network structurally prevents from using
// their full permit.
type Label int

const (
	Normal Label = iota
	Over
)

func (l Label) String() string {
	if l == Over {
		return "over"
	}
	return "normal"
}

// MarshalText encodes the label by name.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a label name.
func (l *Label) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*l = Normal
	case "over":
		*l = Over
	default:
		return fmt.Errorf("%w: label %q", ErrUnknownName, b)
	}
	return nil
}

// Utility is the benefit curve a·x² + b·x + c of using x units of water.
type Utility struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

// Value returns the benefit of using x.
func (u Utility) Value(x float64) float64 {
	return u.A*x*x + u.B*x + u.C
}

// Marginal returns dU/dx at x.
func (u Utility) Marginal(x float64) float64 {
	return 2*u.A*x + u.B
}

// ArgMax returns the usage in [0, upper] that maximises the utility. For a
// concave curve this is the vertex -b/2a when it lies inside the interval;
// otherwise the better endpoint wins.
func (u Utility) ArgMax(upper float64) float64 {
	upper = math.Max(upper, 0)
	if u.A < 0 {
		if v := -u.B / (2 * u.A); v >= 0 && v <= upper {
			return v
		}
	}
	if u.Value(upper) > u.Value(0) {
		return upper
	}
	return 0
}

// Record is one entry of the transaction history: the usage and markup a
// participant bid with and the benefit it realised.
type Record struct {
	Round   int     `json:"round"`
	Usage   float64 `json:"usage"`
	Mu      float64 `json:"mu"`
	Benefit float64 `json:"benefit"`
}

// Params configures a new participant.
type Params struct {
	ID          int
	Name        string
	Usage       float64
	Permit      float64
	Utility     Utility
	Reservation float64 // marginal value of water, basis of the reservation price
	Beta        float64 // learning rate
	Mu          float64 // initial markup/markdown coefficient
}

// Participant is a water user. The market engine owns and mutates it; it
// is not safe for concurrent use.
type Participant struct {
	ID      int
	Name    string
	Usage   float64
	Permit  float64
	Limit   float64
	Utility Utility

	Reservation      float64
	ReservationPrice float64
	BidPrice         float64
	BidAmount        float64
	Mu               float64
	Beta             float64

	Role  Role
	Label Label

	History []Record
}

// New creates a participant and classifies its initial role. The label is
// set once the network limit is known (see SetLimit).
func New(p Params) (*Participant, error) {
	if p.Mu < 0 || p.Mu >= 1 {
		return nil, fmt.Errorf("%w: participant %d has mu=%v", ErrInvalidMarkup, p.ID, p.Mu)
	}
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("user-%d", p.ID)
	}
	part := &Participant{
		ID:          p.ID,
		Name:        name,
		Usage:       p.Usage,
		Permit:      p.Permit,
		Utility:     p.Utility,
		Reservation: p.Reservation,
		Beta:        p.Beta,
		Mu:          p.Mu,
	}
	part.Role = ClassifyRole(part.Usage, part.Permit)
	return part, nil
}

// SetLimit stores the network-derived usage limit and refreshes the label.
func (p *Participant) SetLimit(limit float64) {
	p.Limit = limit
	p.Label = ClassifyLabel(limit, p.Permit)
}

// Benefit is utility plus trade income plus the outflow penalty.
//
// prices and amounts are the participant's rows of the price and amount
// matrices; amounts are positive where it bought and negative where it sold.
// Both sides pay the friction share w of the traded value.
func (p *Participant) Benefit(prices, amounts []float64, w, penalty float64) float64 {
	var income float64
	for j := range prices {
		if prices[j] == 0 || amounts[j] == 0 {
			continue
		}
		income -= prices[j] * amounts[j]
		income -= w * prices[j] * math.Abs(amounts[j])
	}
	return p.Utility.Value(p.Usage) + income + penalty
}

// Snapshot returns a copy safe to read while the original is being
// committed. The history slice is shared but clipped, so later appends on
// the participant never become visible through the copy.
func (p *Participant) Snapshot() Participant {
	s := *p
	s.History = p.History[:len(p.History):len(p.History)]
	return s
}
