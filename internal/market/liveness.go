package market

import (
	"fmt"
	"math"

	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

// Injection records a participant forced onto the missing side of a
// one-sided market.
type Injection struct {
	Participant int              `json:"participant"`
	Role        participant.Role `json:"role"`
	Usage       float64          `json:"usage"`
}

// inject converts one participant to role.
//
// A missing buyer is drawn among participants that can use their full
// permit (label normal) and raises usage to min(permit·r, limit) with
// r ~ Uniform(1, 1.5). A missing seller is drawn among participants whose
// limit is below their permit (label over) and lowers usage to permit·r
// with r ~ Uniform(0.5, 1).
func (e *Engine) inject(role participant.Role) (*Injection, error) {
	eligible := func(p *participant.Participant) bool { return p.Label == participant.Over }
	if role == participant.Buyer {
		eligible = func(p *participant.Participant) bool { return p.Label != participant.Over }
	}

	i, err := e.pick(eligible)
	if err != nil {
		return nil, fmt.Errorf("%w: no %s candidate", err, role)
	}
	p := e.parts[i]
	w := e.settings.Friction
	if role == participant.Buyer {
		p.Usage = math.Min(p.Permit*stochastic.Uniform(e.rng, 1, 1.5), p.Limit)
		p.Buy(w)
	} else {
		p.Usage = p.Permit * stochastic.Shrink(e.rng)
		p.Sell(w)
	}
	return &Injection{Participant: i, Role: role, Usage: p.Usage}, nil
}

// pick draws a uniformly random participant satisfying ok by rejection
// sampling. The draw is capped; ErrNoEligibleParticipant is returned when
// nobody qualifies.
func (e *Engine) pick(ok func(*participant.Participant) bool) (int, error) {
	n := len(e.parts)
	first := -1
	for i, p := range e.parts {
		if ok(p) {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, ErrNoEligibleParticipant
	}
	for attempt := 0; attempt < 100*n; attempt++ {
		if i := e.rng.IntN(n); ok(e.parts[i]) {
			return i, nil
		}
	}
	return first, nil
}
