package learning

import (
	"math"
	"math/rand/v2"

	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

// MaxBuyerMarkdown is the largest markdown a buyer can hold; its bid price
// (1-mu)·reservation must stay positive.
var MaxBuyerMarkdown = math.Nextafter(1, 0)

// Tatonnement is gradient ascent on net benefit against the realised cost:
//
//	x  ← max(x + β·(2ax + b − (1+w)·τ), 0)
//	μ  ← μ ∓ β·(τ − bid)/reservation   (− for buyers, + for sellers)
//
// Siders keep their markup: they placed no bid this round.
type Tatonnement struct {
	ClampMarkup bool
}

func (Tatonnement) Kind() Kind { return KindTatonnement }

func (t Tatonnement) Propose(p participant.Participant, obs Observation, _ *rand.Rand) (participant.Update, error) {
	grad := p.Utility.Marginal(p.Usage) - (1+obs.Friction)*obs.Tau
	u := participant.Update{
		Usage: math.Max(p.Usage+p.Beta*grad, 0),
		Mu:    p.Mu,
	}
	if p.ReservationPrice <= 0 {
		return u, nil
	}

	step := p.Beta * (obs.Tau - p.BidPrice) / p.ReservationPrice
	switch p.Role {
	case participant.Buyer:
		u.Mu = p.Mu - step
		if t.ClampMarkup {
			u.Mu = math.Max(0, math.Min(MaxBuyerMarkdown, u.Mu))
		}
	case participant.Seller:
		u.Mu = p.Mu + step
		if t.ClampMarkup {
			u.Mu = math.Max(0, u.Mu)
		}
	}
	return u, nil
}

// Damping shrinks the markup by r ~ Uniform(0.5, 1) and leaves usage alone.
// The engine applies it to everyone in a round where nothing traded.
type Damping struct{}

func (Damping) Kind() Kind { return KindDamping }

func (Damping) Propose(p participant.Participant, _ Observation, r *rand.Rand) (participant.Update, error) {
	return participant.Update{
		Usage: p.Usage,
		Mu:    p.Mu * stochastic.Shrink(r),
	}, nil
}
