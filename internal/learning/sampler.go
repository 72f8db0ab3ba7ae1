package learning

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

// Sampler defaults.
const (
	DefaultBurnIn        = 10000
	DefaultMaxProposals  = 50000
	DefaultPhi           = 0.1
	DefaultKernelWidth   = 0.1
	DefaultProposalScale = 0.5

	// sellerMarkupCeiling bounds the seller markup domain [0, 10].
	sellerMarkupCeiling = 10

	// propensityFloor keeps the target strictly positive, relative to the
	// initial propensity.
	propensityFloor = 1e-6
)

// Sampler is a Metropolis-Hastings sampler over the joint state
// (usage, markup).
//
// Candidates are drawn independently of the current state from normals
// centred on the domain and truncated to usage ∈ [0, limit] and
// markup ∈ [0, 1] (buyers and siders) or [0, 10] (sellers). A candidate is
// accepted with probability min(1, q(candidate)/q(current)).
//
// The propensity starts at the uniform density p_ini = 1/(limit·μmax) and
// folds the transaction history with recency decay φ:
//
//	q ← (1−φ)·q + φ·p_ini·(1 + K(x,μ; x_k,μ_k)·Δ_k)
//
// where Δ_k is the relative benefit change of record k over record k−1 and K
// is a Gaussian kernel centred on the state that produced it.
type Sampler struct {
	BurnIn        int     // proposals before a sample may be returned
	MaxProposals  int     // hard cap on proposals
	Phi           float64 // recency decay
	KernelWidth   float64 // kernel bandwidth as a fraction of the domain
	HistoryWindow int     // most recent records folded in; 0 folds the whole history
	ProposalScale float64 // proposal sd as a fraction of the domain
}

func (s Sampler) withDefaults() Sampler {
	if s.BurnIn <= 0 {
		s.BurnIn = DefaultBurnIn
	}
	if s.MaxProposals <= 0 {
		s.MaxProposals = DefaultMaxProposals
	}
	if s.Phi <= 0 || s.Phi > 1 {
		s.Phi = DefaultPhi
	}
	if s.KernelWidth <= 0 {
		s.KernelWidth = DefaultKernelWidth
	}
	if s.HistoryWindow < 0 {
		s.HistoryWindow = 0
	}
	if s.ProposalScale <= 0 {
		s.ProposalScale = DefaultProposalScale
	}
	return s
}

func (Sampler) Kind() Kind { return KindSampler }

// axis is one dimension of the sampled state.
type axis struct {
	hi, sd, bandwidth float64
}

func newAxis(hi, proposalScale, kernelWidth float64) axis {
	if hi <= 0 {
		return axis{}
	}
	return axis{hi: hi, sd: hi * proposalScale, bandwidth: hi * kernelWidth}
}

func (a axis) fixed() bool { return a.hi <= 0 }

func (a axis) clamp(v float64) float64 {
	return math.Max(0, math.Min(a.hi, v))
}

func (a axis) draw(r *rand.Rand) float64 {
	if a.fixed() {
		return 0
	}
	return stochastic.TruncatedNormal(r, a.hi/2, a.sd, 0, a.hi)
}

func (a axis) kernel(v, centre float64) float64 {
	if a.fixed() {
		return 0
	}
	z := (v - centre) / a.bandwidth
	return 0.5 * z * z
}

// Propose runs the chain from the participant's current state and returns
// the state it holds after burn-in.
func (s Sampler) Propose(p participant.Participant, _ Observation, r *rand.Rand) (participant.Update, error) {
	s = s.withDefaults()

	muHi := MaxBuyerMarkdown
	if p.Role == participant.Seller {
		muHi = sellerMarkupCeiling
	}
	xAxis := newAxis(p.Limit, s.ProposalScale, s.KernelWidth)
	muAxis := newAxis(muHi, s.ProposalScale, s.KernelWidth)

	pIni := 1 / muHi
	if !xAxis.fixed() {
		pIni /= xAxis.hi
	}

	history := p.History
	if s.HistoryWindow > 0 && len(history) > s.HistoryWindow {
		history = history[len(history)-s.HistoryWindow:]
	}
	target := func(x, mu float64) float64 {
		return propensity(history, x, mu, pIni, s.Phi, xAxis, muAxis)
	}

	x, mu := xAxis.clamp(p.Usage), muAxis.clamp(p.Mu)
	cur := target(x, mu)
	accepted := 0
	for step := 1; step <= s.MaxProposals; step++ {
		cx, cmu := xAxis.draw(r), muAxis.draw(r)
		cand := target(cx, cmu)
		if r.Float64() < cand/cur {
			x, mu, cur = cx, cmu, cand
			accepted++
		}
		if step >= s.BurnIn && accepted > 0 {
			return participant.Update{Usage: x, Mu: mu}, nil
		}
	}
	return participant.Update{Usage: p.Usage, Mu: p.Mu},
		fmt.Errorf("%w: participant %d after %d proposals", ErrSamplerStalled, p.ID, s.MaxProposals)
}

// propensity folds the history into the sampler's target density at (x, mu).
func propensity(history []participant.Record, x, mu, pIni, phi float64, xAxis, muAxis axis) float64 {
	q := pIni
	for k := 1; k < len(history); k++ {
		var rel float64
		if prev := history[k-1].Benefit; prev != 0 {
			rel = (history[k].Benefit - prev) / math.Abs(prev)
		}
		weight := math.Exp(-xAxis.kernel(x, history[k].Usage) - muAxis.kernel(mu, history[k].Mu))
		q = (1-phi)*q + phi*pIni*(1+weight*rel)
	}
	return math.Max(q, pIni*propensityFloor)
}
