package market

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atmx/water-market/internal/auction"
	"github.com/atmx/water-market/internal/learning"
	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/schedule"
)

// maxRepairPasses bounds how often repair sweeps the basin. Cutting an
// outgoing edge lowers the downstream limit, so one sweep can create new
// violations further down.
const maxRepairPasses = 100

// RoundReport describes one Step.
type RoundReport struct {
	Round           int               `json:"round"`
	Status          Status            `json:"status"`
	Reason          Reason            `json:"reason,omitempty"`
	Buyers          int               `json:"buyers"`
	Sellers         int               `json:"sellers"`
	Siders          int               `json:"siders"`
	Repaired        []int             `json:"repaired,omitempty"`
	Injection       *Injection        `json:"injection,omitempty"`
	InjectionFailed *participant.Role `json:"injection_failed,omitempty"` // side left empty because nobody was eligible
	Fills           []auction.Fill    `json:"fills,omitempty"`
	AveragePrice    float64           `json:"average_price"`
	Volume          float64           `json:"volume"`
	Rule            learning.Kind     `json:"rule,omitempty"`
	PriceDelta      *float64          `json:"price_delta,omitempty"` // set on snapshot rounds with a previous sample
	Stalled         []int             `json:"stalled,omitempty"`     // participants whose sampler hit its cap
}

// Step advances the market one round. It returns ErrStopped once the market
// has converged.
func (e *Engine) Step(ctx context.Context) (*RoundReport, error) {
	if !e.running {
		return nil, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.round++
	e.market = auction.Empty(len(e.parts))
	rep := &RoundReport{Round: e.round, Status: StatusRunning}

	if err := e.bidPhase(); err != nil {
		return nil, fmt.Errorf("round %d bid phase: %w", e.round, err)
	}
	rep.Repaired = e.repair()

	if done := e.evaluate(rep); done {
		return rep, nil
	}

	if err := e.clear(rep); err != nil {
		return nil, fmt.Errorf("round %d clearing: %w", e.round, err)
	}
	if err := e.learn(rep); err != nil {
		return nil, fmt.Errorf("round %d learning: %w", e.round, err)
	}
	e.checkSnapshot(rep)

	e.log.Debug("round completed",
		"round", e.round,
		"buyers", rep.Buyers,
		"sellers", rep.Sellers,
		"fills", len(rep.Fills),
		"volume", rep.Volume,
		"rule", rep.Rule,
	)
	return rep, nil
}

// bidPhase lets every participant choose its role and bid from the state at
// the start of the round.
func (e *Engine) bidPhase() error {
	w := e.settings.Friction
	agents := make([]schedule.Agent[participant.Decision], len(e.parts))
	for i, p := range e.parts {
		agents[i] = schedule.Funcs[participant.Decision]{
			ComputeFunc: func() (participant.Decision, error) { return p.Decide(w), nil },
			CommitFunc:  p.Apply,
		}
	}
	_, err := schedule.Step(agents)
	return err
}

// repair brings every participant back within its limit and returns the
// indices it touched, in first-repair order.
func (e *Engine) repair() []int {
	var repaired []int
	seen := make(map[int]bool)
	for pass := 0; pass < maxRepairPasses; pass++ {
		violations := 0
		for i, p := range e.parts {
			if p.Usage <= e.net.Limit(i) {
				continue
			}
			violations++
			e.repairOne(i, p)
			p.Apply(p.Decide(e.settings.Friction))
			if !seen[i] {
				seen[i] = true
				repaired = append(repaired, i)
			}
		}
		if violations == 0 {
			break
		}
		if pass == maxRepairPasses-1 {
			e.log.Warn("repair pass limit reached", "round", e.round, "violations", violations)
		}
	}
	e.refreshLimits()
	return repaired
}

func (e *Engine) repairOne(i int, p *participant.Participant) {
	if limit := e.net.Limit(i); e.settings.Repair == RepairLocalOptimum && limit >= 0 {
		p.Usage = p.Utility.ArgMax(limit)
		return
	}
	res := e.net.Balance(i, p.Usage, e.rng)
	if res.Capped {
		e.log.Warn("balance step limit reached", "round", e.round, "participant", i, "steps", res.Steps)
	}
	p.Usage = res.Usage
}

// evaluate checks the market composition. It injects a missing side and
// reports whether the market converged.
// The role counts in rep describe the market that is cleared, so they
// include an injected participant.
func (e *Engine) evaluate(rep *RoundReport) bool {
	e.countRoles(rep)

	switch {
	case rep.Buyers == 0 && rep.Sellers == 0:
		e.converge(rep, ReasonAllSiders)
		return true
	case rep.Buyers == 0:
		e.injectSide(rep, participant.Buyer)
	case rep.Sellers == 0:
		e.injectSide(rep, participant.Seller)
	default:
		var usage, permit float64
		for _, p := range e.parts {
			usage += p.Usage
			permit += p.Permit
		}
		if math.Abs(usage-permit) <= 1e-9*math.Max(1, math.Abs(permit)) {
			e.converge(rep, ReasonPermitsBalanced)
			return true
		}
	}
	return false
}

func (e *Engine) countRoles(rep *RoundReport) {
	rep.Buyers, rep.Sellers, rep.Siders = 0, 0, 0
	for _, p := range e.parts {
		switch p.Role {
		case participant.Buyer:
			rep.Buyers++
		case participant.Seller:
			rep.Sellers++
		default:
			rep.Siders++
		}
	}
}

func (e *Engine) injectSide(rep *RoundReport, role participant.Role) {
	inj, err := e.inject(role)
	if err != nil {
		e.log.Warn("liveness injection failed", "round", e.round, "role", role, "error", err)
		rep.InjectionFailed = &role
		return
	}
	rep.Injection = inj
	e.countRoles(rep)
	e.log.Info("liveness injection",
		"round", e.round,
		"participant", inj.Participant,
		"role", inj.Role,
		"usage", inj.Usage,
	)
}

func (e *Engine) clear(rep *RoundReport) error {
	var buyers, sellers []auction.Bid
	for i, p := range e.parts {
		bid := auction.Bid{Participant: i, Price: p.BidPrice, Amount: p.BidAmount}
		switch p.Role {
		case participant.Buyer:
			buyers = append(buyers, bid)
		case participant.Seller:
			sellers = append(sellers, bid)
		}
	}
	res, err := e.clearer.Clear(len(e.parts), buyers, sellers)
	if err != nil {
		return err
	}
	e.market = res
	rep.Fills = res.Fills
	rep.AveragePrice = res.AveragePrice()
	rep.Volume = res.Volume()
	return nil
}

// learn moves every participant based on the cleared market. Without any
// trade the whole market damps its markups instead.
func (e *Engine) learn(rep *RoundReport) error {
	strategy := e.strategy
	if !e.market.Traded() {
		strategy = e.damping
	}
	rep.Rule = strategy.Kind()

	w := e.settings.Friction
	avg := e.market.AveragePrice()
	agents := make([]schedule.Agent[participant.Update], len(e.parts))
	for i, p := range e.parts {
		agents[i] = schedule.Funcs[participant.Update]{
			ComputeFunc: func() (participant.Update, error) {
				snap := p.Snapshot()
				obs := e.observe(i, avg)
				u, err := strategy.Propose(snap, obs, e.rng)
				switch {
				case errors.Is(err, learning.ErrSamplerStalled):
					e.log.Warn("sampler stalled", "round", e.round, "participant", i, "error", err)
					rep.Stalled = append(rep.Stalled, i)
				case err != nil:
					return participant.Update{}, err
				}
				u.Record = participant.Record{
					Round:   e.round,
					Usage:   snap.Usage,
					Mu:      snap.Mu,
					Benefit: snap.Benefit(e.market.Prices.RawRowView(i), e.market.Amounts.RawRowView(i), w, e.net.ShortfallPenalty(i)),
				}
				return u, nil
			},
			CommitFunc: p.ApplyUpdate,
		}
	}
	if _, err := schedule.Step(agents); err != nil {
		return err
	}

	if e.net.HasOutflowControl() {
		for i, p := range e.parts {
			p.Usage = e.net.Control(i, p.Usage)
		}
	}
	e.refreshLimits()
	return nil
}

// observe builds participant i's view of the round. A participant that
// traded uses the configured reference cost; everyone else uses the market
// average.
func (e *Engine) observe(i int, avg float64) learning.Observation {
	obs := learning.Observation{Round: e.round, Tau: avg, Friction: e.settings.Friction}
	if tau, ok := e.market.RowMinimum(i); ok {
		obs.Traded = true
		if e.settings.TauMode == learning.TauRowMinimum {
			obs.Tau = tau
		}
	}
	return obs
}

// checkSnapshot compares the price matrix with the previous sample every
// SnapshotInterval rounds.
func (e *Engine) checkSnapshot(rep *RoundReport) {
	if e.round%e.settings.SnapshotInterval != 0 {
		return
	}
	cur := mat.DenseCopyOf(e.market.Prices)
	prev := e.snapshot
	e.snapshot = cur
	if prev == nil {
		return
	}
	delta := floats.Distance(cur.RawMatrix().Data, prev.RawMatrix().Data, 1)
	rep.PriceDelta = &delta
	if delta < e.settings.Tolerance {
		e.converge(rep, ReasonPricesStable)
	}
}

func (e *Engine) converge(rep *RoundReport, reason Reason) {
	e.running = false
	e.reason = reason
	rep.Status = StatusConverged
	rep.Reason = reason
	e.log.Info("market converged", "round", e.round, "reason", reason)
}
