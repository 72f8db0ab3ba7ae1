// Package market runs the water-rights market round by round.
//
// An Engine owns the basin network, the participants and the market state.
// Each Step lets every participant bid from the state at the start of the
// round, repairs flow-balance violations, keeps the market two-sided,
// clears the auction and lets every participant learn from the outcome.
// The engine alone decides when the market has converged.
//
// An Engine is not safe for concurrent use.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/atmx/water-market/internal/auction"
	"github.com/atmx/water-market/internal/basin"
	"github.com/atmx/water-market/internal/learning"
	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

// Defaults applied by Settings.withDefaults.
const (
	DefaultFriction         = 0.1
	DefaultSnapshotInterval = 10
	DefaultTolerance        = 1e-8
	DefaultMaxRounds        = 1000
)

var (
	// ErrStopped is returned by Step once the market has converged.
	ErrStopped = errors.New("market: engine has converged")

	// ErrNoEligibleParticipant is reported when liveness injection finds no
	// participant it may convert.
	ErrNoEligibleParticipant = errors.New("market: no eligible participant")

	// ErrParticipantCount is returned when the participant count does not
	// match the network size.
	ErrParticipantCount = errors.New("market: participant count does not match network size")

	// ErrUnknownRepairMode is returned by ParseRepairMode.
	ErrUnknownRepairMode = errors.New("market: unknown repair mode")
)

// RepairMode selects how a participant whose usage exceeds its limit is
// brought back within it.
type RepairMode string

const (
	// RepairBalance runs the randomized flow relaxation of the network.
	RepairBalance RepairMode = "balance"

	// RepairLocalOptimum moves usage to the utility maximiser on
	// [0, limit]. Participants with a negative limit still fall back to
	// RepairBalance.
	RepairLocalOptimum RepairMode = "local-optimum"
)

// ParseRepairMode maps a configuration name to a RepairMode. Empty means
// balance.
func ParseRepairMode(s string) (RepairMode, error) {
	switch m := RepairMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return RepairBalance, nil
	case RepairBalance, RepairLocalOptimum:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRepairMode, s)
	}
}

// Settings configures an Engine. Zero values take the package defaults.
type Settings struct {
	Friction    float64
	Mode        auction.Mode
	Strategy    learning.Kind
	TauMode     learning.TauMode
	Sampler     learning.Sampler
	ClampMarkup bool
	Repair      RepairMode

	// SnapshotInterval is the number of rounds between price-matrix
	// comparisons; Tolerance is the L1 distance below which two snapshots
	// count as equal.
	SnapshotInterval int
	Tolerance        float64
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{ClampMarkup: true}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.Friction == 0 {
		s.Friction = DefaultFriction
	}
	if s.Mode == "" {
		s.Mode = auction.DiscriminatoryPrice
	}
	if s.Strategy == "" {
		s.Strategy = learning.KindTatonnement
	}
	if s.TauMode == "" {
		s.TauMode = learning.TauRowMinimum
	}
	if s.Repair == "" {
		s.Repair = RepairBalance
	}
	if s.SnapshotInterval <= 0 {
		s.SnapshotInterval = DefaultSnapshotInterval
	}
	if s.Tolerance <= 0 {
		s.Tolerance = DefaultTolerance
	}
	return s
}

// Status is the controller state after a round.
type Status string

const (
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
)

// Reason says why the market converged.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAllSiders       Reason = "all-siders"
	ReasonPermitsBalanced Reason = "permits-balanced"
	ReasonPricesStable    Reason = "prices-stable"
)

// ConvergenceState is the controller's view of the run.
type ConvergenceState struct {
	Round    int
	Running  bool
	Reason   Reason
	Snapshot *mat.Dense // last sampled price matrix, nil before the first sample
}

// Engine is the convergence controller.
type Engine struct {
	net      *basin.Network
	parts    []*participant.Participant
	settings Settings
	clearer  auction.Clearer
	strategy learning.Strategy
	damping  learning.Strategy
	rng      *rand.Rand
	log      *slog.Logger

	round    int
	running  bool
	reason   Reason
	market   *auction.Result
	snapshot *mat.Dense
}

// New validates the configuration and returns an engine ready for its
// first round. A nil rng is replaced by stochastic.New(0); a nil logger by
// slog.Default().
func New(net *basin.Network, parts []*participant.Participant, settings Settings, rng *rand.Rand, logger *slog.Logger) (*Engine, error) {
	settings = settings.withDefaults()
	if err := participant.ValidateFriction(settings.Friction); err != nil {
		return nil, err
	}
	if net == nil || net.Size() != len(parts) {
		size := 0
		if net != nil {
			size = net.Size()
		}
		return nil, fmt.Errorf("%w: %d participants, %d nodes", ErrParticipantCount, len(parts), size)
	}
	if _, err := ParseRepairMode(string(settings.Repair)); err != nil {
		return nil, err
	}
	clearer, err := auction.NewClearer(settings.Mode)
	if err != nil {
		return nil, err
	}
	strategy, err := learning.New(settings.Strategy, settings.ClampMarkup, settings.Sampler)
	if err != nil {
		return nil, err
	}
	if _, err := learning.ParseTauMode(string(settings.TauMode)); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = stochastic.New(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		net:      net,
		parts:    parts,
		settings: settings,
		clearer:  clearer,
		strategy: strategy,
		damping:  learning.Damping{},
		rng:      rng,
		log:      logger,
		running:  true,
		market:   auction.Empty(len(parts)),
	}
	e.refreshLimits()
	return e, nil
}

// Summary describes a Run call.
type Summary struct {
	Rounds    int     `json:"rounds"` // rounds executed by this call
	Round     int     `json:"round"`  // engine round counter afterwards
	Converged bool    `json:"converged"`
	Reason    Reason  `json:"reason,omitempty"`
	Fills     int     `json:"fills"`
	Volume    float64 `json:"volume"`
}

// Run steps until the market converges, maxRounds rounds have run or ctx is
// done. maxRounds <= 0 means DefaultMaxRounds. Each report is passed to
// observe when it is non-nil.
func (e *Engine) Run(ctx context.Context, maxRounds int, observe func(*RoundReport)) (*Summary, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	sum := &Summary{}
	for sum.Rounds < maxRounds && e.running {
		rep, err := e.Step(ctx)
		if err != nil {
			sum.Round = e.round
			return sum, err
		}
		sum.Rounds++
		sum.Fills += len(rep.Fills)
		sum.Volume += rep.Volume
		if observe != nil {
			observe(rep)
		}
	}
	sum.Round = e.round
	sum.Converged = !e.running
	sum.Reason = e.reason
	return sum, nil
}

// Running reports whether the market is still iterating.
func (e *Engine) Running() bool { return e.running }

// Round returns the number of rounds stepped so far.
func (e *Engine) Round() int { return e.round }

// Reason returns why the market converged, or ReasonNone.
func (e *Engine) Reason() Reason { return e.reason }

// Settings returns the effective settings.
func (e *Engine) Settings() Settings { return e.settings }

// State returns a copy of the convergence state.
func (e *Engine) State() ConvergenceState {
	s := ConvergenceState{Round: e.round, Running: e.running, Reason: e.reason}
	if e.snapshot != nil {
		s.Snapshot = mat.DenseCopyOf(e.snapshot)
	}
	return s
}

// PriceMatrix returns a copy of the last round's price matrix.
func (e *Engine) PriceMatrix() *mat.Dense { return mat.DenseCopyOf(e.market.Prices) }

// AmountMatrix returns a copy of the last round's amount matrix.
func (e *Engine) AmountMatrix() *mat.Dense { return mat.DenseCopyOf(e.market.Amounts) }

// Usage returns participant i's current usage.
func (e *Engine) Usage(i int) float64 { return e.parts[i].Usage }

// Role returns participant i's current role.
func (e *Engine) Role(i int) participant.Role { return e.parts[i].Role }

// Size returns the number of participants.
func (e *Engine) Size() int { return len(e.parts) }

// Participants returns snapshots of all participants.
func (e *Engine) Participants() []participant.Participant {
	out := make([]participant.Participant, len(e.parts))
	for i, p := range e.parts {
		out[i] = p.Snapshot()
	}
	return out
}

// Network returns the basin network. Callers must not mutate it while the
// engine is in use.
func (e *Engine) Network() *basin.Network { return e.net }

func (e *Engine) refreshLimits() {
	for i, p := range e.parts {
		p.SetLimit(e.net.Limit(i))
	}
}
