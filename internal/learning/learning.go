// Package learning moves participants towards market equilibrium between
// rounds.
//
// A Strategy proposes a participant's next usage and markup from a read-only
// snapshot and the round's observation; the market engine commits the
// proposals afterwards. Three strategies exist: gradient-style tâtonnement,
// random markup damping (used by the engine whenever nothing traded), and a
// Metropolis-Hastings sampler over (usage, markup) guided by the
// participant's transaction history.
package learning

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/atmx/water-market/internal/participant"
)

var (
	// ErrUnknownStrategy is returned by ParseKind for unrecognised names.
	ErrUnknownStrategy = errors.New("learning: unknown strategy")

	// ErrUnknownTauMode is returned by ParseTauMode for unrecognised names.
	ErrUnknownTauMode = errors.New("learning: unknown tau mode")

	// ErrSamplerStalled is returned when the sampler hits its proposal cap
	// before completing burn-in with at least one accepted move.
	ErrSamplerStalled = errors.New("learning: sampler did not converge")
)

// Kind names a strategy.
type Kind string

const (
	KindTatonnement Kind = "tatonnement"
	KindDamping     Kind = "damping"
	KindSampler     Kind = "sampler"
)

// ParseKind maps a configuration name to a Kind. Empty means tatonnement.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindTatonnement, nil
	case KindTatonnement, KindDamping, KindSampler:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// TauMode selects the reference transaction cost of a participant that
// traded this round.
type TauMode string

const (
	// TauRowMinimum uses the lowest positive price the participant traded at.
	TauRowMinimum TauMode = "row-minimum"

	// TauMarketAverage uses the market-wide average traded price.
	TauMarketAverage TauMode = "market-average"
)

// ParseTauMode maps a configuration name to a TauMode. Empty means
// row-minimum.
func ParseTauMode(s string) (TauMode, error) {
	switch m := TauMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return TauRowMinimum, nil
	case TauRowMinimum, TauMarketAverage:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTauMode, s)
	}
}

// Observation is what a participant learns from one cleared round.
type Observation struct {
	Round    int
	Tau      float64 // reference transaction cost
	Traded   bool    // the participant itself traded
	Friction float64 // market-wide friction w
}

// Strategy proposes a participant's next usage and markup. Implementations
// must not retain or mutate the snapshot.
type Strategy interface {
	Kind() Kind
	Propose(p participant.Participant, obs Observation, r *rand.Rand) (participant.Update, error)
}

// New returns the strategy for kind. clampMarkup applies to tatonnement;
// sampler configures the Metropolis-Hastings strategy.
func New(kind Kind, clampMarkup bool, sampler Sampler) (Strategy, error) {
	switch kind {
	case KindTatonnement:
		return Tatonnement{ClampMarkup: clampMarkup}, nil
	case KindDamping:
		return Damping{}, nil
	case KindSampler:
		return sampler.withDefaults(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
}
