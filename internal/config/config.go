// Package config loads basin documents and server settings.
//
// A basin document describes the flow network, the participants and the
// market settings of one simulation. Documents are YAML; since YAML is a
// superset of JSON the same structs decode API request bodies too.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atmx/water-market/internal/auction"
	"github.com/atmx/water-market/internal/basin"
	"github.com/atmx/water-market/internal/learning"
	"github.com/atmx/water-market/internal/market"
	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

var (
	ErrNoParticipants = errors.New("config: at least one participant is required")
	ErrFriction       = errors.New("config: friction must lie in (0,1)")
	ErrDimension      = errors.New("config: participant count does not match flow matrix")
	ErrNegative       = errors.New("config: value must be non-negative")
	ErrMarkup         = errors.New("config: mu must lie in [0,1)")
)

// Basin is one simulation document.
type Basin struct {
	Name          string        `yaml:"name" json:"name"`
	Seed          uint64        `yaml:"seed" json:"seed"`
	Flow          [][]float64   `yaml:"flow" json:"flow"`
	Store         []float64     `yaml:"store,omitempty" json:"store,omitempty"`
	Precipitation []float64     `yaml:"precipitation,omitempty" json:"precipitation,omitempty"`
	MinOutflow    [][]float64   `yaml:"min_outflow,omitempty" json:"min_outflow,omitempty"`
	Participants  []Participant `yaml:"participants" json:"participants"`
	Market        Market        `yaml:"market" json:"market"`
}

// Participant configures one water user. Its position in the list is its
// node in the flow matrix.
type Participant struct {
	Name        string  `yaml:"name,omitempty" json:"name,omitempty"`
	Usage       float64 `yaml:"usage" json:"usage"`
	Permit      float64 `yaml:"permit" json:"permit"`
	Utility     Utility `yaml:"utility" json:"utility"`
	Reservation float64 `yaml:"reservation" json:"reservation"`
	Beta        float64 `yaml:"beta" json:"beta"`
	Mu          float64 `yaml:"mu" json:"mu"`
}

// Utility holds the coefficients of a·x² + b·x + c.
type Utility struct {
	A float64 `yaml:"a" json:"a"`
	B float64 `yaml:"b" json:"b"`
	C float64 `yaml:"c" json:"c"`
}

// Market holds the engine settings. Zero values take defaults.
type Market struct {
	Friction         float64 `yaml:"friction" json:"friction"`
	Mode             string  `yaml:"mode" json:"mode"`
	Strategy         string  `yaml:"strategy" json:"strategy"`
	Tau              string  `yaml:"tau" json:"tau"`
	Repair           string  `yaml:"repair" json:"repair"`
	ClampMarkup      *bool   `yaml:"clamp_markup,omitempty" json:"clamp_markup,omitempty"`
	SnapshotInterval int     `yaml:"snapshot_interval" json:"snapshot_interval"`
	Tolerance        float64 `yaml:"convergence_tolerance" json:"convergence_tolerance"`
	MaxRounds        int     `yaml:"max_rounds" json:"max_rounds"`
	Sampler          Sampler `yaml:"sampler" json:"sampler"`
}

// Sampler configures the Metropolis-Hastings strategy.
type Sampler struct {
	BurnIn        int     `yaml:"burn_in" json:"burn_in"`
	MaxProposals  int     `yaml:"max_proposals" json:"max_proposals"`
	Phi           float64 `yaml:"phi" json:"phi"`
	KernelWidth   float64 `yaml:"kernel_width" json:"kernel_width"`
	HistoryWindow int     `yaml:"history_window" json:"history_window"`
	ProposalScale float64 `yaml:"proposal_scale" json:"proposal_scale"`
}

// Load reads, defaults and validates a basin document.
func Load(path string) (*Basin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON basin document, applies defaults and
// validates it.
func Parse(data []byte) (*Basin, error) {
	var b Basin
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	b.ApplyDefaults()
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &b, nil
}

// ApplyDefaults fills unset market settings.
func (b *Basin) ApplyDefaults() {
	m := &b.Market
	if m.Friction == 0 {
		m.Friction = market.DefaultFriction
	}
	if m.Mode == "" {
		m.Mode = string(auction.DiscriminatoryPrice)
	}
	if m.Strategy == "" {
		m.Strategy = string(learning.KindTatonnement)
	}
	if m.Tau == "" {
		m.Tau = string(learning.TauRowMinimum)
	}
	if m.Repair == "" {
		m.Repair = string(market.RepairBalance)
	}
	if m.ClampMarkup == nil {
		clamp := true
		m.ClampMarkup = &clamp
	}
	if m.SnapshotInterval == 0 {
		m.SnapshotInterval = market.DefaultSnapshotInterval
	}
	if m.Tolerance == 0 {
		m.Tolerance = market.DefaultTolerance
	}
	if m.MaxRounds == 0 {
		m.MaxRounds = market.DefaultMaxRounds
	}

	s := &m.Sampler
	if s.BurnIn == 0 {
		s.BurnIn = learning.DefaultBurnIn
	}
	if s.MaxProposals == 0 {
		s.MaxProposals = learning.DefaultMaxProposals
	}
	if s.Phi == 0 {
		s.Phi = learning.DefaultPhi
	}
	if s.KernelWidth == 0 {
		s.KernelWidth = learning.DefaultKernelWidth
	}
	if s.ProposalScale == 0 {
		s.ProposalScale = learning.DefaultProposalScale
	}
}

// Validate checks the document. Network shape errors come from the basin
// package when the network is built.
func (b *Basin) Validate() error {
	if len(b.Participants) == 0 {
		return ErrNoParticipants
	}
	if len(b.Flow) != len(b.Participants) {
		return fmt.Errorf("%w: %d participants, %d flow rows", ErrDimension, len(b.Participants), len(b.Flow))
	}
	if f := b.Market.Friction; f <= 0 || f >= 1 {
		return fmt.Errorf("%w: got %v", ErrFriction, f)
	}
	for i, p := range b.Participants {
		if p.Usage < 0 || p.Permit < 0 || p.Beta < 0 || p.Reservation < 0 {
			return fmt.Errorf("%w: participant %d", ErrNegative, i)
		}
		if p.Mu < 0 || p.Mu >= 1 {
			return fmt.Errorf("%w: participant %d has mu=%v", ErrMarkup, i, p.Mu)
		}
	}
	if b.Market.SnapshotInterval < 0 || b.Market.MaxRounds < 0 || b.Market.Tolerance < 0 {
		return fmt.Errorf("%w: market settings", ErrNegative)
	}
	_, err := b.Settings()
	return err
}

// Settings translates the market section into engine settings.
func (b *Basin) Settings() (market.Settings, error) {
	m := b.Market
	mode, err := auction.ParseMode(m.Mode)
	if err != nil {
		return market.Settings{}, err
	}
	kind, err := learning.ParseKind(m.Strategy)
	if err != nil {
		return market.Settings{}, err
	}
	tau, err := learning.ParseTauMode(m.Tau)
	if err != nil {
		return market.Settings{}, err
	}
	repair, err := market.ParseRepairMode(m.Repair)
	if err != nil {
		return market.Settings{}, err
	}
	return market.Settings{
		Friction:    m.Friction,
		Mode:        mode,
		Strategy:    kind,
		TauMode:     tau,
		ClampMarkup: m.ClampMarkup == nil || *m.ClampMarkup,
		Repair:      repair,
		Sampler: learning.Sampler{
			BurnIn:        m.Sampler.BurnIn,
			MaxProposals:  m.Sampler.MaxProposals,
			Phi:           m.Sampler.Phi,
			KernelWidth:   m.Sampler.KernelWidth,
			HistoryWindow: m.Sampler.HistoryWindow,
			ProposalScale: m.Sampler.ProposalScale,
		},
		SnapshotInterval: m.SnapshotInterval,
		Tolerance:        m.Tolerance,
	}, nil
}

// Network builds the flow network.
func (b *Basin) Network() (*basin.Network, error) {
	return basin.NewNetwork(b.Flow, basin.Options{
		Store:         b.Store,
		Precipitation: b.Precipitation,
		MinOutflow:    b.MinOutflow,
	})
}

// Build constructs a ready-to-step engine seeded from the document.
func (b *Basin) Build(logger *slog.Logger) (*market.Engine, error) {
	net, err := b.Network()
	if err != nil {
		return nil, err
	}
	parts := make([]*participant.Participant, len(b.Participants))
	for i, c := range b.Participants {
		p, err := participant.New(participant.Params{
			ID:          i,
			Name:        c.Name,
			Usage:       c.Usage,
			Permit:      c.Permit,
			Utility:     participant.Utility{A: c.Utility.A, B: c.Utility.B, C: c.Utility.C},
			Reservation: c.Reservation,
			Beta:        c.Beta,
			Mu:          c.Mu,
		})
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	settings, err := b.Settings()
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("basin", b.Name)
	}
	return market.New(net, parts, settings, stochastic.New(b.Seed), logger)
}
