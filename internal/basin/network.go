// Package basin models the river basin as a weighted directed flow network.
//
// F[i][j] is the flow from participant i to participant j. The diagonal
// F[i][i] is local retention and doubles as the participant's store unless an
// explicit store vector is configured. Inflow and outflow exclude the
// diagonal, so the usage limit of a participant is
//
//	limit[i] = Σ_k F[k][i] - Σ_k F[i][k] + store[i] + precipitation[i]
//
// Limits are never cached: every query recomputes them from the current
// matrix, so any edge change is visible immediately.
package basin

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmpty is returned for a network without participants.
	ErrEmpty = errors.New("basin: network must have at least one participant")

	// ErrNotSquare is returned when the flow matrix is not n×n.
	ErrNotSquare = errors.New("basin: flow matrix must be square")

	// ErrNegativeFlow is returned when any flow weight, store or
	// precipitation value is negative.
	ErrNegativeFlow = errors.New("basin: flow weights must be non-negative")

	// ErrDimension is returned when a per-participant vector does not match
	// the matrix size.
	ErrDimension = errors.New("basin: vector length does not match participant count")
)

// Options carries the optional per-participant vectors of a network.
type Options struct {
	// Store overrides the diagonal of the flow matrix as local store.
	Store []float64

	// Precipitation adds a local source term to every limit.
	Precipitation []float64

	// MinOutflow[i][j] is the minimum flow i must release towards j.
	// Nil disables outflow control.
	MinOutflow [][]float64
}

// Network is the basin flow graph. It is owned by the market engine and is
// not safe for concurrent mutation.
type Network struct {
	flow          *mat.Dense
	store         []float64
	precipitation []float64
	minOutflow    *mat.Dense
}

// NewNetwork validates and copies the flow matrix and options.
func NewNetwork(flow [][]float64, opts Options) (*Network, error) {
	n := len(flow)
	if n == 0 {
		return nil, ErrEmpty
	}
	f, err := dense(flow, n)
	if err != nil {
		return nil, err
	}

	store := make([]float64, n)
	if opts.Store != nil {
		if len(opts.Store) != n {
			return nil, fmt.Errorf("%w: store has %d entries, want %d", ErrDimension, len(opts.Store), n)
		}
		copy(store, opts.Store)
	} else {
		for i := 0; i < n; i++ {
			store[i] = f.At(i, i)
		}
	}

	precip := make([]float64, n)
	if opts.Precipitation != nil {
		if len(opts.Precipitation) != n {
			return nil, fmt.Errorf("%w: precipitation has %d entries, want %d", ErrDimension, len(opts.Precipitation), n)
		}
		copy(precip, opts.Precipitation)
	}
	for i := 0; i < n; i++ {
		if store[i] < 0 || precip[i] < 0 {
			return nil, fmt.Errorf("%w: participant %d", ErrNegativeFlow, i)
		}
	}

	net := &Network{flow: f, store: store, precipitation: precip}
	if opts.MinOutflow != nil {
		if len(opts.MinOutflow) != n {
			return nil, fmt.Errorf("%w: min outflow has %d rows, want %d", ErrDimension, len(opts.MinOutflow), n)
		}
		m, err := dense(opts.MinOutflow, n)
		if err != nil {
			return nil, fmt.Errorf("min outflow: %w", err)
		}
		net.minOutflow = m
	}
	return net, nil
}

func dense(rows [][]float64, n int) (*mat.Dense, error) {
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d entries, want %d", ErrNotSquare, i, len(row), n)
		}
		for j, v := range row {
			if v < 0 {
				return nil, fmt.Errorf("%w: F[%d][%d]=%v", ErrNegativeFlow, i, j, v)
			}
		}
		data = append(data, row...)
	}
	return mat.NewDense(n, n, data), nil
}

// Size returns the number of participants.
func (n *Network) Size() int {
	r, _ := n.flow.Dims()
	return r
}

// Flow returns F[i][j].
func (n *Network) Flow(i, j int) float64 {
	return n.flow.At(i, j)
}

// Inflow is Σ_k F[k][i] over k != i.
func (n *Network) Inflow(i int) float64 {
	var sum float64
	for k := 0; k < n.Size(); k++ {
		if k != i {
			sum += n.flow.At(k, i)
		}
	}
	return sum
}

// Outflow is Σ_k F[i][k] over k != i.
func (n *Network) Outflow(i int) float64 {
	var sum float64
	for k, v := range n.flow.RawRowView(i) {
		if k != i {
			sum += v
		}
	}
	return sum
}

// Store returns the local store of participant i.
func (n *Network) Store(i int) float64 { return n.store[i] }

// Precipitation returns the local precipitation of participant i.
func (n *Network) Precipitation(i int) float64 { return n.precipitation[i] }

// Available is everything that reaches i before it releases water
// downstream: inflow + store + precipitation.
func (n *Network) Available(i int) float64 {
	return n.Inflow(i) + n.store[i] + n.precipitation[i]
}

// Limit is the maximum usage the current flows allow for i.
func (n *Network) Limit(i int) float64 {
	return n.Available(i) - n.Outflow(i)
}

// OutEdges lists the downstream neighbours of i with positive flow.
func (n *Network) OutEdges(i int) []int {
	var edges []int
	for j, v := range n.flow.RawRowView(i) {
		if j != i && v > 0 {
			edges = append(edges, j)
		}
	}
	return edges
}

// Matrix returns a copy of the current flow matrix.
func (n *Network) Matrix() *mat.Dense {
	return mat.DenseCopyOf(n.flow)
}

// HasOutflowControl reports whether minimum outflows are configured.
func (n *Network) HasOutflowControl() bool {
	return n.minOutflow != nil
}

// ShortfallPenalty is the negative total amount by which i's outgoing flows
// fall short of their configured minimums. Zero without outflow control.
func (n *Network) ShortfallPenalty(i int) float64 {
	if n.minOutflow == nil {
		return 0
	}
	var shortfall float64
	for j, floor := range n.minOutflow.RawRowView(i) {
		if j == i {
			continue
		}
		if gap := floor - n.flow.At(i, j); gap > 0 {
			shortfall += gap
		}
	}
	return -shortfall
}
