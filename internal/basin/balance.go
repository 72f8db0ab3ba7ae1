package basin

import (
	"math"
	"math/rand/v2"

	"github.com/atmx/water-market/internal/stochastic"
)

// MaxBalanceSteps bounds the randomized relaxation in Balance. The
// relaxation terminates on its own; the cap only bounds wall time.
const MaxBalanceSteps = 10000

// BalanceResult describes one Balance call.
type BalanceResult struct {
	Usage  float64 // repaired usage, <= Limit(i)
	Steps  int     // relaxation steps taken
	Edges  int     // steps that shrank an outgoing edge
	Capped bool    // true when MaxBalanceSteps forced a deterministic repair
}

// Balance repairs participant i so that usage <= Limit(i).
//
// Each step draws r ~ Uniform(0.5, 1). If usage exceeds everything available
// to i, or i has no outgoing edge, usage shrinks by r. Otherwise a uniformly
// chosen outgoing edge shrinks by r, which raises i's limit (and lowers the
// downstream neighbour's).
func (n *Network) Balance(i int, usage float64, r *rand.Rand) BalanceResult {
	res := BalanceResult{Usage: usage}
	for res.Usage > n.Limit(i) {
		if res.Steps >= MaxBalanceSteps {
			res.Usage = n.forceBalance(i, res.Usage)
			res.Capped = true
			break
		}
		res.Steps++
		ratio := stochastic.Shrink(r)

		edges := n.OutEdges(i)
		if res.Usage > n.Available(i) || len(edges) == 0 {
			res.Usage *= ratio
			continue
		}
		j := edges[r.IntN(len(edges))]
		n.flow.Set(i, j, n.flow.At(i, j)*ratio)
		res.Edges++
	}
	return res
}

// forceBalance cuts usage to what is available and scales the outgoing edges
// down just enough for the remainder to fit.
func (n *Network) forceBalance(i int, usage float64) float64 {
	avail := n.Available(i)
	usage = math.Max(0, math.Min(usage, avail))

	allowed := avail - usage
	if out := n.Outflow(i); out > allowed && out > 0 {
		scale := allowed / out
		for _, j := range n.OutEdges(i) {
			n.flow.Set(i, j, n.flow.At(i, j)*scale)
		}
	}
	return math.Min(usage, n.Limit(i))
}

// Control redistributes i's outgoing flow in proportion to its configured
// minimum outflows so that the water left after usage is released
// downstream. If usage exceeds what is available, usage is capped to the
// available amount and flows are left untouched. It returns the (possibly
// capped) usage and is a no-op without outflow control.
func (n *Network) Control(i int, usage float64) float64 {
	if n.minOutflow == nil {
		return usage
	}
	mins := n.minOutflow.RawRowView(i)
	var minSum float64
	for j, v := range mins {
		if j != i {
			minSum += v
		}
	}
	if minSum <= 0 {
		return usage
	}

	avail := n.Available(i)
	spare := avail - usage
	if spare < 0 {
		return avail
	}
	for j, v := range mins {
		if j != i {
			n.flow.Set(i, j, spare*v/minSum)
		}
	}
	return usage
}
