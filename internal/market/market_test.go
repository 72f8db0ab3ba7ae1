package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/atmx/water-market/internal/auction"
	"github.com/atmx/water-market/internal/basin"
	"github.com/atmx/water-market/internal/learning"
	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/stochastic"
)

// yBasin has two headwater nodes feeding a confluence that drains into an
// outlet. Limits are 4, 3, 3 and 15.
func yBasin() [][]float64 {
	return [][]float64{
		{10, 0, 6, 0},
		{0, 8, 5, 0},
		{0, 0, 4, 12},
		{0, 0, 0, 3},
	}
}

type user struct {
	usage, permit, reservation, mu float64
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, users []user, settings Settings, seed uint64) *Engine {
	t.Helper()
	net, err := basin.NewNetwork(yBasin(), basin.Options{})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	parts := make([]*participant.Participant, len(users))
	for i, u := range users {
		p, err := participant.New(participant.Params{
			ID:          i,
			Usage:       u.usage,
			Permit:      u.permit,
			Utility:     participant.Utility{A: -0.5, B: 10},
			Reservation: u.reservation,
			Beta:        0.05,
			Mu:          u.mu,
		})
		if err != nil {
			t.Fatalf("participant.New: %v", err)
		}
		parts[i] = p
	}
	e, err := New(net, parts, settings, stochastic.New(seed), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// tradingUsers holds one buyer (0), two siders and one seller (3) whose
// bids cross.
func tradingUsers() []user {
	return []user{
		{usage: 3.5, permit: 2, reservation: 20, mu: 0.1},
		{usage: 2, permit: 2, reservation: 10, mu: 0.1},
		{usage: 2, permit: 2, reservation: 10, mu: 0.1},
		{usage: 8, permit: 12, reservation: 5, mu: 0.1},
	}
}

// stuckUsers holds a buyer and a seller whose bids can never cross.
func stuckUsers() []user {
	return []user{
		{usage: 3.5, permit: 2, reservation: 5, mu: 0.2},
		{usage: 2, permit: 2, reservation: 10, mu: 0.1},
		{usage: 2, permit: 2, reservation: 10, mu: 0.1},
		{usage: 8, permit: 12, reservation: 20, mu: 0.2},
	}
}

func TestNew_Validation(t *testing.T) {
	net, _ := basin.NewNetwork(yBasin(), basin.Options{})
	parts := make([]*participant.Participant, 4)
	for i := range parts {
		parts[i], _ = participant.New(participant.Params{ID: i, Usage: 1, Permit: 1})
	}

	tests := []struct {
		name     string
		parts    []*participant.Participant
		settings Settings
		want     error
	}{
		{"friction one", parts, Settings{Friction: 1}, participant.ErrInvalidFriction},
		{"negative friction", parts, Settings{Friction: -0.1}, participant.ErrInvalidFriction},
		{"bilateral", parts, Settings{Mode: auction.BilateralNegotiations}, auction.ErrModeNotImplemented},
		{"strategy", parts, Settings{Strategy: "annealing"}, learning.ErrUnknownStrategy},
		{"tau", parts, Settings{TauMode: "median"}, learning.ErrUnknownTauMode},
		{"repair", parts, Settings{Repair: "drain"}, ErrUnknownRepairMode},
		{"count", parts[:3], Settings{}, ErrParticipantCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(net, tt.parts, tt.settings, nil, quietLogger())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNew_SetsLimitsAndLabels(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 1, permit: 5},
		{usage: 1, permit: 2},
		{usage: 1, permit: 2},
		{usage: 1, permit: 2},
	}, Settings{}, 1)

	parts := e.Participants()
	if parts[0].Limit != 4 || parts[0].Label != participant.Over {
		t.Errorf("participant 0: expected limit 4 and label over, got %v/%s", parts[0].Limit, parts[0].Label)
	}
	if parts[3].Limit != 15 || parts[3].Label != participant.Normal {
		t.Errorf("participant 3: expected limit 15 and label normal, got %v/%s", parts[3].Limit, parts[3].Label)
	}
}

func TestStep_AllAtPermitConvergesImmediately(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 2, permit: 2},
		{usage: 1, permit: 1},
		{usage: 3, permit: 3},
		{usage: 10, permit: 10},
	}, Settings{}, 1)

	rep, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Status != StatusConverged || rep.Reason != ReasonAllSiders {
		t.Errorf("expected converged/all-siders, got %s/%s", rep.Status, rep.Reason)
	}
	if e.Running() {
		t.Error("engine should have stopped")
	}
	for i := 0; i < e.Size(); i++ {
		if e.Role(i) != participant.Sider {
			t.Errorf("participant %d: expected sider, got %s", i, e.Role(i))
		}
	}
	if _, err := e.Step(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestStep_SellerOnlyMarketInjectsBuyer(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 2, permit: 3, reservation: 10},
		{usage: 2, permit: 2, reservation: 10},
		{usage: 1, permit: 2, reservation: 10},
		{usage: 10, permit: 10, reservation: 10},
	}, Settings{}, 7)

	rep, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Injection == nil {
		t.Fatal("expected a liveness injection")
	}
	inj := rep.Injection
	if inj.Role != participant.Buyer {
		t.Errorf("expected buyer injection, got %s", inj.Role)
	}
	if e.Role(inj.Participant) != participant.Buyer {
		t.Errorf("participant %d should now be a buyer", inj.Participant)
	}
	snap := e.Participants()[inj.Participant]
	if snap.Label == participant.Over {
		t.Error("a buyer must not be drawn from over-labelled participants")
	}
	if inj.Usage > e.Network().Limit(inj.Participant) {
		t.Errorf("injected usage %v exceeds limit %v", inj.Usage, e.Network().Limit(inj.Participant))
	}
	if inj.Usage < snap.Permit {
		t.Errorf("injected usage %v below permit %v", inj.Usage, snap.Permit)
	}
	if !e.Running() {
		t.Error("an injected market keeps running")
	}

	wantSellers := 2
	if inj.Participant == 0 || inj.Participant == 2 {
		wantSellers = 1
	}
	if rep.Buyers != 1 || rep.Sellers != wantSellers || rep.Buyers+rep.Sellers+rep.Siders != 4 {
		t.Errorf("counts should include the injected buyer: buyers %d sellers %d siders %d",
			rep.Buyers, rep.Sellers, rep.Siders)
	}
	if rep.InjectionFailed != nil {
		t.Errorf("successful injection reported as failed: %s", *rep.InjectionFailed)
	}
}

func TestStep_BuyerOnlyMarketWithoutOverParticipant(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 3.5, permit: 3, reservation: 10},
		{usage: 2, permit: 2, reservation: 10},
		{usage: 2.5, permit: 2, reservation: 10},
		{usage: 10, permit: 10, reservation: 10},
	}, Settings{}, 7)

	rep, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Injection != nil {
		t.Errorf("no over participant exists, expected no injection, got %+v", rep.Injection)
	}
	if rep.InjectionFailed == nil || *rep.InjectionFailed != participant.Seller {
		t.Errorf("expected the missing seller side to be reported, got %v", rep.InjectionFailed)
	}
	if rep.Buyers != 2 || rep.Sellers != 0 || rep.Siders != 2 {
		t.Errorf("unexpected counts: buyers %d sellers %d siders %d", rep.Buyers, rep.Sellers, rep.Siders)
	}
	if len(rep.Fills) != 0 {
		t.Errorf("expected no fills in a buyer-only market, got %d", len(rep.Fills))
	}
	if rep.Rule != learning.KindDamping {
		t.Errorf("expected damping without trades, got %s", rep.Rule)
	}
}

func TestInject_SellerFromOverParticipant(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{}, 3)
	e.parts[2].Label = participant.Over

	inj, err := e.inject(participant.Seller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inj.Participant != 2 {
		t.Fatalf("expected participant 2, got %d", inj.Participant)
	}
	p := e.parts[2]
	if p.Role != participant.Seller {
		t.Errorf("expected seller, got %s", p.Role)
	}
	if p.Usage < 0.5*p.Permit || p.Usage >= p.Permit {
		t.Errorf("usage %v outside [0.5, 1)·permit", p.Usage)
	}
	if p.BidAmount != p.Permit-p.Usage {
		t.Errorf("expected bid amount %v, got %v", p.Permit-p.Usage, p.BidAmount)
	}
}

func TestInject_NoEligibleParticipant(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{}, 3)
	if _, err := e.inject(participant.Seller); !errors.Is(err, ErrNoEligibleParticipant) {
		t.Errorf("expected ErrNoEligibleParticipant, got %v", err)
	}
}

func TestStep_ClearsCrossingBids(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{}, 5)

	rep, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(rep.Fills))
	}
	f := rep.Fills[0]
	buyBid := 0.9 * 20 / 1.1
	sellBid := 1.1 * 5 / 0.9
	if f.Buyer != 0 || f.Seller != 3 || f.Amount != 1.5 {
		t.Errorf("unexpected fill %+v", f)
	}
	if want := 0.5 * (buyBid + sellBid); math.Abs(f.Price-want) > 1e-12 {
		t.Errorf("expected price %v, got %v", want, f.Price)
	}

	prices, amounts := e.PriceMatrix(), e.AmountMatrix()
	if prices.At(0, 3) != f.Price || prices.At(3, 0) != f.Price {
		t.Errorf("price matrix not symmetric: %v vs %v", prices.At(0, 3), prices.At(3, 0))
	}
	if amounts.At(0, 3) != 1.5 || amounts.At(3, 0) != -1.5 {
		t.Errorf("amount matrix: expected ±1.5, got %v/%v", amounts.At(0, 3), amounts.At(3, 0))
	}
	if rep.Rule != learning.KindTatonnement {
		t.Errorf("expected tatonnement, got %s", rep.Rule)
	}

	for i, p := range e.Participants() {
		if len(p.History) != 1 {
			t.Fatalf("participant %d: expected 1 history record, got %d", i, len(p.History))
		}
		if p.History[0].Round != 1 {
			t.Errorf("participant %d: expected record for round 1, got %d", i, p.History[0].Round)
		}
	}
	if got := e.Participants()[0].History[0].Usage; got != 3.5 {
		t.Errorf("history should record the usage that bid, got %v", got)
	}
}

// twoFillUsers holds two buyers (0, 1) that both clear against seller 3 at
// different prices while participant 2 sits out.
func twoFillUsers() []user {
	return []user{
		{usage: 3.5, permit: 2, reservation: 20, mu: 0.1},
		{usage: 3, permit: 2, reservation: 15, mu: 0.1},
		{usage: 2, permit: 2, reservation: 10, mu: 0.1},
		{usage: 8, permit: 12, reservation: 5, mu: 0.1},
	}
}

func TestStep_ReferenceCostPerTauMode(t *testing.T) {
	const w, beta = DefaultFriction, 0.05
	users := twoFillUsers()
	buyRes := func(u user) float64 { return u.reservation / (1 + w) }
	sellRes := users[3].reservation / (1 - w)
	bid0 := (1 - users[0].mu) * buyRes(users[0])
	bid1 := (1 - users[1].mu) * buyRes(users[1])
	sellBid := (1 + users[3].mu) * sellRes
	price0 := 0.5 * (bid0 + sellBid)
	price1 := 0.5 * (bid1 + sellBid)
	avg := 0.5 * (price0 + price1)

	tests := []struct {
		mode learning.TauMode
		tau  [4]float64
	}{
		{learning.TauRowMinimum, [4]float64{price0, price1, avg, price1}},
		{learning.TauMarketAverage, [4]float64{avg, avg, avg, avg}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e := newEngine(t, users, Settings{TauMode: tt.mode, ClampMarkup: true}, 9)
			rep, err := e.Step(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rep.Fills) != 2 {
				t.Fatalf("expected 2 fills, got %+v", rep.Fills)
			}
			if math.Abs(rep.Fills[0].Price-price0) > 1e-12 || math.Abs(rep.Fills[1].Price-price1) > 1e-12 {
				t.Fatalf("unexpected fill prices %v and %v", rep.Fills[0].Price, rep.Fills[1].Price)
			}

			wantMu := [4]float64{
				users[0].mu - beta*(tt.tau[0]-bid0)/buyRes(users[0]),
				users[1].mu - beta*(tt.tau[1]-bid1)/buyRes(users[1]),
				users[2].mu,
				users[3].mu + beta*(tt.tau[3]-sellBid)/sellRes,
			}
			for i, p := range e.Participants() {
				u := users[i]
				wantUsage := math.Max(u.usage+beta*(-u.usage+10-(1+w)*tt.tau[i]), 0)
				if math.Abs(p.Usage-wantUsage) > 1e-9 {
					t.Errorf("participant %d: expected usage %v, got %v", i, wantUsage, p.Usage)
				}
				if math.Abs(p.Mu-wantMu[i]) > 1e-9 {
					t.Errorf("participant %d: expected mu %v, got %v", i, wantMu[i], p.Mu)
				}
			}
		})
	}
}

func TestStep_MatricesResetEachRound(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{}, 5)
	ctx := context.Background()
	for r := 0; r < 30 && e.Running(); r++ {
		rep, err := e.Step(ctx)
		if err != nil {
			t.Fatalf("round %d: %v", r+1, err)
		}
		prices, amounts := e.PriceMatrix(), e.AmountMatrix()
		nonzero := 0
		n := e.Size()
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if prices.At(i, j) != prices.At(j, i) {
					t.Fatalf("round %d: price matrix not symmetric at %d,%d", rep.Round, i, j)
				}
				if amounts.At(i, j) != -amounts.At(j, i) {
					t.Fatalf("round %d: amount matrix not antisymmetric at %d,%d", rep.Round, i, j)
				}
				if prices.At(i, j) != 0 {
					nonzero++
				}
			}
		}
		if nonzero > 2*len(rep.Fills) {
			t.Fatalf("round %d: %d priced entries for %d fills", rep.Round, nonzero, len(rep.Fills))
		}
	}
}

func TestStep_NoTradeDampsMarkups(t *testing.T) {
	e := newEngine(t, stuckUsers(), Settings{}, 9)
	before := e.Participants()

	rep, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Fills) != 0 || rep.Rule != learning.KindDamping {
		t.Fatalf("expected damping without fills, got %d fills and %s", len(rep.Fills), rep.Rule)
	}
	for i, p := range e.Participants() {
		if p.Mu > before[i].Mu || p.Mu < 0.5*before[i].Mu {
			t.Errorf("participant %d: mu %v outside [%v, %v]", i, p.Mu, 0.5*before[i].Mu, before[i].Mu)
		}
		if p.Usage != before[i].Usage {
			t.Errorf("participant %d: damping changed usage", i)
		}
	}
}

func TestRun_StablePricesConverge(t *testing.T) {
	e := newEngine(t, stuckUsers(), Settings{}, 9)

	var reports []*RoundReport
	sum, err := e.Run(context.Background(), 100, func(r *RoundReport) { reports = append(reports, r) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.Converged || sum.Reason != ReasonPricesStable {
		t.Fatalf("expected convergence on stable prices, got %+v", sum)
	}
	if sum.Round != 20 || len(reports) != 20 {
		t.Errorf("expected convergence at round 20, got round %d with %d reports", sum.Round, len(reports))
	}
	if reports[9].PriceDelta != nil {
		t.Error("the first snapshot has nothing to compare against")
	}
	if d := reports[19].PriceDelta; d == nil || *d != 0 {
		t.Errorf("expected zero price delta at round 20, got %v", d)
	}
	if st := e.State(); st.Running || st.Snapshot == nil {
		t.Errorf("unexpected final state %+v", st)
	}
}

func TestRun_Deterministic(t *testing.T) {
	run := func() *Engine {
		e := newEngine(t, tradingUsers(), Settings{}, 42)
		if _, err := e.Run(context.Background(), 40, nil); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return e
	}
	a, b := run(), run()
	if a.Round() != b.Round() {
		t.Fatalf("rounds differ: %d vs %d", a.Round(), b.Round())
	}
	for i := 0; i < a.Size(); i++ {
		if a.Usage(i) != b.Usage(i) || a.Role(i) != b.Role(i) {
			t.Errorf("participant %d differs between identical runs", i)
		}
	}
	pa, pb := a.PriceMatrix(), b.PriceMatrix()
	for i := 0; i < a.Size(); i++ {
		for j := 0; j < a.Size(); j++ {
			if pa.At(i, j) != pb.At(i, j) {
				t.Fatalf("price matrices differ at %d,%d", i, j)
			}
		}
	}
}

func TestRun_Sampler(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{
		Strategy: learning.KindSampler,
		Sampler:  learning.Sampler{BurnIn: 200, MaxProposals: 2000},
	}, 11)

	sum, err := e.Run(context.Background(), 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Rounds == 0 {
		t.Fatal("expected at least one round")
	}
	for i, p := range e.Participants() {
		if p.Usage < 0 {
			t.Errorf("participant %d: negative usage %v", i, p.Usage)
		}
	}
}

func TestRepair_UsageWithinLimit(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 9, permit: 2, reservation: 10},
		{usage: 7, permit: 2, reservation: 10},
		{usage: 6, permit: 2, reservation: 10},
		{usage: 30, permit: 10, reservation: 10},
	}, Settings{}, 13)

	if err := e.bidPhase(); err != nil {
		t.Fatalf("bidPhase: %v", err)
	}
	repaired := e.repair()
	if len(repaired) == 0 {
		t.Fatal("expected repairs")
	}
	for i, p := range e.parts {
		if p.Usage > e.net.Limit(i)+1e-12 {
			t.Errorf("participant %d: usage %v exceeds limit %v", i, p.Usage, e.net.Limit(i))
		}
		if p.Limit != e.net.Limit(i) {
			t.Errorf("participant %d: stale limit %v, network says %v", i, p.Limit, e.net.Limit(i))
		}
		if p.Role != participant.ClassifyRole(p.Usage, p.Permit) {
			t.Errorf("participant %d: role %s does not match repaired usage", i, p.Role)
		}
	}
}

func TestRepair_LocalOptimum(t *testing.T) {
	e := newEngine(t, []user{
		{usage: 6, permit: 2, reservation: 10},
		{usage: 2, permit: 2, reservation: 10},
		{usage: 2, permit: 2, reservation: 10},
		{usage: 8, permit: 10, reservation: 10},
	}, Settings{Repair: RepairLocalOptimum}, 13)

	if err := e.bidPhase(); err != nil {
		t.Fatalf("bidPhase: %v", err)
	}
	if got := e.repair(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only participant 0 repaired, got %v", got)
	}
	p := e.parts[0]
	if p.Usage != 4 {
		t.Errorf("expected usage at the utility maximiser on [0, 4], got %v", p.Usage)
	}
	if p.Role != participant.Buyer || p.BidAmount != 2 {
		t.Errorf("expected re-bid as buyer for 2, got %s for %v", p.Role, p.BidAmount)
	}
}

func TestStep_OutflowControl(t *testing.T) {
	net, err := basin.NewNetwork(yBasin(), basin.Options{
		MinOutflow: [][]float64{
			{0, 0, 1, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
			{0, 0, 0, 0},
		},
	})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	parts := make([]*participant.Participant, 4)
	for i, u := range tradingUsers() {
		parts[i], _ = participant.New(participant.Params{
			ID: i, Usage: u.usage, Permit: u.permit,
			Utility:     participant.Utility{A: -0.5, B: 10},
			Reservation: u.reservation, Beta: 0.05, Mu: u.mu,
		})
	}
	e, err := New(net, parts, Settings{}, stochastic.New(2), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	for i, p := range e.Participants() {
		if p.Usage > net.Available(i)+1e-12 {
			t.Errorf("participant %d: usage %v exceeds available %v", i, p.Usage, net.Available(i))
		}
	}
	// Headwater 0 releases everything it does not use down its only edge.
	if got, want := net.Flow(0, 2), net.Available(0)-e.Usage(0); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected outflow %v from node 0, got %v", want, got)
	}
}

func TestStep_CancelledContext(t *testing.T) {
	e := newEngine(t, tradingUsers(), Settings{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Step(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if e.Round() != 0 {
		t.Errorf("a cancelled step must not advance the round, got %d", e.Round())
	}
}

func TestParseRepairMode(t *testing.T) {
	if m, err := ParseRepairMode(""); err != nil || m != RepairBalance {
		t.Errorf("expected balance default, got %s (%v)", m, err)
	}
	if m, err := ParseRepairMode("Local-Optimum"); err != nil || m != RepairLocalOptimum {
		t.Errorf("expected local-optimum, got %s (%v)", m, err)
	}
}
