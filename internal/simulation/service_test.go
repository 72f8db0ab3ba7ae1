package simulation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/water-market/internal/model"
	"github.com/atmx/water-market/internal/participant"
	"github.com/atmx/water-market/internal/simulation"
	"github.com/atmx/water-market/internal/store"
)

// crossing has a buyer (0) and a seller (3) whose bids cross.
const crossing = `{
  "name": "crossing",
  "seed": 42,
  "flow": [[10,0,6,0],[0,8,5,0],[0,0,4,12],[0,0,0,3]],
  "participants": [
    {"usage": 3.5, "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 20, "beta": 0.05, "mu": 0.1},
    {"usage": 2,   "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05, "mu": 0.1},
    {"usage": 2,   "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05, "mu": 0.1},
    {"usage": 8,   "permit": 12, "utility": {"a": -0.5, "b": 10}, "reservation": 5,  "beta": 0.05, "mu": 0.1}
  ]
}`

// stuck never trades, so prices stay at zero and the run converges once two
// snapshots agree.
const stuck = `{
  "name": "stuck",
  "seed": 9,
  "flow": [[10,0,6,0],[0,8,5,0],[0,0,4,12],[0,0,0,3]],
  "participants": [
    {"usage": 3.5, "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 5,  "beta": 0.05, "mu": 0.2},
    {"usage": 2,   "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05, "mu": 0.1},
    {"usage": 2,   "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05, "mu": 0.1},
    {"usage": 8,   "permit": 12, "utility": {"a": -0.5, "b": 10}, "reservation": 20, "beta": 0.05, "mu": 0.2}
  ]
}`

// buyersOnly has two buyers and no participant whose limit is below its
// permit, so no seller can be injected.
const buyersOnly = `{
  "name": "buyers-only",
  "seed": 3,
  "flow": [[10,0,6,0],[0,8,5,0],[0,0,4,12],[0,0,0,3]],
  "participants": [
    {"usage": 3.5, "permit": 3,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05},
    {"usage": 2,   "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05},
    {"usage": 2.5, "permit": 2,  "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05},
    {"usage": 10,  "permit": 10, "utility": {"a": -0.5, "b": 10}, "reservation": 10, "beta": 0.05}
  ]
}`

// flakyStore fails trade inserts while failTrades is set.
type flakyStore struct {
	*store.MemoryStore
	failTrades atomic.Bool
}

func (s *flakyStore) InsertTradeEntry(ctx context.Context, e *model.TradeEntry) error {
	if s.failTrades.Load() {
		return errors.New("ledger unavailable")
	}
	return s.MemoryStore.InsertTradeEntry(ctx, e)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func router(svc *simulation.Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/runs", svc.CreateRun)
	r.Get("/api/v1/runs", svc.ListRuns)
	r.Get("/api/v1/runs/{runID}", svc.GetRun)
	r.Get("/api/v1/runs/{runID}/state", svc.GetState)
	r.Post("/api/v1/runs/{runID}/step", svc.Step)
	r.Post("/api/v1/runs/{runID}/run", svc.RunToEnd)
	r.Get("/api/v1/runs/{runID}/rounds", svc.GetRounds)
	r.Get("/api/v1/runs/{runID}/trades", svc.GetTrades)
	r.Get("/api/v1/runs/{runID}/positions", svc.GetPositions)
	return r
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*simulation.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := simulation.NewService(ms, nil, quietLogger())
	return svc, ms, router(svc)
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createRun(t *testing.T, r http.Handler, doc string) model.RunState {
	t.Helper()
	w := do(t, r, "POST", "/api/v1/runs", doc)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var state model.RunState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestCreateRun(t *testing.T) {
	_, ms, r := newTestEnv(t)
	state := createRun(t, r, crossing)

	if state.Run.ID == "" {
		t.Fatal("expected a run ID")
	}
	if state.Run.Status != model.StatusRunning || state.Run.Round != 0 {
		t.Errorf("unexpected new run %+v", state.Run)
	}
	if len(state.Participants) != 4 {
		t.Fatalf("expected 4 participants, got %d", len(state.Participants))
	}
	p0 := state.Participants[0]
	if p0.Role != "buyer" || p0.Label != "normal" || !p0.Limit.Equal(decimal.NewFromInt(4)) {
		t.Errorf("unexpected participant 0: %+v", p0)
	}
	if p0.Name != "user-0" {
		t.Errorf("expected default name user-0, got %q", p0.Name)
	}
	if len(state.Flow) != 4 || !state.Flow[2][3].Equal(decimal.NewFromInt(12)) {
		t.Errorf("unexpected flow matrix %v", state.Flow)
	}

	stored, err := ms.GetRun(context.Background(), state.Run.ID)
	if err != nil {
		t.Fatalf("run not stored: %v", err)
	}
	if stored.Name != "crossing" || stored.Seed != 42 || len(stored.Config) == 0 {
		t.Errorf("unexpected stored run %+v", stored)
	}
}

func TestCreateRun_Invalid(t *testing.T) {
	_, _, r := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"garbage", "{", http.StatusBadRequest},
		{"no participants", `{"flow": []}`, http.StatusBadRequest},
		{"friction", `{"flow": [[1]], "participants": [{"usage": 1, "permit": 1}], "market": {"friction": 1.5}}`, http.StatusBadRequest},
		{"negative flow", `{"flow": [[-1]], "participants": [{"usage": 1, "permit": 1}]}`, http.StatusBadRequest},
		{"bilateral", `{"flow": [[1]], "participants": [{"usage": 1, "permit": 1}], "market": {"mode": "bilateral-negotiations"}}`, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, "POST", "/api/v1/runs", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestStep_PersistsRoundsAndTrades(t *testing.T) {
	_, _, r := newTestEnv(t)
	state := createRun(t, r, crossing)
	id := state.Run.ID

	w := do(t, r, "POST", "/api/v1/runs/"+id+"/step?rounds=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp simulation.StepResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(resp.Reports))
	}
	if resp.Run.Round != 3 {
		t.Errorf("expected run at round 3, got %d", resp.Run.Round)
	}
	fills := 0
	for _, rep := range resp.Reports {
		fills += len(rep.Fills)
	}
	if fills == 0 {
		t.Fatal("expected crossing bids to trade")
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/rounds", "")
	var rounds []model.RoundSummary
	json.Unmarshal(w.Body.Bytes(), &rounds)
	if len(rounds) != 3 || rounds[0].Round != 1 || rounds[2].Round != 3 {
		t.Errorf("unexpected rounds %+v", rounds)
	}
	if rounds[0].Fills != 1 || rounds[0].Rule != "tatonnement" {
		t.Errorf("round 1: expected one fill under tatonnement, got %+v", rounds[0])
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/trades", "")
	var trades []model.TradeEntry
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != fills {
		t.Fatalf("expected %d trades, got %d", fills, len(trades))
	}
	first := trades[0]
	if first.Buyer != 0 || first.Seller != 3 || !first.Amount.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("unexpected first trade %+v", first)
	}
	if !first.Value.Equal(first.Price.Mul(first.Amount)) {
		t.Errorf("value %s != price × amount", first.Value)
	}
	if !first.Friction.Equal(first.Value.Mul(decimal.NewFromFloat(0.1))) {
		t.Errorf("friction %s != w × value", first.Friction)
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/positions", "")
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Fatalf("expected positions for buyer and seller, got %d", len(positions))
	}
	if !positions[0].NetAmount.IsPositive() || !positions[1].NetAmount.IsNegative() {
		t.Errorf("buyer should be net long and seller net short: %+v", positions)
	}
}

func TestStep_InvalidRounds(t *testing.T) {
	_, _, r := newTestEnv(t)
	id := createRun(t, r, crossing).Run.ID

	for _, q := range []string{"0", "-1", "abc", "10001"} {
		w := do(t, r, "POST", "/api/v1/runs/"+id+"/step?rounds="+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("rounds=%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestRunToEnd_Converges(t *testing.T) {
	_, _, r := newTestEnv(t)
	id := createRun(t, r, stuck).Run.ID

	w := do(t, r, "POST", "/api/v1/runs/"+id+"/run?max_rounds=100", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp simulation.RunResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Summary.Converged || resp.Summary.Reason != "prices-stable" || resp.Summary.Round != 20 {
		t.Errorf("unexpected summary %+v", resp.Summary)
	}
	if resp.Run.Status != model.StatusConverged || resp.Run.Reason != "prices-stable" || resp.Run.Round != 20 {
		t.Errorf("unexpected run %+v", resp.Run)
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/rounds", "")
	var rounds []model.RoundSummary
	json.Unmarshal(w.Body.Bytes(), &rounds)
	if len(rounds) != 20 {
		t.Fatalf("expected 20 rounds, got %d", len(rounds))
	}
	if rounds[9].PriceDelta != nil {
		t.Error("round 10 has no earlier snapshot to compare")
	}
	if rounds[19].PriceDelta == nil || !rounds[19].PriceDelta.IsZero() {
		t.Errorf("round 20: expected zero price delta, got %v", rounds[19].PriceDelta)
	}

	w = do(t, r, "POST", "/api/v1/runs/"+id+"/step", "")
	if w.Code != http.StatusConflict {
		t.Errorf("stepping a converged run: expected 409, got %d", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	_, _, r := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/runs/nope",
		"/api/v1/runs/nope/state",
		"/api/v1/runs/nope/rounds",
		"/api/v1/runs/nope/trades",
		"/api/v1/runs/nope/positions",
	} {
		if w := do(t, r, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, w.Code)
		}
	}
	if w := do(t, r, "POST", "/api/v1/runs/nope/step", ""); w.Code != http.StatusNotFound {
		t.Errorf("step: expected 404, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	_, _, r := newTestEnv(t)

	w := do(t, r, "GET", "/api/v1/runs", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}

	createRun(t, r, crossing)
	createRun(t, r, stuck)
	w = do(t, r, "GET", "/api/v1/runs", "")
	var runs []model.Run
	json.Unmarshal(w.Body.Bytes(), &runs)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestGetState_ReplaysFromStore(t *testing.T) {
	ms := store.NewMemoryStore()
	first := router(simulation.NewService(ms, nil, quietLogger()))
	id := createRun(t, first, crossing).Run.ID

	if w := do(t, first, "POST", "/api/v1/runs/"+id+"/step?rounds=7", ""); w.Code != http.StatusOK {
		t.Fatalf("step: %d %s", w.Code, w.Body.String())
	}
	w := do(t, first, "GET", "/api/v1/runs/"+id+"/state", "")
	var live model.RunState
	json.Unmarshal(w.Body.Bytes(), &live)

	// A fresh service over the same store rebuilds the engine by replay.
	second := router(simulation.NewService(ms, nil, quietLogger()))
	w = do(t, second, "GET", "/api/v1/runs/"+id+"/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var replayed model.RunState
	json.Unmarshal(w.Body.Bytes(), &replayed)

	if replayed.Run.Round != 7 {
		t.Fatalf("expected round 7, got %d", replayed.Run.Round)
	}
	for i := range live.Participants {
		a, b := live.Participants[i], replayed.Participants[i]
		if !a.Usage.Equal(b.Usage) || !a.Mu.Equal(b.Mu) || a.Role != b.Role {
			t.Errorf("participant %d differs after replay: %+v vs %+v", i, a, b)
		}
	}
	for i := range live.Prices {
		for j := range live.Prices[i] {
			if !live.Prices[i][j].Equal(replayed.Prices[i][j]) {
				t.Fatalf("price %d,%d differs after replay", i, j)
			}
		}
	}
}

func TestStep_ReportsFailedInjection(t *testing.T) {
	_, _, r := newTestEnv(t)
	id := createRun(t, r, buyersOnly).Run.ID

	w := do(t, r, "POST", "/api/v1/runs/"+id+"/step", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp simulation.StepResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rep := resp.Reports[0]
	if rep.InjectionFailed == nil || *rep.InjectionFailed != participant.Seller {
		t.Fatalf("expected the missing seller side to be reported, got %v", rep.InjectionFailed)
	}
	if rep.Injection != nil {
		t.Errorf("unexpected injection %+v", rep.Injection)
	}
}

func TestStep_FailedRecordRestoresFromStore(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	r := router(simulation.NewService(fs, nil, quietLogger()))
	id := createRun(t, r, crossing).Run.ID

	fs.failTrades.Store(true)
	if w := do(t, r, "POST", "/api/v1/runs/"+id+"/step", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 while the ledger is down, got %d", w.Code)
	}
	fs.failTrades.Store(false)

	w := do(t, r, "POST", "/api/v1/runs/"+id+"/step", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp simulation.StepResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Reports) != 1 || resp.Reports[0].Round != 1 || resp.Run.Round != 1 {
		t.Fatalf("the unrecorded round should be stepped again, got run round %d", resp.Run.Round)
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/rounds", "")
	var rounds []model.RoundSummary
	json.Unmarshal(w.Body.Bytes(), &rounds)
	if len(rounds) != 1 || rounds[0].Round != 1 {
		t.Errorf("expected exactly round 1 on record, got %+v", rounds)
	}

	w = do(t, r, "GET", "/api/v1/runs/"+id+"/trades", "")
	var trades []model.TradeEntry
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected the round 1 fill once, got %d trades", len(trades))
	}
}

func TestGetState_ConcurrentRestore(t *testing.T) {
	ms := store.NewMemoryStore()
	first := router(simulation.NewService(ms, nil, quietLogger()))
	id := createRun(t, first, crossing).Run.ID
	if w := do(t, first, "POST", "/api/v1/runs/"+id+"/step?rounds=5", ""); w.Code != http.StatusOK {
		t.Fatalf("step: %d %s", w.Code, w.Body.String())
	}

	second := router(simulation.NewService(ms, nil, quietLogger()))
	const clients = 8
	states := make([]model.RunState, clients)
	codes := make([]int, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/api/v1/runs/"+id+"/state", nil)
			w := httptest.NewRecorder()
			second.ServeHTTP(w, req)
			codes[i] = w.Code
			json.Unmarshal(w.Body.Bytes(), &states[i])
		}()
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("client %d: expected 200, got %d", i, codes[i])
		}
		if states[i].Run.Round != 5 {
			t.Errorf("client %d: expected round 5, got %d", i, states[i].Run.Round)
		}
		for j, p := range states[i].Participants {
			if !p.Usage.Equal(states[0].Participants[j].Usage) {
				t.Errorf("client %d participant %d: usage %s differs from %s", i, j, p.Usage, states[0].Participants[j].Usage)
			}
		}
	}

	// Stepping continues from the restored round.
	w := do(t, second, "POST", "/api/v1/runs/"+id+"/step", "")
	var resp simulation.StepResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || resp.Run.Round != 6 {
		t.Errorf("expected round 6 after restore, got %d (%d)", resp.Run.Round, w.Code)
	}
}

func TestWSHub_BroadcastsRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := simulation.NewWSHub()
	go hub.Run(ctx)

	svc := simulation.NewService(store.NewMemoryStore(), hub, quietLogger())
	r := router(svc)
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := createRun(t, r, crossing).Run.ID
	if w := do(t, r, "POST", "/api/v1/runs/"+id+"/step", ""); w.Code != http.StatusOK {
		t.Fatalf("step: %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg simulation.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "round_completed" || msg.RunID != id || msg.Round != 1 || msg.Fills != 1 {
		t.Errorf("unexpected message %+v", msg)
	}
}
