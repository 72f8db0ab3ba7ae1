// Package simulation provides the HTTP handlers for creating, stepping and
// inspecting water-market runs.
//
// Engines live in memory. Every completed round is persisted as a round
// summary plus one trade entry per fill, so a run evicted from memory (or
// loaded after a restart) is rebuilt by replaying its seeded basin document
// up to the persisted round.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/mat"

	"github.com/atmx/water-market/internal/auction"
	"github.com/atmx/water-market/internal/config"
	"github.com/atmx/water-market/internal/market"
	"github.com/atmx/water-market/internal/metrics"
	"github.com/atmx/water-market/internal/model"
	"github.com/atmx/water-market/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	maxStepBatch = 10000
)

// Service handles simulation runs. Each run's engine is guarded by its own
// mutex, so rounds of different runs proceed independently.
type Service struct {
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for round broadcasts
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	mu     sync.Mutex
	basin  *config.Basin
	engine *market.Engine

	active  bool // counted in metrics.ActiveRuns
	evicted bool // dropped after a failed round; the engine is ahead of the store
}

// NewService creates a new simulation service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		wsHub:  hub,
		logger: logger,
		runs:   make(map[string]*runHandle),
	}
}

// --- Request/Response types ---

// StepResponse is the JSON body returned from POST /runs/{runID}/step.
type StepResponse struct {
	Run     model.Run             `json:"run"`
	Reports []*market.RoundReport `json:"reports"`
}

// RunResponse is the JSON body returned from POST /runs/{runID}/run.
type RunResponse struct {
	Run     model.Run      `json:"run"`
	Summary market.Summary `json:"summary"`
}

// --- HTTP Handlers ---

// CreateRun handles POST /api/v1/runs. The body is a basin document.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	b, err := config.Parse(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	engine, err := b.Build(s.logger)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auction.ErrModeNotImplemented) {
			status = http.StatusNotImplemented
		}
		writeError(w, err.Error(), status)
		return
	}
	doc, err := json.Marshal(b)
	if err != nil {
		writeError(w, "failed to encode basin", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String(),
		Name:      b.Name,
		Seed:      b.Seed,
		Status:    model.StatusRunning,
		Config:    doc,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := r.Context()
	if err := s.store.CreateRun(ctx, run); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.mu.Lock()
	s.runs[run.ID] = &runHandle{basin: b, engine: engine, active: true}
	s.mu.Unlock()
	metrics.ActiveRuns.Inc()

	s.logger.Info("run created",
		"id", run.ID,
		"basin", b.Name,
		"participants", len(b.Participants),
		"seed", b.Seed,
		"strategy", b.Market.Strategy,
	)

	writeJSON(w, http.StatusCreated, stateOf(*run, engine))
}

// ListRuns handles GET /api/v1/runs
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetState handles GET /api/v1/runs/{runID}/state
// Returns participants, price/amount matrices and the current flow matrix.
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	run, h, err := s.acquire(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	state := stateOf(*run, h.engine)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, state)
}

// Step handles POST /api/v1/runs/{runID}/step?rounds=N (default 1).
func (s *Service) Step(w http.ResponseWriter, r *http.Request) {
	rounds, err := intParam(r, "rounds", 1)
	if err != nil || rounds < 1 || rounds > maxStepBatch {
		writeError(w, fmt.Sprintf("rounds must be between 1 and %d", maxStepBatch), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	run, h, err := s.acquire(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer h.mu.Unlock()

	if !h.engine.Running() {
		writeError(w, "run has converged", http.StatusConflict)
		return
	}

	reports := make([]*market.RoundReport, 0, rounds)
	for i := 0; i < rounds && h.engine.Running(); i++ {
		start := time.Now()
		rep, err := h.engine.Step(ctx)
		if err != nil {
			s.evict(run.ID, h)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		metrics.RoundLatency.Observe(time.Since(start).Seconds())
		if err := s.record(ctx, run.ID, h.basin.Market.Friction, rep); err != nil {
			s.logger.Error("failed to record round", "id", run.ID, "round", rep.Round, "err", err)
			s.evict(run.ID, h)
			writeError(w, "failed to record round", http.StatusInternalServerError)
			return
		}
		reports = append(reports, rep)
	}
	s.settle(h)

	updated, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StepResponse{Run: *updated, Reports: reports})
}

// RunToEnd handles POST /api/v1/runs/{runID}/run?max_rounds=N
// Steps until convergence or N rounds (default: the basin's max_rounds).
func (s *Service) RunToEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, h, err := s.acquire(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer h.mu.Unlock()

	maxRounds, err := intParam(r, "max_rounds", h.basin.Market.MaxRounds)
	if err != nil || maxRounds < 1 {
		writeError(w, "max_rounds must be positive", http.StatusBadRequest)
		return
	}

	if !h.engine.Running() {
		writeError(w, "run has converged", http.StatusConflict)
		return
	}

	// Stop stepping at the first round that cannot be recorded.
	recordCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	start := time.Now()
	sum, err := h.engine.Run(recordCtx, maxRounds, func(rep *market.RoundReport) {
		metrics.RoundLatency.Observe(time.Since(start).Seconds())
		start = time.Now()
		if err := s.record(ctx, run.ID, h.basin.Market.Friction, rep); err != nil {
			s.logger.Error("failed to record round", "id", run.ID, "round", rep.Round, "err", err)
			cancel(err)
		}
	})
	if cause := context.Cause(recordCtx); cause != nil && ctx.Err() == nil {
		s.evict(run.ID, h)
		writeError(w, "failed to record round", http.StatusInternalServerError)
		return
	}
	if err != nil {
		s.evict(run.ID, h)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.settle(h)

	updated, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: *updated, Summary: *sum})
}

// GetRounds handles GET /api/v1/runs/{runID}/rounds
func (s *Service) GetRounds(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	rounds, err := s.store.ListRounds(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []model.RoundSummary{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetTrades handles GET /api/v1/runs/{runID}/trades
// Returns the immutable trade ledger of the run.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	trades, err := s.store.GetTradesByRun(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeEntry{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPositions handles GET /api/v1/runs/{runID}/positions
// Returns per-participant trade totals and net income.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	positions, err := s.store.GetPositions(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Run lifecycle ---

// load returns the stored run and its live engine, rebuilding the engine by
// replay when it is not in memory. The replay runs without holding s.mu.
func (s *Service) load(ctx context.Context, id string) (*model.Run, *runHandle, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		return run, h, nil
	}

	h, err = s.restore(ctx, run)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runs[id]; ok {
		return run, cur, nil
	}
	s.runs[id] = h
	if h.engine.Running() {
		h.active = true
		metrics.ActiveRuns.Inc()
	}
	s.logger.Info("run restored", "id", id, "round", run.Round)
	return run, h, nil
}

// acquire loads the run and locks its handle. A handle evicted while the
// caller waited for its lock is replaced by a fresh restore.
func (s *Service) acquire(ctx context.Context, id string) (*model.Run, *runHandle, error) {
	for {
		run, h, err := s.load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		h.mu.Lock()
		if !h.evicted {
			return run, h, nil
		}
		h.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

// restore rebuilds a run's engine from its stored basin document by
// replaying the persisted rounds with the same seed.
func (s *Service) restore(ctx context.Context, run *model.Run) (*runHandle, error) {
	b, err := config.Parse(run.Config)
	if err != nil {
		return nil, fmt.Errorf("run %s: stored basin: %w", run.ID, err)
	}
	engine, err := b.Build(s.logger)
	if err != nil {
		return nil, fmt.Errorf("run %s: rebuild: %w", run.ID, err)
	}
	if run.Round > 0 {
		if _, err := engine.Run(ctx, run.Round, nil); err != nil {
			return nil, fmt.Errorf("run %s: replay: %w", run.ID, err)
		}
	}
	if engine.Round() != run.Round {
		return nil, fmt.Errorf("run %s: replay stopped at round %d of %d", run.ID, engine.Round(), run.Round)
	}
	return &runHandle{basin: b, engine: engine}, nil
}

// evict drops a handle whose engine advanced past what the store holds, so
// the next request restores the run from its last recorded round. The
// caller holds h.mu.
func (s *Service) evict(id string, h *runHandle) {
	h.evicted = true
	if h.active {
		h.active = false
		metrics.ActiveRuns.Dec()
	}
	s.mu.Lock()
	if s.runs[id] == h {
		delete(s.runs, id)
	}
	s.mu.Unlock()
	s.logger.Warn("run evicted", "id", id, "round", h.engine.Round())
}

// settle stops counting a handle as active once its run has converged. The
// caller holds h.mu.
func (s *Service) settle(h *runHandle) {
	if h.active && !h.engine.Running() {
		h.active = false
		metrics.ActiveRuns.Dec()
	}
}

// record persists one round, updates metrics and broadcasts it.
func (s *Service) record(ctx context.Context, runID string, friction float64, rep *market.RoundReport) error {
	now := time.Now().UTC()
	summary := &model.RoundSummary{
		RunID:        runID,
		Round:        rep.Round,
		Status:       string(rep.Status),
		Reason:       string(rep.Reason),
		Buyers:       rep.Buyers,
		Sellers:      rep.Sellers,
		Siders:       rep.Siders,
		Fills:        len(rep.Fills),
		Volume:       decimal.NewFromFloat(rep.Volume),
		AveragePrice: decimal.NewFromFloat(rep.AveragePrice),
		Rule:         string(rep.Rule),
		CreatedAt:    now,
	}
	if rep.Injection != nil {
		i := rep.Injection.Participant
		summary.Injected = &i
		metrics.Injections.WithLabelValues(rep.Injection.Role.String()).Inc()
	}
	if rep.PriceDelta != nil {
		delta := decimal.NewFromFloat(*rep.PriceDelta)
		summary.PriceDelta = &delta
	}
	if err := s.store.InsertRound(ctx, summary); err != nil {
		return err
	}

	w := decimal.NewFromFloat(friction)
	for k, f := range rep.Fills {
		price := decimal.NewFromFloat(f.Price)
		amount := decimal.NewFromFloat(f.Amount)
		value := price.Mul(amount)
		entry := &model.TradeEntry{
			ID:        tradeID(runID, rep.Round, k),
			RunID:     runID,
			Round:     rep.Round,
			Buyer:     f.Buyer,
			Seller:    f.Seller,
			Price:     price,
			Amount:    amount,
			Value:     value,
			Friction:  w.Mul(value),
			Timestamp: now,
		}
		if err := s.store.InsertTradeEntry(ctx, entry); err != nil {
			return err
		}
		metrics.ClearingPrice.Observe(f.Price)
	}

	if err := s.store.UpdateRunState(ctx, runID, runStatus(rep.Status), string(rep.Reason), rep.Round); err != nil {
		return err
	}

	metrics.RoundsTotal.WithLabelValues(string(rep.Rule)).Inc()
	metrics.FillsTotal.Add(float64(len(rep.Fills)))
	metrics.TradedVolume.Add(rep.Volume)
	metrics.SamplerStalls.Add(float64(len(rep.Stalled)))

	msgType := "round_completed"
	if rep.Status == market.StatusConverged {
		msgType = "run_converged"
		metrics.ConvergedRuns.WithLabelValues(string(rep.Reason)).Inc()
		s.logger.Info("run converged", "id", runID, "round", rep.Round, "reason", rep.Reason)
	}

	var injectionFailed string
	if rep.InjectionFailed != nil {
		injectionFailed = rep.InjectionFailed.String()
		metrics.InjectionFailures.WithLabelValues(injectionFailed).Inc()
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:            msgType,
			RunID:           runID,
			Round:           rep.Round,
			Status:          string(rep.Status),
			Reason:          string(rep.Reason),
			Fills:           len(rep.Fills),
			Volume:          summary.Volume.String(),
			AveragePrice:    summary.AveragePrice.String(),
			Injected:        summary.Injected,
			InjectionFailed: injectionFailed,
		})
	}
	return nil
}

// tradeID derives a fill's ledger ID from its position in the run, so
// recording the same round twice does not duplicate trades.
func tradeID(runID string, round, fill int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("watermarket:%s/%d/%d", runID, round, fill))).String()
}

func runStatus(st market.Status) string {
	if st == market.StatusConverged {
		return model.StatusConverged
	}
	return model.StatusRunning
}

// --- Views ---

func stateOf(run model.Run, e *market.Engine) model.RunState {
	parts := e.Participants()
	views := make([]model.ParticipantView, len(parts))
	for i, p := range parts {
		views[i] = model.ParticipantView{
			ID:        i,
			Name:      p.Name,
			Role:      p.Role.String(),
			Label:     p.Label.String(),
			Usage:     decimal.NewFromFloat(p.Usage),
			Permit:    decimal.NewFromFloat(p.Permit),
			Limit:     decimal.NewFromFloat(p.Limit),
			Mu:        decimal.NewFromFloat(p.Mu),
			BidPrice:  decimal.NewFromFloat(p.BidPrice),
			BidAmount: decimal.NewFromFloat(p.BidAmount),
			Records:   len(p.History),
		}
	}
	return model.RunState{
		Run:          run,
		Participants: views,
		Prices:       decimals(e.PriceMatrix()),
		Amounts:      decimals(e.AmountMatrix()),
		Flow:         decimals(e.Network().Matrix()),
	}
}

func decimals(m *mat.Dense) [][]decimal.Decimal {
	rows, cols := m.Dims()
	out := make([][]decimal.Decimal, rows)
	for i := range out {
		out[i] = make([]decimal.Decimal, cols)
		for j := range out[i] {
			out[i][j] = decimal.NewFromFloat(m.At(i, j))
		}
	}
	return out
}

// --- Helpers ---

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeStoreError maps store lookups to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	writeError(w, err.Error(), http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
