// Package server exposes the study service over HTTP: a JSON-RPC 2.0
// endpoint plus matching REST routes for creating studies and driving
// their ask/tell lifecycle from remote workers.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tunehub/tunehub/internal/config"
	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/samplers/auto"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/metrics"
	"github.com/tunehub/tunehub/internal/registry"
)

// studyRun is one hosted study: the study itself, its declared search
// space, and the ask timestamps the duration metric is computed from.
type studyRun struct {
	handle  string
	study   *hpo.Study
	space   map[string]hpo.Distribution
	order   []string // sorted parameter names, the suggestion order
	created time.Time

	mu      sync.Mutex
	askedAt map[int64]time.Time
}

// Server hosts studies keyed by their public handle. All handlers are safe
// for concurrent use; per-study sampling is serialized by the study and
// storage layers, not here.
type Server struct {
	cfg     *config.Config
	storage hpo.Storage
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu      sync.RWMutex
	studies map[string]*studyRun
}

// NewServer creates a server over the given storage backend. The metrics
// argument may be nil when no collector is wired.
func NewServer(cfg *config.Config, storage hpo.Storage, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     cfg,
		storage: storage,
		metrics: m,
		logger:  logger,
		studies: make(map[string]*studyRun),
	}
}

// RegisterRoutes mounts the REST and JSON-RPC surfaces.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/studies", s.handleCreate)
		r.Post("/studies/{id}/ask", s.handleAsk)
		r.Post("/studies/{id}/tell", s.handleTell)
		r.Get("/studies/{id}/trials", s.handleTrials)
		r.Get("/studies/{id}/best", s.handleBest)
	})
	r.Post("/rpc", s.handleJSONRPC)
}

// RateLimit returns a token-bucket middleware shared across all requests.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InstrumentHTTP counts requests by status code and chi route pattern.
func InstrumentHTTP(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = r.URL.Path
			}
			m.HTTPRequest(strconv.Itoa(ww.Status()), pattern)
		})
	}
}

// Wire types.

type createRequest struct {
	Name        string                     `json:"name"`
	Directions  []string                   `json:"directions"`
	Sampler     string                     `json:"sampler"`
	Seed        int64                      `json:"seed"`
	SearchSpace map[string]json.RawMessage `json:"search_space"`
}

type createResponse struct {
	StudyID    string   `json:"study_id"`
	Sampler    string   `json:"sampler"`
	Directions []string `json:"directions"`
}

type askRequest struct {
	StudyID string `json:"study_id"`
}

type askResponse struct {
	TrialID int64          `json:"trial_id"`
	Number  int            `json:"number"`
	Params  map[string]any `json:"params"`
	Sampler string         `json:"sampler,omitempty"`
}

type tellRequest struct {
	StudyID string    `json:"study_id"`
	TrialID int64     `json:"trial_id"`
	State   string    `json:"state"`
	Values  []float64 `json:"values"`
}

type tellResponse struct {
	TrialID int64  `json:"trial_id"`
	State   string `json:"state"`
}

type trialsRequest struct {
	StudyID string   `json:"study_id"`
	States  []string `json:"states"`
}

type trialRecord struct {
	TrialID     int64          `json:"trial_id"`
	Number      int            `json:"number"`
	State       string         `json:"state"`
	Values      []float64      `json:"values,omitempty"`
	Params      map[string]any `json:"params"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type bestResponse struct {
	Best  *trialRecord  `json:"best,omitempty"`
	Front []trialRecord `json:"front,omitempty"`
}

// Core operations shared by the REST and JSON-RPC surfaces.

func (s *Server) createStudy(req createRequest) (*createResponse, error) {
	if req.Name == "" {
		return nil, hpo.NewError("study name is required").WithComponent("server")
	}
	if len(req.SearchSpace) == 0 {
		return nil, hpo.NewError("search_space is required").WithComponent("server")
	}
	samplerName := req.Sampler
	if samplerName == "" {
		samplerName = "auto"
	}

	directions := make([]hpo.Direction, 0, len(req.Directions))
	names := make([]string, 0, len(req.Directions))
	if len(req.Directions) == 0 {
		directions = append(directions, hpo.Minimize)
		names = append(names, hpo.Minimize.String())
	}
	for _, raw := range req.Directions {
		d, err := hpo.ParseDirection(raw)
		if err != nil {
			return nil, err
		}
		directions = append(directions, d)
		names = append(names, d.String())
	}

	space := make(map[string]hpo.Distribution, len(req.SearchSpace))
	order := make([]string, 0, len(req.SearchSpace))
	for name, raw := range req.SearchSpace {
		d, err := hpo.UnmarshalDistribution(raw)
		if err != nil {
			return nil, hpo.WrapErrorf(err, "parameter %q", name).WithComponent("server")
		}
		space[name] = d
		order = append(order, name)
	}
	sort.Strings(order)

	sampler, err := registry.NewSampler(samplerName, registry.SamplerSpec{
		Seed:             req.Seed,
		TrialsUntilCMAES: s.cfg.Sampler.TrialsUntilCMAES,
		TrialsUntilNSGA:  s.cfg.Sampler.TrialsUntilNSGA,
		Logger:           s.logger,
	})
	if err != nil {
		return nil, err
	}

	study, err := hpo.NewStudy(hpo.StudyConfig{
		Name:       req.Name,
		Directions: directions,
		Storage:    s.storage,
		Sampler:    sampler,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}

	run := &studyRun{
		handle:  uuid.NewString(),
		study:   study,
		space:   space,
		order:   order,
		created: time.Now(),
		askedAt: make(map[int64]time.Time),
	}
	s.mu.Lock()
	s.studies[run.handle] = run
	s.mu.Unlock()

	s.logger.WithStudy(req.Name).Info("study created", logging.Fields{
		"study_id": run.handle,
		"sampler":  samplerName,
		"params":   len(space),
	})
	return &createResponse{StudyID: run.handle, Sampler: samplerName, Directions: names}, nil
}

func (s *Server) lookup(handle string) (*studyRun, error) {
	s.mu.RLock()
	run, ok := s.studies[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, hpo.NewErrorf("unknown study %q", handle).WithComponent("server")
	}
	return run, nil
}

// ask starts one trial and suggests every declared parameter, so the
// response carries a full assignment the worker can evaluate.
func (s *Server) ask(handle string) (*askResponse, error) {
	run, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	trial, err := run.study.Ask()
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(run.order))
	for _, name := range run.order {
		v, err := trial.Suggest(name, run.space[name])
		if err != nil {
			return nil, err
		}
		params[name] = v
	}

	run.mu.Lock()
	run.askedAt[trial.ID()] = time.Now()
	run.mu.Unlock()

	resp := &askResponse{TrialID: trial.ID(), Number: trial.Number(), Params: params}
	if frozen, err := s.storage.GetTrial(trial.ID()); err == nil {
		if name, ok := frozen.SystemAttrs[auto.SamplerKey].(string); ok {
			resp.Sampler = name
			if s.metrics != nil {
				s.metrics.SamplerSelected(name)
			}
		}
	}
	return resp, nil
}

func (s *Server) tell(req tellRequest) (*tellResponse, error) {
	run, err := s.lookup(req.StudyID)
	if err != nil {
		return nil, err
	}
	state, err := parseFinalState(req.State)
	if err != nil {
		return nil, err
	}
	if err := run.study.Tell(req.TrialID, req.Values, state); err != nil {
		return nil, err
	}

	run.mu.Lock()
	asked, tracked := run.askedAt[req.TrialID]
	delete(run.askedAt, req.TrialID)
	run.mu.Unlock()
	if s.metrics != nil {
		elapsed := 0.0
		if tracked {
			elapsed = time.Since(asked).Seconds()
		}
		s.metrics.TrialFinished(state.String(), elapsed)
	}
	return &tellResponse{TrialID: req.TrialID, State: state.String()}, nil
}

func (s *Server) trials(req trialsRequest) ([]trialRecord, error) {
	run, err := s.lookup(req.StudyID)
	if err != nil {
		return nil, err
	}
	states := make([]hpo.TrialState, 0, len(req.States))
	for _, raw := range req.States {
		state, err := parseAnyState(raw)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	trials, err := run.study.Trials(states...)
	if err != nil {
		return nil, err
	}
	records := make([]trialRecord, 0, len(trials))
	for _, t := range trials {
		records = append(records, toRecord(t))
	}
	return records, nil
}

func (s *Server) best(handle string) (*bestResponse, error) {
	run, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	if run.study.MultiObjective() {
		front, err := run.study.ParetoFront()
		if err != nil {
			return nil, err
		}
		records := make([]trialRecord, 0, len(front))
		for _, t := range front {
			records = append(records, toRecord(t))
		}
		return &bestResponse{Front: records}, nil
	}
	best, err := run.study.BestTrial()
	if err != nil {
		return nil, err
	}
	record := toRecord(best)
	return &bestResponse{Best: &record}, nil
}

func toRecord(t *hpo.FrozenTrial) trialRecord {
	params := make(map[string]any, len(t.Params))
	for name := range t.Params {
		if v, ok := t.ParamExternal(name); ok {
			params[name] = v
		}
	}
	record := trialRecord{
		TrialID: t.ID,
		Number:  t.Number,
		State:   t.State.String(),
		Values:  t.Values,
		Params:  params,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		record.CompletedAt = &completed
	}
	return record
}

func parseFinalState(raw string) (hpo.TrialState, error) {
	state, err := parseAnyState(raw)
	if err != nil {
		return 0, err
	}
	if !state.IsFinished() {
		return 0, hpo.WrapErrorf(hpo.ErrInvalidState, "tell requires a terminal state, got %q", raw).
			WithComponent("server")
	}
	return state, nil
}

func parseAnyState(raw string) (hpo.TrialState, error) {
	switch raw {
	case "running", "RUNNING":
		return hpo.StateRunning, nil
	case "complete", "COMPLETE":
		return hpo.StateComplete, nil
	case "pruned", "PRUNED":
		return hpo.StatePruned, nil
	case "fail", "FAIL":
		return hpo.StateFail, nil
	case "waiting", "WAITING":
		return hpo.StateWaiting, nil
	default:
		return 0, hpo.WrapErrorf(hpo.ErrInvalidState, "state %q", raw).WithComponent("server")
	}
}

// JSON-RPC 2.0 surface.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var result any
	var err error
	switch request.Method {
	case "study.create":
		var req createRequest
		if err = json.Unmarshal(request.Params, &req); err == nil {
			result, err = s.createStudy(req)
		}
	case "study.ask":
		var req askRequest
		if err = json.Unmarshal(request.Params, &req); err == nil {
			result, err = s.ask(req.StudyID)
		}
	case "study.tell":
		var req tellRequest
		if err = json.Unmarshal(request.Params, &req); err == nil {
			result, err = s.tell(req)
		}
	case "study.trials":
		var req trialsRequest
		if err = json.Unmarshal(request.Params, &req); err == nil {
			result, err = s.trials(req)
		}
	case "study.best":
		var req askRequest
		if err = json.Unmarshal(request.Params, &req); err == nil {
			result, err = s.best(req.StudyID)
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.logger.WithError(err).Warn("rpc call failed", logging.Fields{"method": request.Method})
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// respondWithError sends a JSON-RPC 2.0 error response. JSON-RPC errors
// ride on HTTP 200; transport-level failures are the router's business.
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// REST surface: the same operations with resource-style routing.

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	resp, err := s.createStudy(req)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ask(chi.URLParam(r, "id"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTell(w http.ResponseWriter, r *http.Request) {
	var req tellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	req.StudyID = chi.URLParam(r, "id")
	resp, err := s.tell(req)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	req := trialsRequest{StudyID: chi.URLParam(r, "id")}
	if states := r.URL.Query()["state"]; len(states) > 0 {
		req.States = states
	}
	records, err := s.trials(req)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	resp, err := s.best(chi.URLParam(r, "id"))
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Close drops every hosted study. The storage backend is owned by the
// caller and stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies = make(map[string]*studyRun)
	return nil
}
