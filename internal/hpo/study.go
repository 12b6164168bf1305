package hpo

import (
	"context"
	"time"

	"github.com/tunehub/tunehub/internal/logging"
)

// Direction states whether an objective is minimized or maximized.
type Direction int

const (
	Minimize Direction = iota
	Maximize
)

func (d Direction) String() string {
	if d == Maximize {
		return "maximize"
	}
	return "minimize"
}

// ParseDirection converts the wire form of a direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "minimize", "":
		return Minimize, nil
	case "maximize":
		return Maximize, nil
	default:
		return Minimize, NewErrorf("unknown direction %q", s)
	}
}

// Storage is the persistence collaborator studies and samplers read trial
// history through. Implementations must be safe for concurrent use; every
// write is atomic on its own. FrozenTrial results are copies the caller may
// retain.
type Storage interface {
	// CreateStudy allocates a study and returns its identifier.
	CreateStudy(name string, directions []Direction) (int64, error)
	// CreateTrial appends a trial in the given state and returns its record.
	CreateTrial(studyID int64, state TrialState, systemAttrs map[string]any) (*FrozenTrial, error)
	// GetTrial fetches one trial by identifier.
	GetTrial(trialID int64) (*FrozenTrial, error)
	// Trials lists a study's trials ordered by number. With no states it
	// returns everything; otherwise only trials in one of the given states.
	Trials(studyID int64, states ...TrialState) ([]*FrozenTrial, error)
	// PopWaitingTrial atomically promotes the oldest WAITING trial to
	// RUNNING and returns it, or returns nil when none is queued.
	PopWaitingTrial(studyID int64) (*FrozenTrial, error)
	// SetTrialParam records a sampled parameter on a RUNNING trial.
	SetTrialParam(trialID int64, name string, internal float64, dist Distribution) error
	// SetTrialUserAttr records a caller annotation.
	SetTrialUserAttr(trialID int64, key string, value any) error
	// SetTrialSystemAttr records sampler bookkeeping.
	SetTrialSystemAttr(trialID int64, key string, value any) error
	// SetStudySystemAttr records study-wide sampler bookkeeping.
	SetStudySystemAttr(studyID int64, key string, value any) error
	// StudySystemAttrs returns the study-wide bookkeeping map.
	StudySystemAttrs(studyID int64) (map[string]any, error)
	// FinalizeTrial moves a RUNNING trial to a terminal state, stamping
	// its completion time.
	FinalizeTrial(trialID int64, state TrialState, values []float64) error
	// Close releases the backend.
	Close() error
}

// StudyConfig configures NewStudy.
type StudyConfig struct {
	Name       string
	Directions []Direction
	Storage    Storage
	Sampler    Sampler
	Logger     *logging.Logger
}

// Study aggregates the trials of one optimization run and drives its
// sampler through the trial lifecycle.
type Study struct {
	id         int64
	name       string
	directions []Direction
	storage    Storage
	sampler    Sampler
	logger     *logging.Logger
}

// NewStudy registers a study with the storage backend.
func NewStudy(cfg StudyConfig) (*Study, error) {
	if cfg.Storage == nil {
		return nil, NewError("study requires a storage backend").WithComponent("hpo")
	}
	if cfg.Sampler == nil {
		return nil, NewError("study requires a sampler").WithComponent("hpo")
	}
	directions := cfg.Directions
	if len(directions) == 0 {
		directions = []Direction{Minimize}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	id, err := cfg.Storage.CreateStudy(cfg.Name, directions)
	if err != nil {
		return nil, WrapError(err, "creating study").WithComponent("hpo")
	}
	return &Study{
		id:         id,
		name:       cfg.Name,
		directions: directions,
		storage:    cfg.Storage,
		sampler:    cfg.Sampler,
		logger:     logger.WithStudy(cfg.Name),
	}, nil
}

// ID returns the storage identifier of the study.
func (s *Study) ID() int64 { return s.id }

// Name returns the study name.
func (s *Study) Name() string { return s.name }

// Directions returns the objective directions. One direction means
// single-objective; two or more mean multi-objective.
func (s *Study) Directions() []Direction {
	out := make([]Direction, len(s.directions))
	copy(out, s.directions)
	return out
}

// MultiObjective reports whether the study optimizes several objectives.
func (s *Study) MultiObjective() bool { return len(s.directions) > 1 }

// Sampler returns the strategy driving this study.
func (s *Study) Sampler() Sampler { return s.sampler }

// Storage returns the persistence collaborator.
func (s *Study) Storage() Storage { return s.storage }

// Trials returns the study's trials, optionally filtered by state, ordered
// by trial number.
func (s *Study) Trials(states ...TrialState) ([]*FrozenTrial, error) {
	return s.storage.Trials(s.id, states...)
}

// SetTrialSystemAttr writes sampler bookkeeping onto a trial through the
// storage backend's atomic attribute write.
func (s *Study) SetTrialSystemAttr(trialID int64, key string, value any) error {
	return s.storage.SetTrialSystemAttr(trialID, key, value)
}

// SetSystemAttr writes study-wide sampler bookkeeping.
func (s *Study) SetSystemAttr(key string, value any) error {
	return s.storage.SetStudySystemAttr(s.id, key, value)
}

// SystemAttrs returns the study-wide bookkeeping map.
func (s *Study) SystemAttrs() (map[string]any, error) {
	return s.storage.StudySystemAttrs(s.id)
}

// EnqueueTrial queues a WAITING trial whose parameters are fixed to the
// given user-facing values. The next Ask consumes it.
func (s *Study) EnqueueTrial(params map[string]any) error {
	attrs := map[string]any{}
	if len(params) > 0 {
		attrs[fixedParamsKey] = params
	}
	_, err := s.storage.CreateTrial(s.id, StateWaiting, attrs)
	if err != nil {
		return WrapError(err, "enqueueing trial").WithComponent("hpo")
	}
	return nil
}

// Ask starts the next trial: it consumes a queued WAITING trial when one
// exists, otherwise creates a fresh one, fires the sampler's BeforeTrial,
// and draws the joint relative sample the Suggest methods consult.
func (s *Study) Ask() (*Trial, error) {
	frozen, err := s.storage.PopWaitingTrial(s.id)
	if err != nil {
		return nil, WrapError(err, "popping waiting trial").WithOperation("ask").WithComponent("hpo")
	}
	if frozen == nil {
		frozen, err = s.storage.CreateTrial(s.id, StateRunning, nil)
		if err != nil {
			return nil, WrapError(err, "creating trial").WithOperation("ask").WithComponent("hpo")
		}
	}

	if err := s.sampler.BeforeTrial(s, frozen); err != nil {
		if ferr := s.storage.FinalizeTrial(frozen.ID, StateFail, nil); ferr != nil {
			s.logger.WithError(ferr).Warn("failing trial after BeforeTrial error")
		}
		return nil, WrapError(err, "sampler BeforeTrial").WithOperation("ask").WithComponent("hpo")
	}

	// Reload: BeforeTrial may have written system attributes.
	frozen, err = s.storage.GetTrial(frozen.ID)
	if err != nil {
		return nil, WrapError(err, "reloading trial").WithOperation("ask").WithComponent("hpo")
	}

	relSpace, err := s.sampler.InferRelativeSearchSpace(s, frozen)
	if err != nil {
		return nil, WrapError(err, "inferring relative search space").WithOperation("ask").WithComponent("hpo")
	}
	relParams, err := s.sampler.SampleRelative(s, frozen, relSpace)
	if err != nil {
		return nil, WrapError(err, "sampling relative parameters").WithOperation("ask").WithComponent("hpo")
	}

	var fixed map[string]any
	if raw, ok := frozen.SystemAttrs[fixedParamsKey]; ok {
		if m, ok := raw.(map[string]any); ok {
			fixed = m
		}
	}

	return &Trial{
		study:     s,
		id:        frozen.ID,
		number:    frozen.Number,
		relSpace:  relSpace,
		relParams: relParams,
		fixed:     fixed,
	}, nil
}

// Tell finalizes a trial. state must be COMPLETE, FAIL, or PRUNED; values
// must hold one value per direction when state is COMPLETE. The sampler's
// AfterTrial hook runs before storage finalizes the record, so it may still
// write attributes onto the RUNNING trial.
func (s *Study) Tell(trialID int64, values []float64, state TrialState) error {
	if !state.IsFinished() {
		return WrapErrorf(ErrInvalidState, "tell with %s", state).WithOperation("tell").WithComponent("hpo")
	}
	if state == StateComplete && len(values) != len(s.directions) {
		return NewErrorf("told %d values for %d objectives", len(values), len(s.directions)).
			WithOperation("tell").WithComponent("hpo")
	}

	frozen, err := s.storage.GetTrial(trialID)
	if err != nil {
		return WrapError(err, "loading trial").WithOperation("tell").WithComponent("hpo")
	}
	if frozen.State != StateRunning {
		return WrapErrorf(ErrTrialNotRunning, "trial %d is %s", trialID, frozen.State).WithOperation("tell")
	}

	if err := s.sampler.AfterTrial(s, frozen, state, values); err != nil {
		return WrapError(err, "sampler AfterTrial").WithOperation("tell").WithComponent("hpo")
	}

	if err := s.storage.FinalizeTrial(trialID, state, values); err != nil {
		return WrapError(err, "finalizing trial").WithOperation("tell").WithComponent("hpo")
	}
	return nil
}

// BestTrial returns the completed trial with the best first objective.
// Studies with several objectives have no single best trial; use
// ParetoFront instead.
func (s *Study) BestTrial() (*FrozenTrial, error) {
	if s.MultiObjective() {
		return nil, NewError("multi-objective study has no single best trial; use ParetoFront").
			WithOperation("best_trial").WithComponent("hpo")
	}
	trials, err := s.Trials(StateComplete)
	if err != nil {
		return nil, err
	}
	var best *FrozenTrial
	for _, t := range trials {
		if len(t.Values) == 0 {
			continue
		}
		if best == nil || better(s.directions[0], t.Values[0], best.Values[0]) {
			best = t
		}
	}
	if best == nil {
		return nil, NewError("study has no completed trials").WithOperation("best_trial").WithComponent("hpo")
	}
	return best, nil
}

func better(d Direction, a, b float64) bool {
	if d == Maximize {
		return a > b
	}
	return a < b
}

// ParetoFront returns the non-dominated completed trials.
func (s *Study) ParetoFront() ([]*FrozenTrial, error) {
	trials, err := s.Trials(StateComplete)
	if err != nil {
		return nil, err
	}
	return ParetoOptimal(trials, s.directions), nil
}

// Objective evaluates one trial and returns its objective values.
type Objective func(*Trial) ([]float64, error)

// Optimize runs the objective sequentially for budget trials. Evaluation
// errors mark the trial FAIL and stop the loop. Parallel execution lives in
// the runner package.
func (s *Study) Optimize(ctx context.Context, objective Objective, budget int) error {
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		trial, err := s.Ask()
		if err != nil {
			return err
		}
		started := time.Now()
		values, err := objective(trial)
		if err != nil {
			if terr := s.Tell(trial.ID(), nil, StateFail); terr != nil {
				return terr
			}
			return WrapErrorf(err, "objective failed on trial %d", trial.ID()).
				WithOperation("optimize").WithComponent("hpo")
		}
		if err := s.Tell(trial.ID(), values, StateComplete); err != nil {
			return err
		}
		s.logger.WithTrial(trial.ID()).Debug("trial complete", logging.Fields{
			"values":     values,
			"elapsed_ms": float64(time.Since(started).Microseconds()) / 1000.0,
		})
	}
	return nil
}
