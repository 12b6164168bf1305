// Package runner drives a study against a benchmark problem with a pool of
// concurrent workers, each looping ask, evaluate, tell until the trial
// budget is spent.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/samplers/auto"
	"github.com/tunehub/tunehub/internal/logging"
)

// Options configures one run.
type Options struct {
	// Budget is the number of trials to execute.
	Budget int
	// Parallelism is the worker count. Zero and one both run sequentially.
	Parallelism int
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Report summarizes a finished run.
type Report struct {
	// Study is the study name.
	Study string
	// Problem is the benchmark name.
	Problem string
	// Trials counts executed trials by terminal state.
	Trials map[hpo.TrialState]int
	// BestValues holds the best trial's objective values, or the Pareto
	// front's size for multi-objective studies (see FrontSize).
	BestValues []float64
	// BestParams holds the best trial's user-facing parameter values.
	BestParams map[string]any
	// FrontSize is the Pareto-front cardinality of a multi-objective run.
	FrontSize int
	// SamplerUsage counts trials by the delegate the auto policy chose,
	// read back from the per-trial diagnostic attribute. Empty when the
	// study's sampler is not the auto policy.
	SamplerUsage map[string]int
	// Elapsed is the wall time of the whole run.
	Elapsed time.Duration
}

// Run executes the problem's objective for opts.Budget trials. Evaluation
// failures mark their trial FAIL and the run continues; only ask/tell
// errors and context cancellation abort it.
func Run(ctx context.Context, study *hpo.Study, problem hpo.Problem, opts Options) (*Report, error) {
	if opts.Budget <= 0 {
		return nil, hpo.NewErrorf("budget must be positive, got %d", opts.Budget).WithComponent("runner")
	}
	workers := opts.Parallelism
	if workers <= 0 {
		workers = 1
	}
	if workers > opts.Budget {
		workers = opts.Budget
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithStudy(study.Name()).WithField("problem", problem.Name())

	started := time.Now()
	var remaining atomic.Int64
	remaining.Store(int64(opts.Budget))

	var mu sync.Mutex
	counts := make(map[hpo.TrialState]int)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for remaining.Add(-1) >= 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				state, err := runTrial(study, problem, logger)
				if err != nil {
					return err
				}
				mu.Lock()
				counts[state]++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Study:   study.Name(),
		Problem: problem.Name(),
		Trials:  counts,
		Elapsed: time.Since(started),
	}
	if err := summarize(study, report); err != nil {
		return nil, err
	}
	return report, nil
}

// runTrial executes one ask-evaluate-tell cycle and returns the trial's
// terminal state.
func runTrial(study *hpo.Study, problem hpo.Problem, logger *logging.Logger) (hpo.TrialState, error) {
	trial, err := study.Ask()
	if err != nil {
		return hpo.StateFail, err
	}
	values, err := problem.Evaluate(trial)
	if err != nil {
		logger.WithTrial(trial.ID()).WithError(err).Warn("evaluation failed")
		if terr := study.Tell(trial.ID(), nil, hpo.StateFail); terr != nil {
			return hpo.StateFail, terr
		}
		return hpo.StateFail, nil
	}
	if err := study.Tell(trial.ID(), values, hpo.StateComplete); err != nil {
		return hpo.StateFail, err
	}
	return hpo.StateComplete, nil
}

// summarize fills the report's best-result and sampler-usage sections from
// the study's final history.
func summarize(study *hpo.Study, report *Report) error {
	if study.MultiObjective() {
		front, err := study.ParetoFront()
		if err != nil {
			return err
		}
		report.FrontSize = len(front)
	} else if report.Trials[hpo.StateComplete] > 0 {
		best, err := study.BestTrial()
		if err != nil {
			return err
		}
		report.BestValues = best.Values
		report.BestParams = make(map[string]any, len(best.Params))
		for name := range best.Params {
			if v, ok := best.ParamExternal(name); ok {
				report.BestParams[name] = v
			}
		}
	}

	trials, err := study.Trials()
	if err != nil {
		return err
	}
	usage := make(map[string]int)
	for _, t := range trials {
		if name, ok := t.SystemAttrs[auto.SamplerKey].(string); ok {
			usage[name]++
		}
	}
	if len(usage) > 0 {
		report.SamplerUsage = usage
	}
	return nil
}
