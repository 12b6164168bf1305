package hpo

// Problem is the contract benchmark wrappers implement: a named objective
// with declared directions and a define-by-run evaluation that suggests its
// parameters through the trial.
type Problem interface {
	Name() string
	Directions() []Direction
	SearchSpace() map[string]Distribution
	Evaluate(trial *Trial) ([]float64, error)
}

// ConstrainedProblem is a Problem that also evaluates constraint values for
// finished trials, in the ConstraintsFunc convention.
type ConstrainedProblem interface {
	Problem
	EvaluateConstraints(trial *FrozenTrial) ([]float64, error)
}
