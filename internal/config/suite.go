package config

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/exp/constraints"
	"gopkg.in/yaml.v3"
)

// Interval is a closed numeric range used to validate suite fields.
type Interval[T constraints.Integer | constraints.Float] struct {
	Low, High T
}

// In reports whether v lies inside the interval.
func (i Interval[T]) In(v T) bool { return v >= i.Low && v <= i.High }

func (i Interval[T]) String() string { return fmt.Sprintf("[%v, %v]", i.Low, i.High) }

var (
	budgetRange      = Interval[int]{1, 1_000_000}
	parallelismRange = Interval[int]{1, 1024}
)

// Suite is one YAML benchmark suite: a list of studies to run back to back.
type Suite struct {
	Name    string       `yaml:"name"`
	Studies []SuiteStudy `yaml:"studies"`
}

// SuiteStudy describes one study of a suite: which benchmark problem to
// optimize, which registered sampler strategy to drive it with, and how
// much work to spend.
type SuiteStudy struct {
	Name        string         `yaml:"name"`
	Problem     string         `yaml:"problem"`
	Sampler     string         `yaml:"sampler"`
	Budget      int            `yaml:"budget"`
	Parallelism int            `yaml:"parallelism"`
	Options     SamplerOptions `yaml:"options"`
}

// SamplerOptions are the per-study strategy knobs. Zero values defer to
// each strategy's defaults.
type SamplerOptions struct {
	Seed             int64 `yaml:"seed"`
	StartupTrials    int   `yaml:"startup_trials"`
	PopulationSize   int   `yaml:"population_size"`
	TrialsUntilCMAES int   `yaml:"trials_until_cmaes"`
	TrialsUntilNSGA  int   `yaml:"trials_until_nsga"`
}

// LoadSuite reads and validates a YAML suite file. Unknown fields are
// rejected so typos fail at load time rather than silently falling back to
// defaults.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("suite: reading %s: %w", path, err)
	}
	return ParseSuite(data)
}

// ParseSuite decodes suite YAML.
func ParseSuite(data []byte) (*Suite, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var suite Suite
	if err := dec.Decode(&suite); err != nil {
		return nil, fmt.Errorf("suite: %w", err)
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return &suite, nil
}

// Validate rejects suites the runner cannot execute.
func (s *Suite) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("suite: name is required")
	}
	if len(s.Studies) == 0 {
		return fmt.Errorf("suite %q: at least one study is required", s.Name)
	}
	seen := make(map[string]bool, len(s.Studies))
	for i := range s.Studies {
		st := &s.Studies[i]
		if st.Name == "" {
			return fmt.Errorf("suite %q: study %d: name is required", s.Name, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("suite %q: duplicate study name %q", s.Name, st.Name)
		}
		seen[st.Name] = true
		if st.Problem == "" {
			return fmt.Errorf("suite %q: study %q: problem is required", s.Name, st.Name)
		}
		if st.Sampler == "" {
			st.Sampler = "auto"
		}
		if !budgetRange.In(st.Budget) {
			return fmt.Errorf("suite %q: study %q: budget %d outside %v", s.Name, st.Name, st.Budget, budgetRange)
		}
		if st.Parallelism == 0 {
			st.Parallelism = 1
		}
		if !parallelismRange.In(st.Parallelism) {
			return fmt.Errorf("suite %q: study %q: parallelism %d outside %v",
				s.Name, st.Name, st.Parallelism, parallelismRange)
		}
	}
	return nil
}
