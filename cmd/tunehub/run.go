package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunehub/tunehub/internal/config"
	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/storage"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
	"github.com/tunehub/tunehub/internal/runner"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var suitePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a YAML benchmark suite",
		RunE: func(cmd *cobra.Command, _ []string) error {
			suite, err := config.LoadSuite(suitePath)
			if err != nil {
				return err
			}
			return runSuite(cmd, suite, flags.logger)
		},
	}

	cmd.Flags().StringVarP(&suitePath, "suite", "s", "", "path to the suite YAML file")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

func runSuite(cmd *cobra.Command, suite *config.Suite, logger *logging.Logger) error {
	logger = logger.WithField("suite", suite.Name)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STUDY\tPROBLEM\tSAMPLER\tCOMPLETE\tFAIL\tBEST\tFRONT\tELAPSED")

	for _, st := range suite.Studies {
		report, err := runStudy(cmd, st, logger)
		if err != nil {
			return hpo.WrapErrorf(err, "study %q", st.Name).WithComponent("cli")
		}
		best := "-"
		if len(report.BestValues) > 0 {
			best = fmt.Sprintf("%.6g", report.BestValues[0])
		}
		front := "-"
		if report.FrontSize > 0 {
			front = fmt.Sprintf("%d", report.FrontSize)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			st.Name, st.Problem, st.Sampler,
			report.Trials[hpo.StateComplete], report.Trials[hpo.StateFail],
			best, front, report.Elapsed.Round(time.Millisecond))

		for _, line := range usageLines(report.SamplerUsage) {
			fmt.Fprintln(w, line)
		}
	}
	return w.Flush()
}

func runStudy(cmd *cobra.Command, st config.SuiteStudy, logger *logging.Logger) (*runner.Report, error) {
	problem, err := registry.NewProblem(st.Problem)
	if err != nil {
		return nil, err
	}

	spec := registry.SamplerSpec{
		Seed:             st.Options.Seed,
		StartupTrials:    st.Options.StartupTrials,
		PopulationSize:   st.Options.PopulationSize,
		TrialsUntilCMAES: st.Options.TrialsUntilCMAES,
		TrialsUntilNSGA:  st.Options.TrialsUntilNSGA,
		Logger:           logger,
	}
	if constrained, ok := problem.(hpo.ConstrainedProblem); ok {
		spec.Constraints = constrained.EvaluateConstraints
	}
	sampler, err := registry.NewSampler(st.Sampler, spec)
	if err != nil {
		return nil, err
	}

	study, err := hpo.NewStudy(hpo.StudyConfig{
		Name:       st.Name,
		Directions: problem.Directions(),
		Storage:    storage.NewMemory(),
		Sampler:    sampler,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return runner.Run(cmd.Context(), study, problem, runner.Options{
		Budget:      st.Budget,
		Parallelism: st.Parallelism,
		Logger:      logger,
	})
}

// usageLines formats the auto policy's delegate histogram as indented rows
// under the study line.
func usageLines(usage map[string]int) []string {
	if len(usage) == 0 {
		return nil
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s\t\t\t%d\t\t\t\t", name, usage[name]))
	}
	return lines
}
