// Command tunehub hosts the study service and runs benchmark suites
// against the registered sampler strategies.
package main

import (
	"github.com/spf13/cobra"

	"github.com/tunehub/tunehub/internal/logging"

	_ "github.com/tunehub/tunehub/internal/bench"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/auto"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/cmaes"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/gp"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/nsga"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/random"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/tpe"
)

type rootFlags struct {
	logLevel  string
	logFormat string
	logOutput string

	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "tunehub",
		Short:         "Hyperparameter-optimization strategy hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.NewLogger(&logging.Config{
				Level:  flags.logLevel,
				Format: flags.logFormat,
				Output: flags.logOutput,
			})
			if err != nil {
				return err
			}
			flags.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "json", "log output format")
	cmd.PersistentFlags().StringVar(&flags.logOutput, "log-output", "stderr", "log destination (stdout, stderr, or a file path)")

	cmd.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newSamplersCmd(),
		newBenchCmd(),
	)
	return cmd
}
