package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunehub/tunehub/internal/registry"
)

func newSamplersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samplers",
		Short: "Inspect registered sampler strategies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered sampler strategies",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range registry.Samplers() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	})
	return cmd
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Inspect registered benchmark problems",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered benchmark problems",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range registry.Problems() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	})
	return cmd
}
