package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath  string
	jsonPath    string
	plotDir     string
	metricsPath string
	quiet       bool

	simSubjects   int
	simOut        string
	simSeed       uint64
	simCensorProb float64

	rootCmd = &cobra.Command{
		Use:   "msmfit",
		Short: "Fit multi-state Markov models to panel data",
		Long: `msmfit estimates transition intensities of continuous-time
multi-state Markov models from subjects observed at irregular times.
The data, the permitted transitions and the model variants are read
from a YAML analysis file.`,
		SilenceUsage: true,
	}

	statetableCmd = &cobra.Command{
		Use:   "statetable",
		Short: "Tabulate the observed transitions between consecutive observations",
		Args:  cobra.NoArgs,
		RunE:  runStateTable, // Defined in cmd_statetable.go
	}

	fitCmd = &cobra.Command{
		Use:   "fit",
		Short: "Fit every model variant of the analysis and compare nested variants",
		Args:  cobra.NoArgs,
		RunE:  runFit, // Defined in cmd_fit.go
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic three-state illness-death panel",
		Args:  cobra.NoArgs,
		RunE:  runSimulate, // Defined in cmd_simulate.go
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress messages")

	for _, c := range []*cobra.Command{statetableCmd, fitCmd} {
		c.Flags().StringVarP(&configPath, "config", "c", "analysis.yaml", "analysis file")
	}

	fitCmd.Flags().StringVar(&jsonPath, "json", "", "write a JSON report to this file")
	fitCmd.Flags().StringVar(&plotDir, "plots", "", "write prevalence and survival plots to this directory")
	fitCmd.Flags().StringVar(&metricsPath, "metrics", "", "write Prometheus metrics to this textfile")

	simulateCmd.Flags().IntVarP(&simSubjects, "subjects", "n", 1000, "number of subjects")
	simulateCmd.Flags().StringVarP(&simOut, "out", "o", "", "output file (default standard output)")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "random seed")
	simulateCmd.Flags().Float64Var(&simCensorProb, "censor", 0, "probability that a follow-up state is censored")

	rootCmd.AddCommand(statetableCmd, fitCmd, simulateCmd)
}
