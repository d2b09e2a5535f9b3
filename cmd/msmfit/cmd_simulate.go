package main

import (
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/msm"
	"github.com/tommyngx/framingham-ms/panel"
)

// illnessDeath is the simulation model: healthy (1), ill (2) and dead
// (3), with a binary covariate sex raising the 1 -> 2 intensity, and
// examinations every two years for twenty years.
func illnessDeath(seed uint64, censorProb float64) *msm.SimConfig {

	times := make([]float64, 11)
	for j := range times {
		times[j] = 2 * float64(j)
	}

	cfg := &msm.SimConfig{
		Q: mat.NewDense(3, 3, []float64{
			-0.15, 0.1, 0.05,
			0, -0.2, 0.2,
			0, 0, 0,
		}),
		Times:    times,
		CovNames: []string{"sex"},
		CovGen: func(rng *rand.Rand) []float64 {
			return []float64{float64(rng.Intn(2))}
		},
		Effects:     []msm.SimEffect{{Covariate: "sex", From: 1, To: 2, Beta: 0.5}},
		DeathStates: []int{3},
		Seed:        seed,
	}

	if censorProb > 0 {
		cfg.Censor = &panel.Censoring{Code: 99, States: []int{1, 2}}
		cfg.CensorProb = censorProb
	}

	return cfg
}

func runSimulate(cmd *cobra.Command, args []string) error {

	logger := newLogger(cmd, uuid.New())

	p, err := msm.Simulate(simSubjects, illnessDeath(simSeed, simCensorProb))
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if simOut != "" {
		fid, err := os.Create(simOut)
		if err != nil {
			return err
		}
		defer fid.Close()
		w = fid
	}

	if err := panel.Write(w, p, "id", "years", "state"); err != nil {
		return err
	}

	logger.Printf("simulated %d subjects, %d observations", p.NumSubjects(), p.NumObs())
	return nil
}
