package msm

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tommyngx/framingham-ms/panel"
)

// SimEffect is a covariate effect on one transition intensity, used in
// simulation.
type SimEffect struct {
	Covariate string
	From      int
	To        int
	Beta      float64
}

// SimConfig configures the simulation of panel data from a
// time-homogeneous multi-state Markov model.
type SimConfig struct {

	// Baseline intensity matrix
	Q mat.Matrix

	// Scheduled observation times, strictly increasing.  Every subject
	// is observed at each time until it is seen in an absorbing state.
	Times []float64

	// InitProbs is the distribution of the initial state.  If nil, all
	// subjects start in state 1.
	InitProbs []float64

	// Covariate names, and a function that draws the covariate values
	// of one subject.  Covariates are constant within a subject.
	CovNames []string
	CovGen   func(rng *rand.Rand) []float64

	// Covariate effects on the intensities
	Effects []SimEffect

	// DeathStates are absorbing states (1-based) whose entry times are
	// recorded exactly.
	DeathStates []int

	// If Censor is not nil, each observation after the first whose
	// state is in Censor.States is replaced by the censoring code with
	// probability CensorProb.
	Censor     *panel.Censoring
	CensorProb float64

	Seed uint64
}

// Simulate generates a panel of n subjects.  Paths are drawn by
// simulating exponential sojourn times and categorical jumps, and are
// then observed at the scheduled times.
func Simulate(n int, cfg *SimConfig) (*panel.Panel, error) {

	if cfg.Q == nil || len(cfg.Times) == 0 {
		return nil, errors.New("msm: simulation needs an intensity matrix and observation times")
	}
	if err := CheckQMatrix(cfg.Q, 1e-8); err != nil {
		return nil, err
	}
	for j := 1; j < len(cfg.Times); j++ {
		if cfg.Times[j] <= cfg.Times[j-1] {
			return nil, errors.New("msm: simulation times must be strictly increasing")
		}
	}

	ns, _ := cfg.Q.Dims()
	covpos := make(map[string]int)
	for j, na := range cfg.CovNames {
		covpos[na] = j
	}
	for _, e := range cfg.Effects {
		if _, ok := covpos[e.Covariate]; !ok {
			return nil, fmt.Errorf("%w: '%s'", ErrCovariateMissing, e.Covariate)
		}
		if e.From < 1 || e.From > ns || e.To < 1 || e.To > ns || cfg.Q.At(e.From-1, e.To-1) <= 0 {
			return nil, fmt.Errorf("%w: %d -> %d", ErrBadTransition, e.From, e.To)
		}
	}
	if len(cfg.CovNames) > 0 && cfg.CovGen == nil {
		return nil, errors.New("msm: covariates need a generator")
	}

	death := make([]bool, ns)
	for _, d := range cfg.DeathStates {
		if d < 1 || d > ns {
			return nil, fmt.Errorf("%w: state %d", ErrBadDeathState, d)
		}
		death[d-1] = true
	}

	src := rand.NewSource(cfg.Seed)
	rng := rand.New(src)

	var init distuv.Categorical
	if cfg.InitProbs != nil {
		if len(cfg.InitProbs) != ns {
			return nil, errors.New("msm: InitProbs has the wrong length")
		}
		init = distuv.NewCategorical(cfg.InitProbs, src)
	}

	subjects := make([]panel.Subject, n)
	for i := range subjects {

		var cov []float64
		if cfg.CovGen != nil {
			cov = cfg.CovGen(rng)
			if len(cov) != len(cfg.CovNames) {
				return nil, errors.New("msm: covariate generator returned the wrong number of values")
			}
		}
		q := simIntensities(cfg.Q, cfg.Effects, covpos, cov)

		s := 0
		if cfg.InitProbs != nil {
			s = int(init.Rand())
		}

		sub := panel.Subject{ID: fmt.Sprintf("%d", i+1)}
		obs := func(t float64, st int) {
			sub.Obs = append(sub.Obs, panel.Observation{Time: t, State: st + 1, Cov: cov})
		}

		t := cfg.Times[0]
		obs(t, s)
		next := 1
		for next < len(cfg.Times) {
			rate := -q.At(s, s)
			if rate <= 0 {
				// Absorbed, observed at the next scheduled time
				obs(cfg.Times[next], s)
				break
			}

			w := distuv.Exponential{Rate: rate, Src: src}
			tj := t + w.Rand()

			// Record the scheduled observations before the jump.
			for next < len(cfg.Times) && cfg.Times[next] < tj {
				obs(cfg.Times[next], s)
				next++
			}
			if next == len(cfg.Times) {
				break
			}

			wt := make([]float64, ns)
			for u := 0; u < ns; u++ {
				if u != s {
					wt[u] = q.At(s, u)
				}
			}
			s = int(distuv.NewCategorical(wt, src).Rand())
			t = tj

			if death[s] {
				obs(t, s)
				break
			}
		}

		if cfg.Censor != nil && cfg.CensorProb > 0 {
			censorObs(&sub, cfg.Censor, cfg.CensorProb, rng)
		}

		subjects[i] = sub
	}

	return panel.New(ns, cfg.Censor, cfg.CovNames, subjects)
}

// simIntensities returns the intensity matrix for one subject.
func simIntensities(q0 mat.Matrix, effects []SimEffect, covpos map[string]int, cov []float64) *mat.Dense {
	q := mat.DenseCopyOf(q0)
	for _, e := range effects {
		r, s := e.From-1, e.To-1
		q.Set(r, s, q.At(r, s)*math.Exp(e.Beta*cov[covpos[e.Covariate]]))
	}
	FillDiagonal(q)
	return q
}

func censorObs(sub *panel.Subject, cens *panel.Censoring, prob float64, rng *rand.Rand) {
	in := make(map[int]bool)
	for _, s := range cens.States {
		in[s] = true
	}
	for j := 1; j < len(sub.Obs); j++ {
		if in[sub.Obs[j].State] && rng.Float64() < prob {
			sub.Obs[j].State = cens.Code
		}
	}
}
