package msm

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/duration"
	"github.com/tommyngx/framingham-ms/panel"
)

// Prevalence holds the number of subjects in each state at a sequence of
// times, among the subjects under observation at each time.
type Prevalence struct {

	// Evaluation times
	Times []float64

	// NumRisk[i] is the number of subjects under observation at Times[i]
	NumRisk []int

	// Counts[i][s] is the number (possibly fractional, for expected
	// prevalences) of subjects in state s at Times[i]
	Counts [][]float64

	// Props[i][s] is Counts[i][s] / NumRisk[i]
	Props [][]float64
}

func newPrevalence(times []float64, nstate int) *Prevalence {
	pr := &Prevalence{
		Times:   append([]float64(nil), times...),
		NumRisk: make([]int, len(times)),
		Counts:  make([][]float64, len(times)),
		Props:   make([][]float64, len(times)),
	}
	for i := range times {
		pr.Counts[i] = make([]float64, nstate)
		pr.Props[i] = make([]float64, nstate)
	}
	return pr
}

func (pr *Prevalence) normalize() {
	for i, n := range pr.NumRisk {
		if n > 0 {
			floats.ScaleTo(pr.Props[i], 1/float64(n), pr.Counts[i])
		}
	}
}

// Column returns the proportions in the given (0-based) state over time.
func (pr *Prevalence) Column(state int) []float64 {
	c := make([]float64, len(pr.Times))
	for i := range pr.Times {
		c[i] = pr.Props[i][state]
	}
	return c
}

// String renders the proportions as a table.
func (pr *Prevalence) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%10s %8s", "Time", "N")
	if len(pr.Props) > 0 {
		for s := range pr.Props[0] {
			fmt.Fprintf(&b, " %9s", fmt.Sprintf("State %d", s+1))
		}
	}
	b.WriteString("\n")
	for i, t := range pr.Times {
		fmt.Fprintf(&b, "%10.3f %8d", t, pr.NumRisk[i])
		for _, v := range pr.Props[i] {
			fmt.Fprintf(&b, " %9.4f", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// stateAt returns the index of the last observation of the subject at or
// before time t, and whether the subject is under observation at t.  A
// subject remains under observation after its last visit only if it was
// last seen in an absorbing state.  Subjects whose state at t is only
// known up to a censoring set are not counted.
func stateAt(p *panel.Panel, sub *panel.Subject, absorbing []bool, t float64) (int, bool) {

	obs := sub.Obs
	if len(obs) == 0 || t < obs[0].Time {
		return -1, false
	}

	j := len(obs) - 1
	for j > 0 && obs[j].Time > t {
		j--
	}

	s := obs[j].State
	if p.IsCensored(s) {
		return -1, false
	}
	if j == len(obs)-1 && obs[j].Time < t && !absorbing[s-1] {
		return -1, false
	}

	return j, true
}

func absorbingFlags(mask QMask) []bool {
	ab := make([]bool, mask.NumStates())
	for _, s := range mask.Absorbing() {
		ab[s] = true
	}
	return ab
}

// ObservedPrevalence returns the observed state prevalences at the given
// times.  Each subject is counted in the state of its most recent
// observation, and only while under observation; absorbing states persist
// after the last observation.
func ObservedPrevalence(p *panel.Panel, mask QMask, times []float64) *Prevalence {

	absorbing := absorbingFlags(mask)
	pr := newPrevalence(times, p.NState)

	for k := range p.Subjects {
		sub := &p.Subjects[k]
		for i, t := range times {
			j, ok := stateAt(p, sub, absorbing, t)
			if !ok {
				continue
			}
			pr.NumRisk[i]++
			pr.Counts[i][sub.Obs[j].State-1]++
		}
	}
	pr.normalize()

	return pr
}

// expectedCache caches transition matrices from a subject's entry time,
// keyed by covariate pattern and entry time.
type expectedCache struct {
	rslt  *MSMResults
	cache map[string]*mat.Dense
}

func (ec *expectedCache) pmat(z []float64, t0, t float64) *mat.Dense {
	m := ec.rslt.msm
	if len(m.breaks) == 0 {
		t -= t0
		t0 = 0
	}
	k := fmt.Sprintf("%s|%v|%v", patternKey(z), t0, t)
	if pm, ok := ec.cache[k]; ok {
		return pm
	}
	pm := m.pmat(ec.rslt.Params(), z, t0, t)
	ec.cache[k] = pm
	return pm
}

// ExpectedPrevalence returns the prevalences predicted by the fitted model
// at the given times, over the same subjects that are counted in the
// observed prevalences.  Each subject contributes the distribution
// P(t0, t) started from its first observed state, using its covariate
// values at entry, so the prediction averages over the cohort's
// covariate distribution.
func (rslt *MSMResults) ExpectedPrevalence(times []float64) *Prevalence {

	m := rslt.msm
	p := m.panel
	absorbing := absorbingFlags(m.mask)
	pr := newPrevalence(times, p.NState)
	ec := &expectedCache{rslt: rslt, cache: make(map[string]*mat.Dense)}

	for k := range p.Subjects {
		sub := &p.Subjects[k]
		if len(sub.Obs) == 0 || p.IsCensored(sub.Obs[0].State) {
			continue
		}
		s0 := sub.Obs[0].State - 1
		t0 := sub.Obs[0].Time
		z := m.pattern(sub.Obs[0].Cov)
		for i, t := range times {
			if _, ok := stateAt(p, sub, absorbing, t); !ok {
				continue
			}
			pr.NumRisk[i]++
			pm := ec.pmat(z, t0, t)
			floats.Add(pr.Counts[i], pm.RawRowView(s0))
		}
	}
	pr.normalize()

	return pr
}

// ExpectedSurvival returns the model-based probability of not having
// entered any of the given (1-based) absorbing states by each time,
// averaged over the subjects with at least two observations.  Subjects
// contribute one before their entry time.
func (rslt *MSMResults) ExpectedSurvival(times []float64, absorbing []int) []float64 {

	m := rslt.msm
	p := m.panel
	ec := &expectedCache{rslt: rslt, cache: make(map[string]*mat.Dense)}

	isAbs := make([]bool, p.NState)
	for _, s := range absorbing {
		isAbs[s-1] = true
	}

	surv := make([]float64, len(times))
	var n int
	for k := range p.Subjects {
		sub := &p.Subjects[k]
		if len(sub.Obs) < 2 || p.IsCensored(sub.Obs[0].State) {
			continue
		}
		n++
		s0 := sub.Obs[0].State - 1
		t0 := sub.Obs[0].Time
		z := m.pattern(sub.Obs[0].Cov)
		for i, t := range times {
			if t <= t0 {
				surv[i]++
				continue
			}
			row := ec.pmat(z, t0, t).RawRowView(s0)
			for u, v := range row {
				if !isAbs[u] {
					surv[i] += v
				}
			}
		}
	}

	if n > 0 {
		floats.Scale(1/float64(n), surv)
	}

	return surv
}

// ObservedIncidence returns the nonparametric cumulative incidence of
// entry into each of the given (1-based) absorbing states by each time,
// treating the absorbing states as competing risks.  Entry times are
// taken at the first observation and only subjects with at least two
// observations contribute.  The result is indexed by absorbing state,
// then time.
func ObservedIncidence(p *panel.Panel, absorbing []int, times []float64) ([][]float64, error) {

	data := p.CompetingRisksData(absorbing)
	ci, err := duration.NewCumincRight(data, "Time", "Status").Entry("Entry").Done()
	if err != nil {
		return nil, err
	}

	inc := make([][]float64, len(absorbing))
	for k := range absorbing {
		inc[k] = make([]float64, len(times))
		for i, t := range times {
			inc[k][i] = ci.At(k, t)
		}
	}

	return inc, nil
}
