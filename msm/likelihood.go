package msm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// pairKey identifies a class of intervals with identical likelihood
// contributions.
type pairKey struct {
	from  int
	to    int
	death bool
	pat   int
	t0    float64
	t1    float64
}

// pairGroup is a class of intervals and the number of times it occurs.
type pairGroup struct {
	pairKey
	n float64
}

// sequence is a subject whose likelihood is computed by the forward
// recursion, because some observation other than the last one is censored.
type sequence struct {
	states []int
	times  []float64
	pats   []int
}

// setupData precomputes the covariate patterns and splits the subjects
// into aggregated interval classes and forward-recursion sequences.
func (m *MSM) setupData() {

	p := m.panel

	m.possible = make(map[int][]int)
	for s := 1; s <= p.NState; s++ {
		m.possible[s] = p.Possible(s)
	}
	if p.Censor != nil {
		m.possible[p.Censor.Code] = p.Possible(p.Censor.Code)
	}

	patix := make(map[string]int)
	patternID := func(cov []float64) int {
		z := m.pattern(cov)
		k := patternKey(z)
		if id, ok := patix[k]; ok {
			return id
		}
		id := len(m.patterns)
		patix[k] = id
		m.patterns = append(m.patterns, z)
		return id
	}

	grp := make(map[pairKey]int)
	m.nintervals = 0

	for _, sub := range p.Subjects {
		nobs := len(sub.Obs)
		if nobs < 2 {
			continue
		}
		m.nintervals += nobs - 1

		// Only the last observation may be censored for the
		// likelihood to factor into intervals.
		factors := true
		for _, ob := range sub.Obs[0 : nobs-1] {
			if p.IsCensored(ob.State) {
				factors = false
				break
			}
		}

		if !factors {
			sq := sequence{
				states: make([]int, nobs),
				times:  make([]float64, nobs),
				pats:   make([]int, nobs-1),
			}
			for j, ob := range sub.Obs {
				sq.states[j] = ob.State
				sq.times[j] = ob.Time
				if j < nobs-1 {
					sq.pats[j] = patternID(ob.Cov)
				}
			}
			m.seqs = append(m.seqs, sq)
			continue
		}

		for j := 1; j < nobs; j++ {
			a, b := sub.Obs[j-1], sub.Obs[j]
			k := pairKey{
				from:  a.State - 1,
				to:    b.State,
				death: m.isDeath(b.State),
				pat:   patternID(a.Cov),
			}
			if len(m.breaks) > 0 {
				k.t0, k.t1 = a.Time, b.Time
			} else {
				k.t1 = b.Time - a.Time
			}
			if ix, ok := grp[k]; ok {
				m.groups[ix].n++
			} else {
				grp[k] = len(m.groups)
				m.groups = append(m.groups, pairGroup{pairKey: k, n: 1})
			}
		}
	}
}

func patternKey(z []float64) string {
	b := make([]byte, 0, 8*len(z))
	for _, v := range z {
		u := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			b = append(b, byte(u>>(8*i)))
		}
	}
	return string(b)
}

func (m *MSM) isDeath(state int) bool {
	return state >= 1 && state <= len(m.death) && m.death[state-1]
}

type qcacheKey struct {
	pat    int
	period int
}

type pcacheKey struct {
	pat int
	t0  float64
	t1  float64
}

// evaluator computes the log-likelihood at one parameter value, caching
// the intensity and transition matrices it builds along the way.
type evaluator struct {
	m      *MSM
	theta  []float64
	qcache map[qcacheKey]*mat.Dense
	pcache map[pcacheKey]*mat.Dense
}

func (m *MSM) newEvaluator(theta []float64) *evaluator {
	return &evaluator{
		m:      m,
		theta:  theta,
		qcache: make(map[qcacheKey]*mat.Dense),
		pcache: make(map[pcacheKey]*mat.Dense),
	}
}

func (ev *evaluator) qmat(pat, period int) *mat.Dense {
	k := qcacheKey{pat, period}
	if q, ok := ev.qcache[k]; ok {
		return q
	}
	q := ev.m.qmat(ev.theta, ev.m.patterns[pat], period)
	ev.qcache[k] = q
	return q
}

// pmat returns the transition matrix over [t0, t1].  Without breakpoints
// only the length of the interval matters.
func (ev *evaluator) pmat(pat int, t0, t1 float64) *mat.Dense {

	m := ev.m
	if len(m.breaks) == 0 {
		t1 -= t0
		t0 = 0
	}

	k := pcacheKey{pat, t0, t1}
	if pm, ok := ev.pcache[k]; ok {
		return pm
	}

	var pm *mat.Dense
	if len(m.breaks) == 0 {
		pm = PMatrix(ev.qmat(pat, 0), t1)
	} else {
		pm = m.spanProduct(t0, t1, func(per int) *mat.Dense {
			return ev.qmat(pat, per)
		})
	}
	ev.pcache[k] = pm

	return pm
}

// propagate carries the unnormalized state distribution alpha across the
// interval [t0, t1] and conditions it on the observation at t1, writing
// the result into out.
func (ev *evaluator) propagate(alpha []float64, to int, death bool, pat int, t0, t1 float64, out []float64) {

	pm := ev.pmat(pat, t0, t1)
	for i := range out {
		out[i] = 0
	}

	if death {
		// The death time is exact but the state just before death is
		// not observed.
		d := to - 1
		q := ev.qmat(pat, ev.m.period(t1))
		for r, a := range alpha {
			if a == 0 {
				continue
			}
			for u := range alpha {
				if u != d {
					out[d] += a * pm.At(r, u) * q.At(u, d)
				}
			}
		}
		return
	}

	for _, s := range ev.m.possible[to] {
		for r, a := range alpha {
			if a != 0 {
				out[s] += a * pm.At(r, s)
			}
		}
	}
}

// loglike returns the log-likelihood, or -Inf if some observed sequence
// has zero probability.
func (ev *evaluator) loglike() float64 {

	m := ev.m
	n := m.panel.NState
	alpha := make([]float64, n)
	out := make([]float64, n)

	var ll float64
	for _, g := range m.groups {
		for i := range alpha {
			alpha[i] = 0
		}
		alpha[g.from] = 1
		ev.propagate(alpha, g.to, g.death, g.pat, g.t0, g.t1, out)
		var pr float64
		for _, v := range out {
			pr += v
		}
		if !(pr > 0) {
			return math.Inf(-1)
		}
		ll += g.n * math.Log(pr)
	}

	for _, sq := range m.seqs {
		v := ev.seqLogLike(sq, alpha, out)
		if math.IsInf(v, -1) {
			return v
		}
		ll += v
	}

	return ll
}

// seqLogLike runs the forward recursion over one subject, renormalizing
// at every step and accumulating the log normalizing constants.
func (ev *evaluator) seqLogLike(sq sequence, alpha, out []float64) float64 {

	m := ev.m
	for i := range alpha {
		alpha[i] = 0
	}
	for _, s := range m.possible[sq.states[0]] {
		alpha[s] = 1
	}

	var ll float64
	for j := 1; j < len(sq.states); j++ {
		ev.propagate(alpha, sq.states[j], m.isDeath(sq.states[j]), sq.pats[j-1], sq.times[j-1], sq.times[j], out)
		var c float64
		for _, v := range out {
			c += v
		}
		if !(c > 0) {
			return math.Inf(-1)
		}
		ll += math.Log(c)
		for i, v := range out {
			alpha[i] = v / c
		}
	}

	return ll
}
