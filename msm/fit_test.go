package msm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/panel"
)

// binaryPanel has 100 subjects observed at times 0 and 1, of whom 30
// moved to the absorbing state.  The MLE of the intensity is -log(0.7).
func binaryPanel(t *testing.T) *panel.Panel {

	var subs []panel.Subject
	for i := 0; i < 100; i++ {
		s := 1
		if i < 30 {
			s = 2
		}
		subs = append(subs, panel.Subject{
			ID:  fmt.Sprintf("%d", i),
			Obs: []panel.Observation{obs(0, 1), obs(1, s)},
		})
	}

	p, err := panel.New(2, nil, nil, subs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func progressiveMask() QMask {
	mask, _ := NewQMask([][]int{{0, 1, 0}, {0, 0, 1}, {0, 0, 0}})
	return mask
}

func progressiveQ() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		-0.1, 0.1, 0,
		0, -0.2, 0.2,
		0, 0, 0,
	})
}

func annualTimes() []float64 {
	var times []float64
	for j := 0; j <= 10; j++ {
		times = append(times, float64(j))
	}
	return times
}

func bernoulliCov(rng *rand.Rand) []float64 {
	if rng.Float64() < 0.5 {
		return []float64{1}
	}
	return []float64{0}
}

// covariatePanel simulates the progressive model with a binary covariate
// whose log hazard ratio on the 1 -> 2 transition is 0.5.
func covariatePanel(t *testing.T, n int, seed uint64) *panel.Panel {
	p, err := Simulate(n, &SimConfig{
		Q:        progressiveQ(),
		Times:    annualTimes(),
		CovNames: []string{"x"},
		CovGen:   bernoulliCov,
		Effects:  []SimEffect{{Covariate: "x", From: 1, To: 2, Beta: 0.5}},
		Seed:     seed,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func fitCrude(t *testing.T, p *panel.Panel, mask QMask, config *MSMConfig) *MSMResults {

	q0, err := CrudeInits(NewStateTable(p), mask, 0.01)
	if err != nil {
		t.Fatal(err)
	}

	m, err := NewMSM(p, q0, config)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return rslt
}

func TestFitClosedForm(t *testing.T) {

	m, err := NewMSM(binaryPanel(t), twoStateQ(0.5), nil)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	a := -math.Log(0.7)
	if qh := rslt.QMatrix(nil, 0).At(0, 1); math.Abs(qh-a) > 1e-3*a {
		t.Errorf("estimated intensity %v, expected %v", qh, a)
	}

	// By the delta method from the binomial variance of the proportion
	// staying, SE(log a) = sqrt(0.3 / (0.7 * 100)) / a.
	se := math.Sqrt(0.3/70) / a
	if math.Abs(rslt.StdErr()[0]-se) > 1e-2*se {
		t.Errorf("standard error %v, expected %v", rslt.StdErr()[0], se)
	}

	ll := 70*math.Log(0.7) + 30*math.Log(0.3)
	if math.Abs(rslt.LogLike()-ll) > 1e-6 {
		t.Errorf("log-likelihood %v, expected %v", rslt.LogLike(), ll)
	}

	if math.Abs(rslt.AIC()-(-2*ll+2)) > 1e-5 {
		t.Errorf("AIC %v", rslt.AIC())
	}

	// The mean sojourn in state 1 is 1/a, with SE (1/a) SE(log a).
	soj := rslt.Sojourn(nil, 0.95)
	if math.Abs(soj[0].Mean-1/a) > 1e-2 || math.Abs(soj[0].SE-se/a) > 1e-2*se/a {
		t.Errorf("sojourn %+v, expected mean %v and SE %v", soj[0], 1/a, se/a)
	}
	if soj[0].Lower >= soj[0].Mean || soj[0].Upper <= soj[0].Mean {
		t.Errorf("sojourn limits %+v do not bracket the mean", soj[0])
	}
	if !math.IsInf(soj[1].Mean, 1) || !math.IsNaN(soj[1].SE) {
		t.Errorf("absorbing state sojourn %+v", soj[1])
	}

	if !rslt.Converged() {
		t.Errorf("not converged: %v", rslt.Status())
	}

	est, lower, upper := rslt.QMatrixCI(0.95)
	if lower.At(0, 1) >= est.At(0, 1) || upper.At(0, 1) <= est.At(0, 1) {
		t.Errorf("intensity limits do not bracket the estimate")
	}
}

func TestSojournTwoState(t *testing.T) {

	p, err := Simulate(2000, &SimConfig{
		Q:     mat.NewDense(2, 2, []float64{-0.3, 0.3, 0.6, -0.6}),
		Times: annualTimes(),
		Seed:  7,
	})
	if err != nil {
		t.Fatal(err)
	}

	mask, _ := NewQMask([][]int{{0, 1}, {1, 0}})
	rslt := fitCrude(t, p, mask, nil)

	q := rslt.QMatrix(nil, 0)
	soj := rslt.Sojourn(nil, 0.95)
	for r := 0; r < 2; r++ {
		if math.Abs(soj[r].Mean+1/q.At(r, r)) > 1e-12 {
			t.Errorf("sojourn %v does not match -1/q_rr = %v", soj[r].Mean, -1/q.At(r, r))
		}
	}

	// Estimates are close to the truth, 1/0.3 and 1/0.6.
	if math.Abs(soj[0].Mean-1/0.3) > 0.15/0.3 || math.Abs(soj[1].Mean-1/0.6) > 0.15/0.6 {
		t.Errorf("sojourn times %v and %v", soj[0].Mean, soj[1].Mean)
	}

	nsp := rslt.NextStateProbs(nil)
	if nsp.At(0, 1) != 1 || nsp.At(1, 0) != 1 {
		t.Errorf("next state probabilities:\n%v", mat.Formatted(nsp))
	}
}

func TestRecoverThreeState(t *testing.T) {

	p, err := Simulate(5000, &SimConfig{
		Q:     progressiveQ(),
		Times: annualTimes(),
		Seed:  123,
	})
	if err != nil {
		t.Fatal(err)
	}

	rslt := fitCrude(t, p, progressiveMask(), nil)

	q := rslt.QMatrix(nil, 0)
	for _, c := range []struct {
		r, s int
		v    float64
	}{
		{0, 1, 0.1},
		{1, 2, 0.2},
	} {
		if math.Abs(q.At(c.r, c.s)-c.v) > 0.1*c.v {
			t.Errorf("q[%d,%d] = %v, expected %v", c.r+1, c.s+1, q.At(c.r, c.s), c.v)
		}
	}
	if q.At(0, 2) != 0 || q.At(2, 0) != 0 {
		t.Errorf("masked intensities are not zero")
	}

	// Chapman-Kolmogorov for the fitted matrices
	var prod mat.Dense
	prod.Mul(rslt.PMatrix(2, nil), rslt.PMatrix(3, nil))
	if !mat.EqualApprox(&prod, rslt.PMatrix(5, nil), 1e-10) {
		t.Errorf("fitted P(2)P(3) != P(5)")
	}
}

func TestCovariateCoverage(t *testing.T) {

	if testing.Short() {
		t.Skip("skipping repeated fits in short mode")
	}

	config := DefaultMSMConfig()
	config.Covariates = []CovariateSpec{{Name: "x", Transitions: [][2]int{{1, 2}}}}

	hr := math.Exp(0.5)
	var cover int
	nrep := 20
	for k := 0; k < nrep; k++ {
		p := covariatePanel(t, 1000, uint64(100+k))
		rslt := fitCrude(t, p, progressiveMask(), config)
		h := rslt.HazardRatios(0.95)
		if len(h) != 1 || h[0].Covariate != "x" || h[0].From != 1 || h[0].To != 2 {
			t.Fatalf("unexpected hazard ratios %+v", h)
		}
		if h[0].Lower <= hr && hr <= h[0].Upper {
			cover++
		}
	}

	// At 95% nominal coverage, fewer than 16 of 20 happens with
	// probability 0.0026.
	if cover < 16 {
		t.Errorf("only %d of %d intervals contain the true hazard ratio", cover, nrep)
	}
}

func TestCensoredSubject(t *testing.T) {

	p0, err := Simulate(1500, &SimConfig{
		Q:          progressiveQ(),
		Times:      annualTimes(),
		Censor:     &panel.Censoring{Code: 99, States: []int{1, 2}},
		CensorProb: 0.3,
		Seed:       99,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A subject whose only observation is censored contributes nothing.
	subs := append([]panel.Subject(nil), p0.Subjects...)
	subs = append(subs, panel.Subject{ID: "c", Obs: []panel.Observation{obs(0, 99)}})
	p1, err := panel.New(3, p0.Censor, nil, subs)
	if err != nil {
		t.Fatal(err)
	}

	st0, st1 := NewStateTable(p0), NewStateTable(p1)
	for r := range st0.Counts {
		for s := range st0.Counts[r] {
			if st0.Counts[r][s] != st1.Counts[r][s] {
				t.Fatalf("the censored-only subject changed the state table")
			}
		}
	}

	r0 := fitCrude(t, p0, progressiveMask(), nil)
	r1 := fitCrude(t, p1, progressiveMask(), nil)
	for j := range r0.Params() {
		if math.Abs(r0.Params()[j]-r1.Params()[j]) > 1e-8 {
			t.Errorf("parameter %d changed from %v to %v", j, r0.Params()[j], r1.Params()[j])
		}
	}

	// Subjects with censored follow-up still add information.
	sub, err := panel.New(3, p0.Censor, nil, p0.Subjects[0:1000])
	if err != nil {
		t.Fatal(err)
	}
	rs := fitCrude(t, sub, progressiveMask(), nil)
	for j := range rs.Params() {
		if math.Abs(rs.Params()[j]-r0.Params()[j]) > 4*rs.StdErr()[j] {
			t.Errorf("parameter %d differs by more than sampling noise", j)
		}
		if r0.StdErr()[j] >= rs.StdErr()[j] {
			t.Errorf("standard error %d did not decrease with more subjects: %v >= %v",
				j, r0.StdErr()[j], rs.StdErr()[j])
		}
	}
}

func TestLRTest(t *testing.T) {

	p := covariatePanel(t, 1000, 5)

	restricted := fitCrude(t, p, progressiveMask(), nil)

	config := DefaultMSMConfig()
	config.Covariates = []CovariateSpec{{Name: "x", Transitions: [][2]int{{1, 2}}}}
	config.Start = append(append([]float64(nil), restricted.Params()...), 0)
	full := fitCrude(t, p, progressiveMask(), config)

	lr, err := LRTest(restricted, full)
	if err != nil {
		t.Fatal(err)
	}
	if lr.Statistic < 0 || lr.DF != 1 {
		t.Errorf("statistic %v with %d df", lr.Statistic, lr.DF)
	}
	if lr.PValue > 0.01 {
		t.Errorf("p-value %v for a true effect", lr.PValue)
	}

	if _, err := LRTest(full, restricted); !errors.Is(err, ErrNotNested) {
		t.Errorf("expected ErrNotNested, got %v", err)
	}

	other := fitCrude(t, covariatePanel(t, 200, 6), progressiveMask(), config)
	if _, err := LRTest(restricted, other); !errors.Is(err, ErrNotNested) {
		t.Errorf("expected ErrNotNested for different data, got %v", err)
	}
}

func TestFitCancel(t *testing.T) {

	m, err := NewMSM(binaryPanel(t), twoStateQ(0.5), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Fit(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFitIterationLimit(t *testing.T) {

	p, err := Simulate(500, &SimConfig{Q: progressiveQ(), Times: annualTimes(), Seed: 3})
	if err != nil {
		t.Fatal(err)
	}

	config := DefaultMSMConfig()
	config.MaxIter = 1
	m, err := NewMSM(p, mat.NewDense(3, 3, []float64{-1, 1, 0, 0, -1, 1, 0, 0, 0}), config)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := m.Fit(context.Background())
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged, got %v", err)
	}
	if rslt == nil || rslt.Converged() || rslt.VCov() != nil {
		t.Errorf("expected partial results without a covariance matrix")
	}
}

func TestPMatrixCI(t *testing.T) {

	m, err := NewMSM(binaryPanel(t), twoStateQ(0.5), nil)
	if err != nil {
		t.Fatal(err)
	}
	rslt, err := m.Fit(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	pm := rslt.PMatrix(2, nil)
	for _, cfg := range []*CIConfig{
		{Method: CINormal, Level: 0.95, NumSim: 500, Seed: 1},
		{Method: CIBootstrap, Level: 0.9, NumSim: 40, Workers: 4, Seed: 2},
	} {
		lower, upper, err := rslt.PMatrixCI(context.Background(), 2, nil, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if !(lower.At(0, 0) < pm.At(0, 0) && pm.At(0, 0) < upper.At(0, 0)) {
			t.Errorf("%v: limits %v, %v do not bracket %v", cfg.Method,
				lower.At(0, 0), upper.At(0, 0), pm.At(0, 0))
		}
		if math.Abs(lower.At(1, 1)-1) > 1e-12 || math.Abs(upper.At(1, 1)-1) > 1e-12 {
			t.Errorf("%v: absorbing state limits are not one", cfg.Method)
		}
	}
}
