package msm

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/tommyngx/framingham-ms/panel"
	"github.com/tommyngx/framingham-ms/statmodel"
)

func prevalencePanel(t *testing.T) *panel.Panel {

	subs := []panel.Subject{
		{ID: "1", Obs: []panel.Observation{obs(0, 1), obs(2, 1), obs(4, 2)}},
		{ID: "2", Obs: []panel.Observation{obs(0, 1), obs(3, 1)}},
		{ID: "3", Obs: []panel.Observation{obs(1, 1), obs(2, 2)}},
	}

	p, err := panel.New(2, nil, nil, subs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// unfitted returns results holding the starting values of the model.
func unfitted(t *testing.T, p *panel.Panel, a float64) *MSMResults {
	m, err := NewMSM(p, twoStateQ(a), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &MSMResults{
		BaseResults: statmodel.NewBaseResults(m, 0, m.Start(), m.ParamNames(), nil),
		msm:         m,
	}
}

func TestObservedPrevalence(t *testing.T) {

	p := prevalencePanel(t)
	mask, _ := NewQMask([][]int{{0, 1}, {0, 0}})
	pr := ObservedPrevalence(p, mask, []float64{0, 2.5, 5})

	nrisk := []int{2, 3, 2}
	counts := [][]float64{{2, 0}, {2, 1}, {0, 2}}
	for i := range nrisk {
		if pr.NumRisk[i] != nrisk[i] {
			t.Errorf("time %v: %d at risk, expected %d", pr.Times[i], pr.NumRisk[i], nrisk[i])
		}
		if !floats.Equal(pr.Counts[i], counts[i]) {
			t.Errorf("time %v: counts %v, expected %v", pr.Times[i], pr.Counts[i], counts[i])
		}
	}

	if !floats.EqualApprox(pr.Column(1), []float64{0, 1.0 / 3, 1}, 1e-12) {
		t.Errorf("proportions in state 2: %v", pr.Column(1))
	}
}

func TestObservedIncidence(t *testing.T) {

	inc, err := ObservedIncidence(prevalencePanel(t), []int{2}, []float64{0, 2.5, 5})
	if err != nil {
		t.Fatal(err)
	}

	// Three at risk at time 2, one at time 4.
	if !floats.EqualApprox(inc[0], []float64{0, 1.0 / 3, 1}, 1e-12) {
		t.Errorf("cumulative incidence %v", inc[0])
	}
}

func TestExpectedPrevalence(t *testing.T) {

	a := 0.3
	rslt := unfitted(t, prevalencePanel(t), a)
	pr := rslt.ExpectedPrevalence([]float64{0, 2.5})

	if pr.NumRisk[0] != 2 || pr.NumRisk[1] != 3 {
		t.Errorf("risk sets %v", pr.NumRisk)
	}

	if !floats.EqualApprox(pr.Props[0], []float64{1, 0}, 1e-12) {
		t.Errorf("expected prevalence at 0: %v", pr.Props[0])
	}

	// Subjects 1 and 2 enter at 0, subject 3 at 1.
	s1 := (2*math.Exp(-2.5*a) + math.Exp(-1.5*a)) / 3
	if !floats.EqualApprox(pr.Props[1], []float64{s1, 1 - s1}, 1e-10) {
		t.Errorf("expected prevalence at 2.5: %v, expected %v", pr.Props[1], []float64{s1, 1 - s1})
	}

	surv := rslt.ExpectedSurvival([]float64{0, 2.5}, []int{2})
	if !floats.EqualApprox(surv, []float64{1, s1}, 1e-10) {
		t.Errorf("expected survival %v, expected %v", surv, []float64{1, s1})
	}
}

func TestPrevalencePlots(t *testing.T) {

	p := prevalencePanel(t)
	rslt := unfitted(t, p, 0.3)
	times := []float64{0, 1, 2, 3, 4, 5}

	obs := ObservedPrevalence(p, rslt.MSM().Mask(), times)
	exp := rslt.ExpectedPrevalence(times)

	dir := t.TempDir()
	pp := NewPrevalencePlotter([]string{"Healthy", "Dead"})
	if err := pp.Add(obs, exp, []int{0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := pp.Save(filepath.Join(dir, "prevalence.png")); err != nil {
		t.Fatal(err)
	}

	sp, err := rslt.SurvivalPlot([]int{2}, times)
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Save(filepath.Join(dir, "survival.svg")); err != nil {
		t.Fatal(err)
	}

	if s := obs.String(); len(s) == 0 {
		t.Errorf("empty prevalence table")
	}
}
