package statmodel

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// A mock model with a quadratic log-likelihood, -0.5 * x' A x.
type Mock struct {
	a []float64
	p int
}

func (m *Mock) LogLike(params Parameter, exact bool) float64 {
	x := params.GetCoeff()
	var ll float64
	for i := 0; i < m.p; i++ {
		for j := 0; j < m.p; j++ {
			ll -= 0.5 * x[i] * m.a[i*m.p+j] * x[j]
		}
	}
	return ll
}

func (m *Mock) Score(params Parameter, score []float64) {
	x := params.GetCoeff()
	for i := 0; i < m.p; i++ {
		score[i] = 0
		for j := 0; j < m.p; j++ {
			score[i] -= m.a[i*m.p+j] * x[j]
		}
	}
}

func (m *Mock) Hessian(params Parameter, ht HessType, hess []float64) {
	for i := range hess {
		hess[i] = -m.a[i]
	}
}

func (m *Mock) NumParams() int {
	return m.p
}

func (m *Mock) NumObs() int {
	return 10
}

func TestVcov(t *testing.T) {

	model := &Mock{a: []float64{4, 1, 1, 2}, p: 2}

	vcov, err := GetVcov(model, NewGenericParameter([]float64{0, 0}))
	if err != nil {
		t.Fatal(err)
	}

	// Inverse of [[4 1] [1 2]]
	expected := []float64{2.0 / 7, -1.0 / 7, -1.0 / 7, 4.0 / 7}
	if !floats.EqualApprox(vcov, expected, 1e-10) {
		t.Fail()
	}
}

func TestVcovSingular(t *testing.T) {

	model := &Mock{a: []float64{1, 1, 1, 1}, p: 2}

	_, err := GetVcov(model, NewGenericParameter([]float64{0, 0}))
	if !errors.Is(err, ErrSingularHessian) {
		t.Fail()
	}
}

func TestResults(t *testing.T) {

	model := &Mock{a: []float64{4, 0, 0, 1}, p: 2}
	params := []float64{1, -3}
	vcov := []float64{0.25, 0, 0, 1}

	r := NewBaseResults(model, -2, params, []string{"a", "b"}, vcov)

	if !floats.EqualApprox(r.StdErr(), []float64{0.5, 1}, 1e-12) {
		t.Fail()
	}
	if !floats.EqualApprox(r.ZScores(), []float64{2, -3}, 1e-12) {
		t.Fail()
	}

	pv := r.PValues()
	if math.Abs(pv[0]-0.04550026) > 1e-6 || math.Abs(pv[1]-0.00269980) > 1e-6 {
		t.Fail()
	}

	lcb, ucb := r.ConfInt(0.95)
	if math.Abs(lcb[0]-(1-1.959964*0.5)) > 1e-5 || math.Abs(ucb[1]-(-3+1.959964)) > 1e-5 {
		t.Fail()
	}

	// No covariance, no inference
	r2 := NewBaseResults(model, -2, params, []string{"a", "b"}, nil)
	if r2.StdErr() != nil || r2.PValues() != nil {
		t.Fail()
	}
	if l, _ := r2.ConfInt(0.95); l != nil {
		t.Fail()
	}
}

func TestSummaryTable(t *testing.T) {

	sum := &SummaryTable{
		Title:    "Test table",
		Top:      []string{"Rows: 2", "Cols: 2", "Extra: yes"},
		ColNames: []string{"Name", "Value"},
		ColFmt:   []Fmter{FmtStrings, FmtFloats},
		Cols:     []interface{}{[]string{"x", "longer"}, []float64{1, 2.5}},
		Msg:      []string{"a message"},
	}

	s := sum.String()
	for _, want := range []string{"Test table", "Rows: 2", "longer", "2.5000", "a message"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary is missing %q:\n%s", want, s)
		}
	}
}

func TestDataset(t *testing.T) {

	d := NewDataset([][]Dtype{{1, 2}, {3, 4}}, []string{"x", "y"})
	if VarPos(d, "y") != 1 || VarPos(d, "z") != -1 {
		t.Fail()
	}
}
