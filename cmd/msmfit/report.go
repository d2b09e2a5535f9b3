package main

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/msm"
)

// jsonFloat is a float64 that marshals NaN as null and infinities as the
// strings "Inf" and "-Inf", which encoding/json rejects otherwise.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte("null"), nil
	case math.IsInf(v, 1):
		return []byte(`"Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

func jsonFloats(x []float64) []jsonFloat {
	if x == nil {
		return nil
	}
	y := make([]jsonFloat, len(x))
	for i, v := range x {
		y[i] = jsonFloat(v)
	}
	return y
}

func jsonMatrix(m *mat.Dense) [][]jsonFloat {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	y := make([][]jsonFloat, r)
	for i := range y {
		y[i] = jsonFloats(m.RawRowView(i))
	}
	return y
}

// Report is the JSON summary of a fit run.
type Report struct {
	// RunID identifies the run, it also prefixes the log lines.
	RunID string `json:"runId"`

	// Created is the time at which the run finished.
	Created time.Time `json:"created"`

	// Analysis is the path of the analysis file.
	Analysis string `json:"analysis"`

	Data DataReport `json:"data"`

	Models []ModelReport `json:"models"`

	// Tests holds the likelihood ratio tests of nested variants.
	Tests []TestReport `json:"tests,omitempty"`
}

// DataReport describes the panel that was fit.
type DataReport struct {
	Subjects     int `json:"subjects"`
	Observations int `json:"observations"`
	Skipped      int `json:"skippedRows"`
}

// ParamReport is one estimated parameter.
type ParamReport struct {
	Name     string    `json:"name"`
	Estimate jsonFloat `json:"estimate"`
	SE       jsonFloat `json:"se"`
	Lower    jsonFloat `json:"lower"`
	Upper    jsonFloat `json:"upper"`
}

// HazardRatioReport is an exponentiated covariate effect.
type HazardRatioReport struct {
	Covariate string    `json:"covariate"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	HR        jsonFloat `json:"hr"`
	Lower     jsonFloat `json:"lower"`
	Upper     jsonFloat `json:"upper"`
}

// SojournReport is the mean sojourn time in one state.
type SojournReport struct {
	State int       `json:"state"`
	Mean  jsonFloat `json:"mean"`
	SE    jsonFloat `json:"se"`
	Lower jsonFloat `json:"lower"`
	Upper jsonFloat `json:"upper"`
}

// PMatrixReport is a transition probability matrix with pointwise limits.
type PMatrixReport struct {
	Time     float64       `json:"time"`
	Estimate [][]jsonFloat `json:"estimate"`
	Lower    [][]jsonFloat `json:"lower,omitempty"`
	Upper    [][]jsonFloat `json:"upper,omitempty"`
}

// IncidenceReport compares the observed cumulative incidence of an
// absorbing state with the prevalence the model predicts.
type IncidenceReport struct {
	State    int         `json:"state"`
	Times    []float64   `json:"times"`
	Observed []jsonFloat `json:"observed"`
	Expected []jsonFloat `json:"expected"`
}

// ModelReport summarizes one fitted variant.
type ModelReport struct {
	Name       string  `json:"name"`
	Converged  bool    `json:"converged"`
	Status     string  `json:"status"`
	Iterations int     `json:"iterations"`
	Runtime    float64 `json:"runtime"`

	LogLike jsonFloat `json:"loglike"`
	AIC     jsonFloat `json:"aic"`

	Params       []ParamReport       `json:"params"`
	QMatrix      [][]jsonFloat       `json:"qmatrix"`
	NextState    [][]jsonFloat       `json:"nextState"`
	HazardRatios []HazardRatioReport `json:"hazardRatios,omitempty"`
	Sojourn      []SojournReport     `json:"sojourn"`
	PMatrix      []PMatrixReport     `json:"pmatrix,omitempty"`
	Incidence    []IncidenceReport   `json:"incidence,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// TestReport is a likelihood ratio test of two variants.
type TestReport struct {
	Restricted string    `json:"restricted"`
	Full       string    `json:"full"`
	Statistic  jsonFloat `json:"statistic"`
	DF         int       `json:"df"`
	PValue     jsonFloat `json:"pvalue"`
	Notes      []string  `json:"notes,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// newModelReport collects the estimates of a fitted variant.  Derived
// quantities are only included for converged fits.
func newModelReport(name string, rslt *msm.MSMResults, level float64) ModelReport {

	mr := ModelReport{
		Name:       name,
		Converged:  rslt.Converged(),
		Status:     rslt.Status().String(),
		Iterations: rslt.Iterations(),
		Runtime:    rslt.Runtime().Seconds(),
		LogLike:    jsonFloat(rslt.LogLike()),
		AIC:        jsonFloat(rslt.AIC()),
		Warnings:   rslt.Warnings(),
	}

	se := rslt.StdErr()
	lower, upper := rslt.ConfInt(level)
	for j, na := range rslt.Names() {
		pr := ParamReport{
			Name:     na,
			Estimate: jsonFloat(rslt.Params()[j]),
			SE:       jsonFloat(math.NaN()),
			Lower:    jsonFloat(math.NaN()),
			Upper:    jsonFloat(math.NaN()),
		}
		if se != nil {
			pr.SE = jsonFloat(se[j])
			pr.Lower = jsonFloat(lower[j])
			pr.Upper = jsonFloat(upper[j])
		}
		mr.Params = append(mr.Params, pr)
	}

	if !rslt.Converged() {
		return mr
	}

	mr.QMatrix = jsonMatrix(rslt.QMatrix(nil, 0))
	mr.NextState = jsonMatrix(rslt.NextStateProbs(nil))

	for _, hr := range rslt.HazardRatios(level) {
		mr.HazardRatios = append(mr.HazardRatios, HazardRatioReport{
			Covariate: hr.Covariate,
			From:      hr.From,
			To:        hr.To,
			HR:        jsonFloat(hr.HR),
			Lower:     jsonFloat(hr.Lower),
			Upper:     jsonFloat(hr.Upper),
		})
	}

	for _, so := range rslt.Sojourn(nil, level) {
		mr.Sojourn = append(mr.Sojourn, SojournReport{
			State: so.State,
			Mean:  jsonFloat(so.Mean),
			SE:    jsonFloat(so.SE),
			Lower: jsonFloat(so.Lower),
			Upper: jsonFloat(so.Upper),
		})
	}

	return mr
}

func (r *Report) write(fname string) error {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fname, append(buf, '\n'), 0o644)
}
