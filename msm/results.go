package msm

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/tommyngx/framingham-ms/statmodel"
)

// MSMResults describes the results of a fitted multi-state model.
type MSMResults struct {
	statmodel.BaseResults

	msm *MSM

	converged  bool
	status     optimize.Status
	iterations int
	evals      int
	runtime    time.Duration
	warnings   []string
}

// HazardRatio is the multiplicative effect of a unit change in a
// covariate on one transition intensity.
type HazardRatio struct {
	Covariate string  `json:"covariate"`
	From      int     `json:"from"`
	To        int     `json:"to"`
	HR        float64 `json:"hr"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
}

// SojournTime is the expected length of a single stay in a state.
type SojournTime struct {
	State int     `json:"state"`
	Mean  float64 `json:"mean"`
	SE    float64 `json:"se"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

func (rslt *MSMResults) addWarning(w string) {
	rslt.warnings = append(rslt.warnings, w)
}

// MSM returns the model that produced the results.
func (rslt *MSMResults) MSM() *MSM {
	return rslt.msm
}

// Converged returns true if the optimizer converged.
func (rslt *MSMResults) Converged() bool {
	return rslt.converged
}

// Status returns the termination status of the optimizer.
func (rslt *MSMResults) Status() optimize.Status {
	return rslt.status
}

// Iterations returns the number of major iterations of the optimizer.
func (rslt *MSMResults) Iterations() int {
	return rslt.iterations
}

// FuncEvaluations returns the number of objective evaluations.
func (rslt *MSMResults) FuncEvaluations() int {
	return rslt.evals
}

// Runtime returns the wall-clock duration of the optimization.
func (rslt *MSMResults) Runtime() time.Duration {
	return rslt.runtime
}

// Warnings returns non-fatal problems encountered during the fit.
func (rslt *MSMResults) Warnings() []string {
	return rslt.warnings
}

// AIC returns the Akaike information criterion.
func (rslt *MSMResults) AIC() float64 {
	return -2*rslt.LogLike() + 2*float64(rslt.NumParams())
}

// covariates returns the covariate vector used for prediction.  A nil z
// gives the baseline; otherwise z holds one value per model covariate.
func (rslt *MSMResults) covariates(z []float64) []float64 {
	nc := len(rslt.msm.covPos)
	if z == nil {
		return make([]float64, nc)
	}
	if len(z) != nc {
		panic(fmt.Sprintf("msm: %d covariate values given, model has %d covariates", len(z), nc))
	}
	return z
}

// QMatrix returns the fitted intensity matrix for the covariate values z
// (one per model covariate, nil for the baseline) in the given period,
// counting from zero.
func (rslt *MSMResults) QMatrix(z []float64, period int) *mat.Dense {
	if period < 0 || period >= rslt.msm.NumPeriods() {
		panic(fmt.Sprintf("msm: period %d out of range", period))
	}
	return rslt.msm.qmat(rslt.Params(), rslt.covariates(z), period)
}

// QMatrixCI returns the baseline intensity matrix in the first period,
// with Wald confidence limits computed on the log scale.  The limits are
// nil if no covariance matrix is available.
func (rslt *MSMResults) QMatrixCI(level float64) (est, lower, upper *mat.Dense) {

	m := rslt.msm
	est = rslt.QMatrix(nil, 0)

	se := rslt.StdErr()
	if se == nil {
		return est, nil, nil
	}

	n := m.panel.NState
	lower = mat.NewDense(n, n, nil)
	upper = mat.NewDense(n, n, nil)
	q := statmodel.NormalQuantile(level)
	for k, tr := range m.trans {
		lq := rslt.Params()[k]
		lower.Set(tr[0], tr[1], math.Exp(lq-q*se[k]))
		upper.Set(tr[0], tr[1], math.Exp(lq+q*se[k]))
	}

	return est, lower, upper
}

// PMatrix returns the fitted transition probability matrix over an
// interval of length t starting at time zero, for covariate values z.
func (rslt *MSMResults) PMatrix(t float64, z []float64) *mat.Dense {
	return rslt.msm.pmat(rslt.Params(), rslt.covariates(z), 0, t)
}

// PMatrixPiecewise returns the fitted transition probability matrix from
// time t0 to time t1, crossing the period boundaries in between.
func (rslt *MSMResults) PMatrixPiecewise(t0, t1 float64, z []float64) *mat.Dense {
	if t1 < t0 {
		panic("msm: PMatrixPiecewise requires t0 <= t1")
	}
	return rslt.msm.pmat(rslt.Params(), rslt.covariates(z), t0, t1)
}

// HazardRatios returns the exponentiated covariate coefficients with
// Wald confidence limits, in parameter order.  The limits are NaN if no
// covariance matrix is available.
func (rslt *MSMResults) HazardRatios(level float64) []HazardRatio {

	m := rslt.msm
	type item struct {
		param int
		cov   int
		k     int
	}
	var items []item
	for k := range m.trans {
		for _, e := range m.effects[k] {
			items = append(items, item{e.param, e.cov, k})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].param < items[j].param })

	se := rslt.StdErr()
	var q float64
	if se != nil {
		q = statmodel.NormalQuantile(level)
	}

	var hr []HazardRatio
	for _, it := range items {
		b := rslt.Params()[it.param]
		h := HazardRatio{
			Covariate: m.config.Covariates[it.cov].Name,
			From:      m.trans[it.k][0] + 1,
			To:        m.trans[it.k][1] + 1,
			HR:        math.Exp(b),
			Lower:     math.NaN(),
			Upper:     math.NaN(),
		}
		if se != nil {
			h.Lower = math.Exp(b - q*se[it.param])
			h.Upper = math.Exp(b + q*se[it.param])
		}
		hr = append(hr, h)
	}

	return hr
}

// Sojourn returns the mean sojourn time -1/q_rr of every state for the
// covariate values z in the first period.  The standard errors use the
// delta method, and the limits are computed on the log scale.  Absorbing
// states have an infinite sojourn time and NaN standard error.
func (rslt *MSMResults) Sojourn(z []float64, level float64) []SojournTime {

	m := rslt.msm
	z = rslt.covariates(z)
	theta := rslt.Params()
	vcov := rslt.VCov()
	np := len(theta)

	var q float64
	if vcov != nil {
		q = statmodel.NormalQuantile(level)
	}

	out := make([]SojournTime, m.panel.NState)
	for r := range out {
		out[r] = SojournTime{
			State: r + 1,
			Mean:  math.Inf(1),
			SE:    math.NaN(),
			Lower: math.NaN(),
			Upper: math.NaN(),
		}

		// Gradient of the total exit rate with respect to the parameters
		grad := make([]float64, np)
		var rate float64
		for k, tr := range m.trans {
			if tr[0] != r {
				continue
			}
			eta := theta[k]
			for _, e := range m.effects[k] {
				eta += theta[e.param] * z[e.cov]
			}
			qk := math.Exp(eta)
			rate += qk
			grad[k] += qk
			for _, e := range m.effects[k] {
				grad[e.param] += qk * z[e.cov]
			}
		}
		if rate == 0 {
			continue
		}

		mean := 1 / rate
		out[r].Mean = mean
		if vcov == nil {
			continue
		}

		// d(1/rate) = -d(rate)/rate^2
		var v float64
		for i := 0; i < np; i++ {
			for j := 0; j < np; j++ {
				v += grad[i] * vcov[i*np+j] * grad[j]
			}
		}
		se := math.Sqrt(v) * mean * mean
		out[r].SE = se
		out[r].Lower = mean * math.Exp(-q*se/mean)
		out[r].Upper = mean * math.Exp(q*se/mean)
	}

	return out
}

// NextStateProbs returns the probabilities q_rs / -q_rr that the next
// state entered from r is s, for covariate values z in the first period.
// Rows of absorbing states are zero.
func (rslt *MSMResults) NextStateProbs(z []float64) *mat.Dense {

	q := rslt.QMatrix(z, 0)
	n, _ := q.Dims()
	pr := mat.NewDense(n, n, nil)
	for r := 0; r < n; r++ {
		d := -q.At(r, r)
		if d <= 0 {
			continue
		}
		for s := 0; s < n; s++ {
			if s != r {
				pr.Set(r, s, q.At(r, s)/d)
			}
		}
	}

	return pr
}

// MSMSummary summarizes a fitted multi-state model.
type MSMSummary struct {
	results *MSMResults

	// Coverage level of the confidence limits
	level float64

	// Messages that are appended to the table
	messages []string
}

// Summary displays a summary table of the model results.
func (rslt *MSMResults) Summary() *MSMSummary {
	return &MSMSummary{
		results:  rslt,
		level:    0.95,
		messages: append([]string(nil), rslt.warnings...),
	}
}

// String returns a string representation of a summary table for the model.
func (ms *MSMSummary) String() string {

	rslt := ms.results
	m := rslt.msm

	sum := &statmodel.SummaryTable{
		Title: "Multi-state Markov model",
		Msg:   ms.messages,
	}

	conv := "yes"
	if !rslt.converged {
		conv = "no"
	}
	sum.Top = append(sum.Top, fmt.Sprintf("  Subjects:       %10d", m.panel.NumSubjects()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Observations:   %10d", m.panel.NumObs()))
	sum.Top = append(sum.Top, fmt.Sprintf("  States:         %10d", m.panel.NState))
	sum.Top = append(sum.Top, fmt.Sprintf("  Periods:        %10d", m.NumPeriods()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-likelihood: %10.3f", rslt.LogLike()))
	sum.Top = append(sum.Top, fmt.Sprintf("  AIC:            %10.3f", rslt.AIC()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Converged:      %10s", conv))
	sum.Top = append(sum.Top, fmt.Sprintf("  Iterations:     %10d", rslt.iterations))

	params := rslt.Params()
	est := make([]float64, len(params))
	for j, x := range params {
		est[j] = math.Exp(x)
	}

	if rslt.StdErr() == nil {
		sum.ColNames = []string{"Parameter", "Estimate", "exp(Est)"}
		sum.ColFmt = []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtFloats, statmodel.FmtFloats}
		sum.Cols = []interface{}{rslt.Names(), params, est}
		sum.Msg = append(sum.Msg, "Standard errors are not available.")
		return sum.String()
	}

	lcb, ucb := rslt.ConfInt(ms.level)
	for j := range lcb {
		lcb[j] = math.Exp(lcb[j])
		ucb[j] = math.Exp(ucb[j])
	}

	sum.ColNames = []string{"Parameter", "Estimate", "SE", "exp(Est)", "LCB", "UCB", "Z-score", "P-value"}
	sum.ColFmt = []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtFloats, statmodel.FmtFloats,
		statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats}
	sum.Cols = []interface{}{rslt.Names(), params, rslt.StdErr(), est, lcb, ucb,
		rslt.ZScores(), rslt.PValues()}

	return sum.String()
}
