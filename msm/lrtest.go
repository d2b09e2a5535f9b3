package msm

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNotNested is returned when two models cannot be compared with a
// likelihood ratio test.
var ErrNotNested = errors.New("msm: models are not nested")

// LRTestResult is the outcome of a likelihood ratio test of a restricted
// model against a more general one.
type LRTestResult struct {
	LogLikeRestricted float64  `json:"loglike_restricted"`
	LogLikeFull       float64  `json:"loglike_full"`
	Statistic         float64  `json:"statistic"`
	DF                int      `json:"df"`
	PValue            float64  `json:"pvalue"`
	Notes             []string `json:"notes,omitempty"`
}

// LRTest compares a restricted model to a full model in which it is
// nested.  The statistic 2(LL_full - LL_restricted) is referred to a
// chi-square distribution with degrees of freedom equal to the difference
// in the number of parameters.
func LRTest(restricted, full *MSMResults) (*LRTestResult, error) {

	rm, fm := restricted.msm, full.msm

	var errs []error
	if rm.panel != fm.panel {
		errs = append(errs, errors.New("the models were fit to different data"))
	}

	df := full.NumParams() - restricted.NumParams()
	if df <= 0 {
		errs = append(errs, fmt.Errorf("the full model has %d parameters, the restricted model has %d",
			full.NumParams(), restricted.NumParams()))
	}

	names := make(map[string]bool)
	for _, na := range full.Names() {
		names[na] = true
	}
	for _, na := range restricted.Names() {
		if !names[na] {
			errs = append(errs, fmt.Errorf("parameter %s is not in the full model", na))
		}
	}

	if !fm.mask.Contains(rm.mask) {
		errs = append(errs, errors.New("the restricted model permits transitions that the full model does not"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrNotNested, errors.Join(errs...))
	}

	rslt := &LRTestResult{
		LogLikeRestricted: restricted.LogLike(),
		LogLikeFull:       full.LogLike(),
		DF:                df,
	}

	rslt.Statistic = 2 * (rslt.LogLikeFull - rslt.LogLikeRestricted)
	if rslt.Statistic < 0 {
		rslt.Notes = append(rslt.Notes, fmt.Sprintf("negative statistic %.6g set to zero, the full model may not be at its maximum", rslt.Statistic))
		rslt.Statistic = 0
	}

	if !restricted.Converged() || !full.Converged() {
		rslt.Notes = append(rslt.Notes, "at least one of the models did not converge")
	}

	chi := distuv.ChiSquared{K: float64(df)}
	rslt.PValue = chi.Survival(rslt.Statistic)

	return rslt, nil
}

// String returns a short report of the test.
func (lr *LRTestResult) String() string {
	var b strings.Builder
	b.WriteString("Likelihood ratio test\n")
	fmt.Fprintf(&b, "  Restricted log-likelihood: %12.4f\n", lr.LogLikeRestricted)
	fmt.Fprintf(&b, "  Full log-likelihood:       %12.4f\n", lr.LogLikeFull)
	fmt.Fprintf(&b, "  Statistic:                 %12.4f\n", lr.Statistic)
	fmt.Fprintf(&b, "  Degrees of freedom:        %12d\n", lr.DF)
	fmt.Fprintf(&b, "  P-value:                   %12.4g\n", lr.PValue)
	for _, n := range lr.Notes {
		b.WriteString("  Note: " + n + "\n")
	}
	return b.String()
}
