package msm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/tommyngx/framingham-ms/statmodel"
)

var (
	// ErrNotConverged is returned together with the partial results when
	// the optimizer stops before convergence.
	ErrNotConverged = errors.New("msm: optimization did not converge")

	// ErrUnknownMethod is returned for an unrecognized optimizer name.
	ErrUnknownMethod = errors.New("msm: unknown optimization method")
)

// Gradients smaller than this (in the scaled objective) are accepted as
// convergence even if the line search reports a failure.
const acceptGradient = 1e-3

func newMethod(name string) (optimize.Method, error) {
	switch strings.ToLower(name) {
	case "", "bfgs":
		return &optimize.BFGS{Linesearcher: &optimize.MoreThuente{}}, nil
	case "lbfgs":
		return &optimize.LBFGS{Linesearcher: &optimize.MoreThuente{}}, nil
	case "neldermead", "nelder-mead":
		return &optimize.NelderMead{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
}

// progress is an optimize.Recorder that logs major iterations and stops
// the optimization when the context is done.
type progress struct {
	ctx   context.Context
	log   *log.Logger
	start time.Time
	iter  int
}

func (pr *progress) Init() error {
	pr.start = time.Now()
	return pr.ctx.Err()
}

func (pr *progress) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if err := pr.ctx.Err(); err != nil {
		return err
	}
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	pr.iter++
	if pr.log != nil && pr.iter%10 == 0 {
		pr.log.Printf("iteration %d: f=%.8f evaluations=%d elapsed=%v",
			pr.iter, loc.F, stats.FuncEvaluations, time.Since(pr.start).Round(time.Millisecond))
	}
	return nil
}

// Fit fits the model to the data.  If the optimizer does not converge the
// partial results are returned together with an error wrapping
// ErrNotConverged.  Cancellation of ctx aborts the fit.
func (m *MSM) Fit(ctx context.Context) (*MSMResults, error) {

	method, err := newMethod(m.config.Method)
	if err != nil {
		return nil, err
	}

	scale := m.fnscale
	p := optimize.Problem{
		Func: func(x []float64) float64 {
			return -m.LogLike(statmodel.NewGenericParameter(x), false) / scale
		},
		Grad: func(grad, x []float64) {
			if len(grad) != len(x) {
				grad = make([]float64, len(x))
			}
			m.Score(statmodel.NewGenericParameter(x), grad)
			floats.Scale(-1/scale, grad)
		},
	}

	rec := &progress{ctx: ctx, log: m.log}
	settings := &optimize.Settings{
		GradientThreshold: 1e-5,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 20,
		},
		MajorIterations: m.config.MaxIter,
		Runtime:         m.config.Runtime,
		Recorder:        rec,
	}

	start := append([]float64(nil), m.start...)
	if ll := m.LogLike(statmodel.NewGenericParameter(start), false); math.IsInf(ll, -1) || math.IsNaN(ll) {
		return nil, fmt.Errorf("msm: log-likelihood is %v at the starting values", ll)
	}

	if m.log != nil {
		m.log.Printf("fitting %d parameters to %d intervals (%d aggregated classes, %d recursions)",
			len(start), m.nintervals, len(m.groups), len(m.seqs))
	}

	optrslt, err := optimize.Minimize(p, start, settings, method)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if optrslt == nil {
		return nil, err
	}

	x := append([]float64(nil), optrslt.X...)
	ll := -optrslt.F * scale

	results := &MSMResults{
		msm:        m,
		status:     optrslt.Status,
		iterations: optrslt.Stats.MajorIterations,
		evals:      optrslt.Stats.FuncEvaluations,
		runtime:    optrslt.Stats.Runtime,
	}

	converged := err == nil && optrslt.Status.Err() == nil
	if !converged {
		// A line search failure close to the optimum is harmless.
		grad := make([]float64, len(x))
		m.Score(statmodel.NewGenericParameter(x), grad)
		if optrslt.Status == optimize.Failure && floats.Norm(grad, math.Inf(1))/scale < acceptGradient {
			converged = true
			results.addWarning(fmt.Sprintf("line search stopped early (%v), gradient is small", err))
		}
	}
	results.converged = converged

	var vcov []float64
	if converged {
		vcov, err = statmodel.GetVcov(m, statmodel.NewGenericParameter(x))
		if err != nil {
			results.addWarning(err.Error())
			vcov = nil
		}
	}

	results.BaseResults = statmodel.NewBaseResults(m, ll, x, m.names, vcov)

	if m.log != nil {
		for _, w := range results.warnings {
			m.log.Printf("warning: %s", w)
		}
	}

	if !converged {
		m.failMessage(optrslt)
		if err == nil {
			err = optrslt.Status.Err()
		}
		return results, fmt.Errorf("%w: %v after %d iterations: %v",
			ErrNotConverged, optrslt.Status, optrslt.Stats.MajorIterations, err)
	}

	if m.log != nil {
		m.log.Printf("converged (%v) after %d iterations, log-likelihood %.4f",
			optrslt.Status, optrslt.Stats.MajorIterations, ll)
	}

	return results, nil
}

// failMessage writes information that can help diagnose optimization failures.
func (m *MSM) failMessage(optrslt *optimize.Result) {

	if m.log == nil {
		return
	}

	m.log.Printf("optimization status %v, current point and gradient:", optrslt.Status)
	for j, x := range optrslt.X {
		var g float64
		if j < len(optrslt.Gradient) {
			g = optrslt.Gradient[j]
		}
		m.log.Printf("%16.8f %16.8f %s", x, g, m.names[j])
	}

	m.log.Printf("observed transitions:\n%s", NewStateTable(m.panel))
}
