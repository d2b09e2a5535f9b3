package msm

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/tommyngx/framingham-ms/panel"
	"github.com/tommyngx/framingham-ms/statmodel"
)

// Structural errors, reported by NewMSM before any optimization.
var (
	ErrCovariateMissing        = errors.New("msm: covariate not found in panel")
	ErrBadTransition           = errors.New("msm: transition is not permitted by the intensity matrix")
	ErrBadBreakpoints          = errors.New("msm: breakpoints must be finite and strictly increasing")
	ErrCovariatesWithPiecewise = errors.New("msm: covariates cannot be combined with piecewise-constant intensities")
	ErrBadDeathState           = errors.New("msm: exact death states must be absorbing")
	ErrBadStart                = errors.New("msm: starting values have the wrong length")
)

// CovariateSpec names a covariate and the transitions whose intensities
// it acts on, as q_rs(z) = q_rs * exp(beta_rs * z).
type CovariateSpec struct {

	// Name is the covariate name in the panel.
	Name string `yaml:"name" json:"name"`

	// Transitions lists the affected (from, to) pairs, 1-based.  If
	// empty, the covariate acts on all permitted transitions.
	Transitions [][2]int `yaml:"transitions" json:"transitions,omitempty"`
}

// MSMConfig defines configuration parameters for a multi-state model.
type MSMConfig struct {

	// A logger to which progress information is written, optional
	Log *log.Logger

	// StateNames labels the states in summaries, optional
	StateNames []string

	// Covariates on the transition intensities
	Covariates []CovariateSpec

	// Breakpoints define piecewise-constant intensities.  Intensities
	// in the period after breakpoint k are the baseline intensities
	// multiplied by a period- and transition-specific factor.
	Breakpoints []float64

	// DeathStates are absorbing states (1-based) whose entry times are
	// known exactly, while the state just before entry is not.
	DeathStates []int

	// Start contains starting values for the parameters, in the
	// order of ParamNames.  If nil, the log intensities of the
	// initial matrix and zero effects are used.
	Start []float64

	// FnScale divides the negative log-likelihood during
	// optimization.  If zero, the number of observed intervals is used.
	FnScale float64

	// MaxIter caps the number of major optimizer iterations.
	MaxIter int

	// Runtime caps the wall-clock duration of a fit, zero for no cap.
	Runtime time.Duration

	// Method is the optimizer, "bfgs", "lbfgs" or "neldermead".
	Method string

	// GradStep and HessStep are the finite difference step sizes for
	// the score and the Hessian.
	GradStep float64
	HessStep float64
}

// DefaultMSMConfig returns a default configuration struct for a multi-state model.
func DefaultMSMConfig() *MSMConfig {
	return &MSMConfig{
		MaxIter:  500,
		Method:   "bfgs",
		GradStep: 1e-5,
		HessStep: 1e-4,
	}
}

// effect is one covariate coefficient acting on one transition.
type effect struct {
	param int
	cov   int
}

// MSM is a continuous-time multi-state Markov model for panel data.
//
// The parameter vector holds the log baseline intensities of the
// permitted transitions in row-major order, followed by one block of
// coefficients per covariate (one per transition it acts on), followed
// by one block of log intensity ratios per time period after the first.
type MSM struct {

	// The data to which the model is fit
	panel *panel.Panel

	config MSMConfig

	// The initial intensity matrix, which fixes the transition structure
	q0   *mat.Dense
	mask QMask

	// The permitted transitions, row-major
	trans [][2]int

	// effects[k] lists the covariate coefficients acting on transition k
	effects [][]effect

	// Positions in the panel of the covariates named in the config
	covPos []int

	// Position of the first period effect in the parameter vector
	periodOff int

	breaks []float64
	death  []bool

	names []string
	start []float64

	fnscale float64

	// Number of observed intervals (pairs of consecutive observations)
	nintervals int

	// possible[code] lists the states a state code may stand for
	possible map[int][]int

	// Distinct vectors of covariate values
	patterns [][]float64

	// Aggregated contributions of subjects whose likelihood factors
	// into independent intervals
	groups []pairGroup

	// Subjects that need the forward recursion
	seqs []sequence

	log *log.Logger
}

// NewMSM returns an MSM value that can be used to fit a multi-state model.
// The positive off-diagonal entries of q0 define the permitted
// transitions and their starting values; the diagonal is ignored.
func NewMSM(p *panel.Panel, q0 mat.Matrix, config *MSMConfig) (*MSM, error) {

	if config == nil {
		config = DefaultMSMConfig()
	}

	if _, err := newMethod(config.Method); err != nil {
		return nil, err
	}

	n, c := q0.Dims()
	if n != c || n != p.NState {
		return nil, fmt.Errorf("%w: intensity matrix is %d x %d for %d states", ErrInvalidQ, n, c, p.NState)
	}

	q := mat.DenseCopyOf(q0)
	FillDiagonal(q)
	if err := CheckQMatrix(q, 1e-8); err != nil {
		return nil, err
	}

	mask := MaskFromQ(q)
	trans := mask.Transitions()
	if len(trans) == 0 {
		return nil, fmt.Errorf("%w: no permitted transitions", ErrInvalidQ)
	}

	m := &MSM{
		panel:  p,
		config: *config,
		q0:     q,
		mask:   mask,
		trans:  trans,
		log:    config.Log,
	}

	if len(config.Covariates) > 0 && len(config.Breakpoints) > 0 {
		return nil, ErrCovariatesWithPiecewise
	}

	if err := m.setupCovariates(); err != nil {
		return nil, err
	}

	if err := m.setupBreakpoints(); err != nil {
		return nil, err
	}

	if err := m.setupDeath(); err != nil {
		return nil, err
	}

	st := NewStateTable(p)
	if err := checkReachable(mask, st, p); err != nil {
		return nil, err
	}

	m.setupParams()
	if config.Start != nil {
		if len(config.Start) != len(m.names) {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrBadStart, len(config.Start), len(m.names))
		}
		m.start = append([]float64(nil), config.Start...)
	}

	m.setupData()

	m.fnscale = config.FnScale
	if m.fnscale <= 0 {
		m.fnscale = math.Max(1, float64(m.nintervals))
	}

	return m, nil
}

func (m *MSM) transIndex(r, s int) int {
	for k, tr := range m.trans {
		if tr[0] == r && tr[1] == s {
			return k
		}
	}
	return -1
}

func (m *MSM) setupCovariates() error {

	m.effects = make([][]effect, len(m.trans))
	m.covPos = m.covPos[0:0]

	for _, cs := range m.config.Covariates {
		pos := m.panel.CovPos(cs.Name)
		if pos == -1 {
			return fmt.Errorf("%w: '%s'", ErrCovariateMissing, cs.Name)
		}
		m.covPos = append(m.covPos, pos)

		if len(cs.Transitions) == 0 {
			continue
		}
		for _, tr := range cs.Transitions {
			if m.transIndex(tr[0]-1, tr[1]-1) == -1 {
				return fmt.Errorf("%w: covariate %s on %d -> %d", ErrBadTransition, cs.Name, tr[0], tr[1])
			}
		}
	}

	return nil
}

func (m *MSM) setupBreakpoints() error {

	for j, b := range m.config.Breakpoints {
		if math.IsNaN(b) || math.IsInf(b, 0) || (j > 0 && b <= m.config.Breakpoints[j-1]) {
			return fmt.Errorf("%w: %v", ErrBadBreakpoints, m.config.Breakpoints)
		}
	}
	m.breaks = append([]float64(nil), m.config.Breakpoints...)

	return nil
}

func (m *MSM) setupDeath() error {

	m.death = make([]bool, m.panel.NState)
	absorbing := make(map[int]bool)
	for _, s := range m.mask.Absorbing() {
		absorbing[s] = true
	}

	for _, d := range m.config.DeathStates {
		if d < 1 || d > m.panel.NState || !absorbing[d-1] {
			return fmt.Errorf("%w: state %d", ErrBadDeathState, d)
		}
		m.death[d-1] = true
	}

	return nil
}

// setupParams lays out the parameter vector and its default starting values.
func (m *MSM) setupParams() {

	m.names = m.names[0:0]
	m.start = m.start[0:0]

	for _, tr := range m.trans {
		m.names = append(m.names, fmt.Sprintf("log(q[%d,%d])", tr[0]+1, tr[1]+1))
		m.start = append(m.start, math.Log(m.q0.At(tr[0], tr[1])))
	}

	for c, cs := range m.config.Covariates {
		acts := make(map[int]bool)
		for _, tr := range cs.Transitions {
			acts[m.transIndex(tr[0]-1, tr[1]-1)] = true
		}
		for k, tr := range m.trans {
			if len(cs.Transitions) > 0 && !acts[k] {
				continue
			}
			m.effects[k] = append(m.effects[k], effect{param: len(m.names), cov: c})
			m.names = append(m.names, fmt.Sprintf("%s[%d,%d]", cs.Name, tr[0]+1, tr[1]+1))
			m.start = append(m.start, 0)
		}
	}

	m.periodOff = len(m.names)
	for j := range m.breaks {
		for _, tr := range m.trans {
			m.names = append(m.names, fmt.Sprintf("period%d[%d,%d]", j+2, tr[0]+1, tr[1]+1))
			m.start = append(m.start, 0)
		}
	}
}

// NumParams returns the number of model parameters.
func (m *MSM) NumParams() int {
	return len(m.names)
}

// NumObs returns the number of observations in the data set.
func (m *MSM) NumObs() int {
	return m.panel.NumObs()
}

// NumIntervals returns the number of pairs of consecutive observations.
func (m *MSM) NumIntervals() int {
	return m.nintervals
}

// ParamNames returns the parameter names, in parameter vector order.
func (m *MSM) ParamNames() []string {
	return m.names
}

// Start returns the starting values for the parameters.
func (m *MSM) Start() []float64 {
	return m.start
}

// Panel returns the data to which the model is fit.
func (m *MSM) Panel() *panel.Panel {
	return m.panel
}

// Mask returns the transition structure.
func (m *MSM) Mask() QMask {
	return m.mask
}

// Transitions returns the permitted (0-based) transitions, in the order
// of the log intensity parameters.
func (m *MSM) Transitions() [][2]int {
	return m.trans
}

// NumPeriods returns the number of piecewise-constant periods.
func (m *MSM) NumPeriods() int {
	return len(m.breaks) + 1
}

// Breakpoints returns the boundaries between the periods.
func (m *MSM) Breakpoints() []float64 {
	return m.breaks
}

// Covariates returns the covariate specifications.
func (m *MSM) Covariates() []CovariateSpec {
	return m.config.Covariates
}

// stateName returns the label of 0-based state s.
func (m *MSM) stateName(s int) string {
	if s < len(m.config.StateNames) {
		return m.config.StateNames[s]
	}
	return fmt.Sprintf("State %d", s+1)
}

// period returns the index of the period containing time t.
func (m *MSM) period(t float64) int {
	return sort.Search(len(m.breaks), func(i int) bool { return m.breaks[i] > t })
}

// pattern extracts the values of the model's covariates from a full
// covariate vector in panel order.  A nil vector gives the baseline.
func (m *MSM) pattern(cov []float64) []float64 {
	z := make([]float64, len(m.covPos))
	if cov == nil {
		return z
	}
	for j, k := range m.covPos {
		z[j] = cov[k]
	}
	return z
}

// qmat returns the intensity matrix for covariate values z (in the
// order of the model's covariates) during the given period.
func (m *MSM) qmat(theta, z []float64, period int) *mat.Dense {

	n := m.panel.NState
	q := mat.NewDense(n, n, nil)
	nt := len(m.trans)

	for k, tr := range m.trans {
		lq := theta[k]
		for _, e := range m.effects[k] {
			lq += theta[e.param] * z[e.cov]
		}
		if period > 0 {
			lq += theta[m.periodOff+(period-1)*nt+k]
		}
		q.Set(tr[0], tr[1], math.Exp(lq))
	}
	FillDiagonal(q)

	return q
}

// pmat returns the transition probability matrix from time t0 to time t1,
// taking the product over the periods spanned by the interval.
func (m *MSM) pmat(theta, z []float64, t0, t1 float64) *mat.Dense {

	if len(m.breaks) == 0 {
		return PMatrix(m.qmat(theta, z, 0), t1-t0)
	}

	return m.spanProduct(t0, t1, func(per int) *mat.Dense {
		return m.qmat(theta, z, per)
	})
}

// spanProduct returns the ordered product of the transition matrices of
// the periods overlapping [t0, t1], where qf gives the intensity matrix
// of a period.
func (m *MSM) spanProduct(t0, t1 float64, qf func(int) *mat.Dense) *mat.Dense {

	pm := identity(m.panel.NState)
	t := t0
	for per := m.period(t0); t < t1; per++ {
		end := t1
		if per < len(m.breaks) && m.breaks[per] < t1 {
			end = m.breaks[per]
		}
		var next mat.Dense
		next.Mul(pm, PMatrix(qf(per), end-t))
		pm = &next
		t = end
	}

	return pm
}

// LogLike returns the log-likelihood at the given parameter value.  The
// 'exact' parameter is ignored here.
func (m *MSM) LogLike(param statmodel.Parameter, exact bool) float64 {
	ev := m.newEvaluator(param.GetCoeff())
	return ev.loglike()
}

func (m *MSM) loglikeFunc() func([]float64) float64 {
	return func(x []float64) float64 {
		return m.newEvaluator(x).loglike()
	}
}

// Score computes the score vector at the given parameter setting, using
// central differences of the log-likelihood.
func (m *MSM) Score(param statmodel.Parameter, score []float64) {
	fd.Gradient(score, m.loglikeFunc(), param.GetCoeff(), &fd.Settings{
		Formula: fd.Central,
		Step:    m.config.GradStep,
	})
}

// Hessian computes the Hessian matrix of the log-likelihood at the given
// parameter setting by finite differences.  The Hessian type is not
// used here.
func (m *MSM) Hessian(param statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	p := m.NumParams()
	h := mat.NewSymDense(p, nil)
	fd.Hessian(h, m.loglikeFunc(), param.GetCoeff(), &fd.Settings{
		Formula: fd.Central,
		Step:    m.config.HessStep,
	})

	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			hess[i*p+j] = h.At(i, j)
		}
	}
}
