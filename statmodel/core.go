// Package statmodel holds the pieces shared by the likelihood-based
// models in this module: parameter values, the fitter interface, fitted
// results with Wald inference, and plain-text summary tables.
package statmodel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dtype is the storage type of data columns.
type Dtype = float64

// HessType indicates the type of a Hessian matrix for a log-likelihood.
type HessType int

// ObsHess (observed Hessian) and ExpHess (expected Hessian) are the two
// types of log-likelihood Hessian matrices.  Models that only have a
// numerical Hessian treat both the same way.
const (
	ObsHess HessType = iota
	ExpHess
)

// ErrSingularHessian is returned by GetVcov when the negative Hessian is
// not positive definite, so that no covariance matrix is available.
var ErrSingularHessian = errors.New("statmodel: Hessian is not negative definite")

// Parameter is the parameter of a model.
type Parameter interface {

	// Get the coefficients.  The returned value should be a
	// reference so that changes to it lead to corresponding
	// changes in the parameter itself.
	GetCoeff() []float64

	// Set the coefficients.
	SetCoeff([]float64)

	// Clone creates a deep copy of the Parameter.
	Clone() Parameter
}

// GenericParameter is a Parameter that is nothing but a coefficient vector.
type GenericParameter struct {
	params []float64
}

// NewGenericParameter wraps x (without copying) as a Parameter.
func NewGenericParameter(x []float64) *GenericParameter {
	return &GenericParameter{params: x}
}

// GetCoeff returns the coefficient vector.
func (gp *GenericParameter) GetCoeff() []float64 {
	return gp.params
}

// SetCoeff copies x into the coefficient vector.
func (gp *GenericParameter) SetCoeff(x []float64) {
	if len(gp.params) != len(x) {
		gp.params = make([]float64, len(x))
	}
	copy(gp.params, x)
}

// Clone returns a deep copy.
func (gp *GenericParameter) Clone() Parameter {
	y := &GenericParameter{params: make([]float64, len(gp.params))}
	copy(y.params, gp.params)
	return y
}

// RegFitter is a likelihood-based model that can be fit to data.
type RegFitter interface {

	// Number of parameters in the model.
	NumParams() int

	// Number of observations in the data set
	NumObs() int

	// The log-likelihood function.  If exact is false, terms
	// that do not depend on the parameters may be omitted.
	LogLike(param Parameter, exact bool) float64

	// The score vector
	Score(Parameter, []float64)

	// The Hessian matrix, vectorized in row-major order
	Hessian(Parameter, HessType, []float64)
}

// BaseResultser is a fitted model that can produce results (parameter estimates, etc.).
type BaseResultser interface {
	Model() RegFitter
	Names() []string
	LogLike() float64
	Params() []float64
	VCov() []float64
	StdErr() []float64
	ZScores() []float64
	PValues() []float64
}

// BaseResults contains the results after fitting a model to data.
type BaseResults struct {
	model   RegFitter
	loglike float64
	params  []float64
	xnames  []string
	vcov    []float64
	stderr  []float64
	zscores []float64
	pvalues []float64
}

// NewBaseResults returns a BaseResults corresponding to the given fitted
// model.  vcov may be nil, in which case no Wald inference is available.
func NewBaseResults(model RegFitter, loglike float64, params []float64, xnames []string, vcov []float64) BaseResults {
	return BaseResults{
		model:   model,
		loglike: loglike,
		params:  params,
		xnames:  xnames,
		vcov:    vcov,
	}
}

// Model produces the model value used to produce the results.
func (rslt *BaseResults) Model() RegFitter {
	return rslt.model
}

// Names returns the parameter names.
func (rslt *BaseResults) Names() []string {
	return rslt.xnames
}

// Params returns the point estimates for the parameters in the model.
func (rslt *BaseResults) Params() []float64 {
	return rslt.params
}

// NumParams returns the number of estimated parameters.
func (rslt *BaseResults) NumParams() int {
	return len(rslt.params)
}

// VCov returns the sampling variance/covariance matrix for the parameters
// in the model, vectorized in row-major order.
func (rslt *BaseResults) VCov() []float64 {
	return rslt.vcov
}

// LogLike returns the log-likelihood value for the fitted model.
func (rslt *BaseResults) LogLike() float64 {
	return rslt.loglike
}

// StdErr returns the standard errors for the parameters in the model.
func (rslt *BaseResults) StdErr() []float64 {

	// No vcov, no standard error
	if rslt.vcov == nil {
		return nil
	}

	if rslt.stderr != nil {
		return rslt.stderr
	}

	p := len(rslt.params)
	rslt.stderr = make([]float64, p)
	for i := range rslt.stderr {
		rslt.stderr[i] = math.Sqrt(rslt.vcov[i*p+i])
	}

	return rslt.stderr
}

// ZScores returns the Z-scores (the parameter estimates divided by the standard errors).
func (rslt *BaseResults) ZScores() []float64 {

	std := rslt.StdErr()
	if std == nil {
		return nil
	}

	if rslt.zscores != nil {
		return rslt.zscores
	}

	rslt.zscores = make([]float64, len(std))
	for i := range std {
		rslt.zscores[i] = rslt.params[i] / std[i]
	}

	return rslt.zscores
}

// PValues returns the p-values for the null hypothesis that each parameter's population
// value is equal to zero.
func (rslt *BaseResults) PValues() []float64 {

	zs := rslt.ZScores()
	if zs == nil {
		return nil
	}

	if rslt.pvalues != nil {
		return rslt.pvalues
	}

	rslt.pvalues = make([]float64, len(zs))
	for i, z := range zs {
		rslt.pvalues[i] = 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	}

	return rslt.pvalues
}

// ConfInt returns Wald confidence limits for the parameters at the given
// coverage level, e.g. 0.95.  Nil slices are returned when no covariance
// matrix is available.
func (rslt *BaseResults) ConfInt(level float64) ([]float64, []float64) {

	std := rslt.StdErr()
	if std == nil {
		return nil, nil
	}

	q := NormalQuantile(level)
	lcb := make([]float64, len(std))
	ucb := make([]float64, len(std))
	for i, s := range std {
		lcb[i] = rslt.params[i] - q*s
		ucb[i] = rslt.params[i] + q*s
	}

	return lcb, ucb
}

// NormalQuantile returns the two-sided standard normal critical value for
// the given coverage level.
func NormalQuantile(level float64) float64 {
	if level <= 0 || level >= 1 {
		panic(fmt.Sprintf("statmodel: coverage level %v is not in (0, 1)", level))
	}
	return distuv.UnitNormal.Quantile(1 - (1-level)/2)
}

// GetVcov returns the sampling variance/covariance matrix for the parameter
// estimates, as the inverse of the negative Hessian of the log-likelihood.
// ErrSingularHessian is returned if the negative Hessian is not positive
// definite.
func GetVcov(model RegFitter, params Parameter) ([]float64, error) {

	nvar := model.NumParams()
	hess := make([]float64, nvar*nvar)
	model.Hessian(params, ObsHess, hess)

	nh := mat.NewSymDense(nvar, nil)
	for i := 0; i < nvar; i++ {
		for j := 0; j <= i; j++ {
			v := -(hess[i*nvar+j] + hess[j*nvar+i]) / 2
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite entry at (%d, %d)", ErrSingularHessian, i, j)
			}
			nh.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(nh); !ok {
		return nil, ErrSingularHessian
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularHessian, err)
	}

	vcov := make([]float64, nvar*nvar)
	for i := 0; i < nvar; i++ {
		for j := 0; j < nvar; j++ {
			vcov[i*nvar+j] = inv.At(i, j)
		}
	}

	return vcov, nil
}

// Dataset is a collection of named, equal-length data columns.
type Dataset interface {

	// Names returns the variable names, in the order of Data.
	Names() []string

	// Data returns the columns.
	Data() [][]Dtype
}

type dataset struct {
	names []string
	data  [][]Dtype
}

// NewDataset returns a Dataset holding the given columns.
func NewDataset(data [][]Dtype, names []string) Dataset {
	if len(data) != len(names) {
		panic(fmt.Sprintf("statmodel: %d columns but %d names", len(data), len(names)))
	}
	return &dataset{names: names, data: data}
}

func (d *dataset) Names() []string {
	return d.names
}

func (d *dataset) Data() [][]Dtype {
	return d.data
}

// VarPos returns the position of the named variable in the dataset, or -1
// if it is not present.
func VarPos(d Dataset, name string) int {
	for j, na := range d.Names() {
		if na == name {
			return j
		}
	}
	return -1
}
