package msm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// ErrNoVCov is returned when an interval requires the parameter
// covariance matrix and the fit did not produce one.
var ErrNoVCov = errors.New("msm: parameter covariance matrix is not available")

// CIMethod selects how confidence limits for transition probabilities
// are computed.
type CIMethod int

const (
	// CINormal draws parameter vectors from the asymptotic normal
	// distribution of the estimates.
	CINormal CIMethod = iota

	// CIBootstrap resamples subjects with replacement and refits.
	CIBootstrap
)

func (m CIMethod) String() string {
	switch m {
	case CINormal:
		return "normal"
	case CIBootstrap:
		return "bootstrap"
	default:
		return fmt.Sprintf("CIMethod(%d)", int(m))
	}
}

// CIConfig configures PMatrixCI.
type CIConfig struct {
	Method CIMethod

	// Coverage level, e.g. 0.95
	Level float64

	// Number of parameter draws or bootstrap replicates
	NumSim int

	// Maximum number of concurrent bootstrap refits
	Workers int

	Seed uint64

	Log *log.Logger
}

// DefaultCIConfig returns a default configuration for PMatrixCI.
func DefaultCIConfig() *CIConfig {
	return &CIConfig{
		Method:  CINormal,
		Level:   0.95,
		NumSim:  1000,
		Workers: 4,
		Seed:    1,
	}
}

// PMatrixCI returns pointwise confidence limits for the transition
// probability matrix over an interval of length t, for covariate values
// z.  The limits are empirical quantiles of the matrices computed from
// simulated parameter vectors.
func (rslt *MSMResults) PMatrixCI(ctx context.Context, t float64, z []float64, cfg *CIConfig) (lower, upper *mat.Dense, err error) {

	if cfg == nil {
		cfg = DefaultCIConfig()
	}
	if cfg.NumSim < 1 {
		return nil, nil, fmt.Errorf("msm: NumSim must be positive, got %d", cfg.NumSim)
	}
	z = rslt.covariates(z)

	var sims []*mat.Dense
	switch cfg.Method {
	case CINormal:
		sims, err = rslt.normalDraws(ctx, t, z, cfg)
	case CIBootstrap:
		sims, err = rslt.bootstrapDraws(ctx, t, z, cfg)
	default:
		return nil, nil, fmt.Errorf("msm: unknown interval method %v", cfg.Method)
	}
	if err != nil {
		return nil, nil, err
	}

	lower, upper = quantileBands(sims, cfg.Level)
	return lower, upper, nil
}

func (rslt *MSMResults) normalDraws(ctx context.Context, t float64, z []float64, cfg *CIConfig) ([]*mat.Dense, error) {

	vcov := rslt.VCov()
	if vcov == nil {
		return nil, ErrNoVCov
	}

	np := rslt.NumParams()
	sigma := mat.NewSymDense(np, nil)
	for i := 0; i < np; i++ {
		for j := 0; j <= i; j++ {
			sigma.SetSym(i, j, (vcov[i*np+j]+vcov[j*np+i])/2)
		}
	}

	nrm, ok := distmv.NewNormal(rslt.Params(), sigma, rand.NewSource(cfg.Seed))
	if !ok {
		return nil, fmt.Errorf("%w: not positive definite", ErrNoVCov)
	}

	m := rslt.msm
	sims := make([]*mat.Dense, 0, cfg.NumSim)
	x := make([]float64, np)
	for i := 0; i < cfg.NumSim; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nrm.Rand(x)
		sims = append(sims, m.pmat(x, z, 0, t))
	}

	return sims, nil
}

func (rslt *MSMResults) bootstrapDraws(ctx context.Context, t float64, z []float64, cfg *CIConfig) ([]*mat.Dense, error) {

	m := rslt.msm
	n := m.panel.NumSubjects()

	// Draw all the resamples up front so that the result does not
	// depend on the scheduling of the refits.
	rng := rand.New(rand.NewSource(cfg.Seed))
	ixs := make([][]int, cfg.NumSim)
	for b := range ixs {
		ix := make([]int, n)
		for i := range ix {
			ix[i] = rng.Intn(n)
		}
		ixs[b] = ix
	}

	q0 := rslt.QMatrix(nil, 0)
	bcfg := m.config
	bcfg.Log = nil
	bcfg.Start = rslt.Params()

	sims := make([]*mat.Dense, cfg.NumSim)
	g, gctx := errgroup.WithContext(ctx)
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for b := range ixs {
		b := b
		g.Go(func() error {
			bm, err := NewMSM(m.panel.Resample(ixs[b]), q0, &bcfg)
			if err != nil {
				// A resample can lose a covariate pattern or transition
				// needed by the model; the replicate is dropped.
				return nil
			}
			br, err := bm.Fit(gctx)
			if err != nil {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				return nil
			}
			sims[b] = br.PMatrix(t, z)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ok []*mat.Dense
	for _, s := range sims {
		if s != nil {
			ok = append(ok, s)
		}
	}
	if cfg.Log != nil {
		cfg.Log.Printf("bootstrap: %d of %d refits succeeded", len(ok), cfg.NumSim)
	}
	if 2*len(ok) < cfg.NumSim {
		return nil, fmt.Errorf("msm: only %d of %d bootstrap refits succeeded", len(ok), cfg.NumSim)
	}

	return ok, nil
}

// quantileBands returns the elementwise lower and upper empirical
// quantiles of a collection of equally sized matrices.
func quantileBands(sims []*mat.Dense, level float64) (*mat.Dense, *mat.Dense) {

	r, c := sims[0].Dims()
	lower := mat.NewDense(r, c, nil)
	upper := mat.NewDense(r, c, nil)
	alpha := (1 - level) / 2

	v := make([]float64, len(sims))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			for k, s := range sims {
				v[k] = s.At(i, j)
			}
			sort.Float64s(v)
			lower.Set(i, j, stat.Quantile(alpha, stat.Empirical, v, nil))
			upper.Set(i, j, stat.Quantile(1-alpha, stat.Empirical, v, nil))
		}
	}

	return lower, upper
}
