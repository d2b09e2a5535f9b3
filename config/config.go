// Package config reads the YAML analysis files that drive the msmfit
// command: where the panel lives, which transitions are permitted, and
// which model variants to fit and compare.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/tommyngx/framingham-ms/msm"
	"github.com/tommyngx/framingham-ms/panel"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid analysis")

var validate = validator.New()

// Data locates the panel file and names its columns.
type Data struct {
	File       string   `yaml:"file" validate:"required"`
	Subject    string   `yaml:"subject" validate:"required"`
	Time       string   `yaml:"time" validate:"required"`
	State      string   `yaml:"state" validate:"required"`
	Covariates []string `yaml:"covariates" validate:"dive,required"`
	Delimiter  string   `yaml:"delimiter" validate:"omitempty,len=1"`
}

// Censor is the censoring convention of the panel file.
type Censor struct {
	Code   int   `yaml:"code"`
	States []int `yaml:"states" validate:"required,min=1,dive,gte=1"`
}

// Model is one model variant.
type Model struct {
	Name        string              `yaml:"name" validate:"required"`
	Covariates  []msm.CovariateSpec `yaml:"covariates"`
	Breakpoints []float64           `yaml:"breakpoints"`

	// CompareTo names the restricted model for a likelihood ratio test,
	// optional.
	CompareTo string `yaml:"compare_to"`
}

// Fit holds optimizer settings shared by all variants.
type Fit struct {
	Method  string        `yaml:"method" validate:"oneof=bfgs lbfgs neldermead"`
	MaxIter int           `yaml:"max_iter" validate:"gte=1"`
	FnScale float64       `yaml:"fnscale" validate:"gte=0"`
	Runtime time.Duration `yaml:"runtime" validate:"gte=0"`
}

// Intervals configures the confidence limits of transition probabilities.
type Intervals struct {
	Method  string  `yaml:"method" validate:"oneof=normal bootstrap"`
	Level   float64 `yaml:"level" validate:"gt=0,lt=1"`
	NumSim  int     `yaml:"nsim" validate:"gte=1"`
	Workers int     `yaml:"workers" validate:"gte=1"`
	Seed    uint64  `yaml:"seed"`
}

// Output lists the derived quantities to report.
type Output struct {
	PMatrixTimes    []float64 `yaml:"pmatrix_times" validate:"dive,gt=0"`
	PrevalenceTimes []float64 `yaml:"prevalence_times" validate:"dive,gte=0"`

	// Absorbing states (1-based) whose survival curve is plotted.
	Survival []int `yaml:"survival" validate:"dive,gte=1"`

	Intervals Intervals `yaml:"intervals"`
}

// Analysis is a complete analysis file.
type Analysis struct {
	Data Data `yaml:"data"`

	NState int      `yaml:"nstate" validate:"gte=2"`
	States []string `yaml:"states"`
	Censor *Censor  `yaml:"censor"`

	// QMatrix holds the initial intensities; its positive off-diagonal
	// entries are the permitted transitions.  With CrudeInit the values
	// only define the pattern and the starting values come from the
	// observed transitions.
	QMatrix       [][]float64 `yaml:"qmatrix" validate:"required"`
	CrudeInit     bool        `yaml:"crude_init"`
	CrudeFallback float64     `yaml:"crude_fallback" validate:"gte=0"`

	DeathStates []int `yaml:"death_states" validate:"dive,gte=1"`

	Models []Model `yaml:"models" validate:"required,min=1,dive"`

	Fit    Fit    `yaml:"fit"`
	Output Output `yaml:"output"`

	// Workers bounds the number of variants fitted concurrently.
	Workers int `yaml:"workers" validate:"gte=1"`
}

// Default returns an analysis holding the default settings, to be
// completed from a file.
func Default() *Analysis {
	return &Analysis{
		Fit: Fit{
			Method:  "bfgs",
			MaxIter: 500,
		},
		Output: Output{
			Intervals: Intervals{
				Method:  "normal",
				Level:   0.95,
				NumSim:  1000,
				Workers: 4,
				Seed:    1,
			},
		},
		Workers: 2,
	}
}

// Load reads an analysis file.  Settings are taken from the defaults, then
// the file, then the environment variables MSM_MAX_ITER, MSM_FNSCALE and
// MSM_WORKERS.  The result is validated.
func Load(path string) (*Analysis, error) {

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	a, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Parse reads an analysis from YAML text, in the manner of Load.
func Parse(buf []byte) (*Analysis, error) {

	a := Default()
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(a); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}

	if err := a.loadEnv(); err != nil {
		return nil, err
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Analysis) loadEnv() error {
	if v := os.Getenv("MSM_MAX_ITER"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MSM_MAX_ITER: %w", err)
		}
		a.Fit.MaxIter = i
	}
	if v := os.Getenv("MSM_FNSCALE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MSM_FNSCALE: %w", err)
		}
		a.Fit.FnScale = f
	}
	if v := os.Getenv("MSM_WORKERS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MSM_WORKERS: %w", err)
		}
		a.Workers = i
	}
	return nil
}

// Validate checks the field constraints and the consistency of the
// analysis.  All problems found are reported together.
func (a *Analysis) Validate() error {

	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(a.States) > 0 && len(a.States) != a.NState {
		add("%d state names for %d states", len(a.States), a.NState)
	}

	if len(a.QMatrix) != a.NState {
		add("qmatrix has %d rows, expected %d", len(a.QMatrix), a.NState)
	}
	for i, row := range a.QMatrix {
		if len(row) != a.NState {
			add("qmatrix row %d has %d entries, expected %d", i+1, len(row), a.NState)
		}
		for j, v := range row {
			if i != j && v < 0 {
				add("qmatrix entry [%d,%d] is negative", i+1, j+1)
			}
		}
	}

	if a.Censor != nil {
		if a.Censor.Code >= 1 && a.Censor.Code <= a.NState {
			add("censoring code %d is a state code", a.Censor.Code)
		}
		for _, s := range a.Censor.States {
			if s > a.NState {
				add("censoring state %d is out of range", s)
			}
		}
	}

	for _, s := range a.DeathStates {
		if s > a.NState {
			add("death state %d is out of range", s)
		}
	}
	for _, s := range a.Output.Survival {
		if s > a.NState {
			add("survival state %d is out of range", s)
		}
	}

	havecov := make(map[string]bool)
	for _, na := range a.Data.Covariates {
		havecov[na] = true
	}

	seen := make(map[string]bool)
	for _, m := range a.Models {
		if seen[m.Name] {
			add("model %q is defined twice", m.Name)
		}
		if m.CompareTo != "" && !seen[m.CompareTo] {
			add("model %q is compared to %q, which is not defined before it", m.Name, m.CompareTo)
		}
		seen[m.Name] = true

		for _, c := range m.Covariates {
			if !havecov[c.Name] {
				add("model %q uses covariate %q, which is not read from the data", m.Name, c.Name)
			}
		}
		for k := 1; k < len(m.Breakpoints); k++ {
			if m.Breakpoints[k] <= m.Breakpoints[k-1] {
				add("model %q: breakpoints are not increasing", m.Name)
				break
			}
		}
		if len(m.Covariates) > 0 && len(m.Breakpoints) > 0 {
			add("model %q: covariates cannot be combined with breakpoints", m.Name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LoadConfig returns the settings for reading the panel file.
func (a *Analysis) LoadConfig(logger *log.Logger) *panel.LoadConfig {
	lc := &panel.LoadConfig{
		Subject:    a.Data.Subject,
		Time:       a.Data.Time,
		State:      a.Data.State,
		Covariates: a.Data.Covariates,
		NState:     a.NState,
		Log:        logger,
	}
	if a.Data.Delimiter != "" {
		lc.Comma = rune(a.Data.Delimiter[0])
	}
	if a.Censor != nil {
		lc.Censor = &panel.Censoring{Code: a.Censor.Code, States: a.Censor.States}
	}
	return lc
}

// Mask returns the permitted transitions.
func (a *Analysis) Mask() msm.QMask {
	return msm.MaskFromQ(a.Q())
}

// Q returns the initial intensity matrix given in the file, with the
// diagonal set to minus the row sums.
func (a *Analysis) Q() *mat.Dense {
	q := mat.NewDense(a.NState, a.NState, nil)
	for i, row := range a.QMatrix {
		for j, v := range row {
			if i != j {
				q.Set(i, j, v)
			}
		}
	}
	msm.FillDiagonal(q)
	return q
}

// InitialQ returns the starting intensities, computed from the state
// table when crude initial values are requested.
func (a *Analysis) InitialQ(st *msm.StateTable) (*mat.Dense, error) {
	if !a.CrudeInit {
		return a.Q(), nil
	}
	return msm.CrudeInits(st, a.Mask(), a.CrudeFallback)
}

// MSMConfig returns the estimator settings for one model variant.
func (a *Analysis) MSMConfig(m *Model, logger *log.Logger) *msm.MSMConfig {
	c := msm.DefaultMSMConfig()
	c.Log = logger
	c.StateNames = a.States
	c.Covariates = m.Covariates
	c.Breakpoints = m.Breakpoints
	c.DeathStates = a.DeathStates
	c.Method = a.Fit.Method
	c.MaxIter = a.Fit.MaxIter
	c.FnScale = a.Fit.FnScale
	c.Runtime = a.Fit.Runtime
	return c
}

// CIConfig returns the settings for confidence limits of transition
// probabilities.
func (a *Analysis) CIConfig(logger *log.Logger) *msm.CIConfig {
	iv := a.Output.Intervals
	c := msm.DefaultCIConfig()
	if iv.Method == "bootstrap" {
		c.Method = msm.CIBootstrap
	}
	c.Level = iv.Level
	c.NumSim = iv.NumSim
	c.Workers = iv.Workers
	c.Seed = iv.Seed
	c.Log = logger
	return c
}

// Model returns the variant with the given name, or nil.
func (a *Analysis) Model(name string) *Model {
	for i := range a.Models {
		if a.Models[i].Name == name {
			return &a.Models[i]
		}
	}
	return nil
}
