package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyngx/framingham-ms/msm"
	"github.com/tommyngx/framingham-ms/panel"
)

const analysis = `
data:
  file: framingham.csv
  subject: id
  time: years
  state: state
  covariates: [sex]
nstate: 3
states: [Healthy, CHD, Dead]
censor:
  code: 99
  states: [1, 2]
qmatrix:
  - [0, 0.1, 0.05]
  - [0, 0, 0.2]
  - [0, 0, 0]
death_states: [3]
models:
  - name: base
  - name: sex
    compare_to: base
    covariates:
      - name: sex
        transitions: [[1, 2]]
  - name: periods
    compare_to: base
    breakpoints: [10]
fit:
  method: lbfgs
  runtime: 2m
output:
  pmatrix_times: [1, 5]
  survival: [3]
  intervals:
    method: bootstrap
    nsim: 200
`

func TestParse(t *testing.T) {

	a, err := Parse([]byte(analysis))
	require.NoError(t, err)

	assert.Equal(t, 3, a.NState)
	assert.Equal(t, "lbfgs", a.Fit.Method)
	assert.Equal(t, 500, a.Fit.MaxIter)
	assert.Equal(t, 2*time.Minute, a.Fit.Runtime)
	assert.Equal(t, 2, a.Workers)
	assert.Equal(t, 0.95, a.Output.Intervals.Level)
	assert.Equal(t, 200, a.Output.Intervals.NumSim)

	require.Len(t, a.Models, 3)
	sex := a.Model("sex")
	require.NotNil(t, sex)
	assert.Equal(t, [][2]int{{1, 2}}, sex.Covariates[0].Transitions)
	assert.Nil(t, a.Model("missing"))

	q := a.Q()
	assert.InDelta(t, -0.15, q.At(0, 0), 1e-12)
	assert.InDelta(t, -0.2, q.At(1, 1), 1e-12)
	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {1, 2}}, a.Mask().Transitions())

	lc := a.LoadConfig(nil)
	assert.Equal(t, rune(0), lc.Comma)
	assert.Equal(t, &panel.Censoring{Code: 99, States: []int{1, 2}}, lc.Censor)

	mc := a.MSMConfig(a.Model("periods"), nil)
	assert.Equal(t, []float64{10}, mc.Breakpoints)
	assert.Equal(t, []int{3}, mc.DeathStates)
	assert.Equal(t, "lbfgs", mc.Method)

	cc := a.CIConfig(nil)
	assert.Equal(t, msm.CIBootstrap, cc.Method)
	assert.Equal(t, 200, cc.NumSim)
}

func TestEnvOverrides(t *testing.T) {

	t.Setenv("MSM_MAX_ITER", "50")
	t.Setenv("MSM_FNSCALE", "1000")
	t.Setenv("MSM_WORKERS", "6")

	a, err := Parse([]byte(analysis))
	require.NoError(t, err)
	assert.Equal(t, 50, a.Fit.MaxIter)
	assert.Equal(t, 1000.0, a.Fit.FnScale)
	assert.Equal(t, 6, a.Workers)

	t.Setenv("MSM_WORKERS", "many")
	_, err = Parse([]byte(analysis))
	assert.Error(t, err)

	t.Setenv("MSM_WORKERS", "0")
	_, err = Parse([]byte(analysis))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {

	fname := filepath.Join(t.TempDir(), "analysis.yaml")
	require.NoError(t, os.WriteFile(fname, []byte(analysis), 0o644))

	a, err := Load(fname)
	require.NoError(t, err)
	assert.Equal(t, "framingham.csv", a.Data.File)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnknownField(t *testing.T) {
	_, err := Parse([]byte(analysis + "iterations: 5\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {

	for name, edit := range map[string]func(*Analysis){
		"no models":           func(a *Analysis) { a.Models = nil },
		"method":              func(a *Analysis) { a.Fit.Method = "newton" },
		"level":               func(a *Analysis) { a.Output.Intervals.Level = 1 },
		"state names":         func(a *Analysis) { a.States = a.States[:2] },
		"qmatrix rows":        func(a *Analysis) { a.QMatrix = a.QMatrix[:2] },
		"negative intensity":  func(a *Analysis) { a.QMatrix[1][0] = -1 },
		"censor code":         func(a *Analysis) { a.Censor.Code = 2 },
		"death state":         func(a *Analysis) { a.DeathStates = []int{4} },
		"duplicate model":     func(a *Analysis) { a.Models[2].Name = "sex" },
		"compare to later":    func(a *Analysis) { a.Models[1].CompareTo = "periods" },
		"unknown covariate":   func(a *Analysis) { a.Models[1].Covariates[0].Name = "age" },
		"breakpoints":         func(a *Analysis) { a.Models[2].Breakpoints = []float64{10, 5} },
		"delimiter":           func(a *Analysis) { a.Data.Delimiter = ";;" },
		"piecewise covariate": func(a *Analysis) { a.Models[2].Covariates = a.Models[1].Covariates },
	} {
		a, err := Parse([]byte(analysis))
		require.NoError(t, err)
		edit(a)
		assert.ErrorIs(t, a.Validate(), ErrInvalid, name)
	}
}
