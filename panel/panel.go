// Package panel holds longitudinal panel data: subjects observed in a
// discrete state at irregular times, with optional covariates and a
// censoring code for observations whose state is only partially known.
package panel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tommyngx/framingham-ms/statmodel"
)

// ErrInvalidPanel is returned when a panel cannot be constructed from
// the given subjects.
var ErrInvalidPanel = errors.New("panel: invalid panel")

// Observation is the state of one subject at one time.
type Observation struct {

	// Time of the observation, in the units of the study
	Time float64

	// State is in 1..NState, or equal to the censoring code.
	State int

	// Cov holds the covariate values, in the order of Panel.CovNames.
	Cov []float64
}

// Subject is a sequence of observations ordered by increasing time.
type Subject struct {
	ID  string
	Obs []Observation
}

// Censoring describes a censoring convention: observations with state
// Code are known to be in one of States (1-based), but not which.
type Censoring struct {
	Code   int   `yaml:"code"`
	States []int `yaml:"states"`
}

// Panel is an immutable collection of subjects.
type Panel struct {

	// Number of states, states are coded 1..NState
	NState int

	// Censoring convention, nil if there is no censoring
	Censor *Censoring

	// Names of the covariates carried by each observation
	CovNames []string

	// Subjects, in order of first appearance in the source
	Subjects []Subject
}

// New checks the subjects and returns a Panel.  Subjects must have
// strictly increasing observation times, states in range, and
// covariate vectors of the right length.
func New(nstate int, censor *Censoring, covnames []string, subjects []Subject) (*Panel, error) {

	if nstate < 2 {
		return nil, fmt.Errorf("%w: need at least 2 states, got %d", ErrInvalidPanel, nstate)
	}

	if censor != nil {
		if censor.Code >= 1 && censor.Code <= nstate {
			return nil, fmt.Errorf("%w: censoring code %d collides with a state", ErrInvalidPanel, censor.Code)
		}
		if len(censor.States) == 0 {
			return nil, fmt.Errorf("%w: censoring code %d resolves to no states", ErrInvalidPanel, censor.Code)
		}
		for _, s := range censor.States {
			if s < 1 || s > nstate {
				return nil, fmt.Errorf("%w: censored state %d out of range", ErrInvalidPanel, s)
			}
		}
	}

	p := &Panel{
		NState:   nstate,
		Censor:   censor,
		CovNames: covnames,
		Subjects: subjects,
	}

	for _, sub := range subjects {
		for j, ob := range sub.Obs {
			if !p.validState(ob.State) {
				return nil, fmt.Errorf("%w: subject %s has state %d", ErrInvalidPanel, sub.ID, ob.State)
			}
			if !finite(ob.Time) {
				return nil, fmt.Errorf("%w: subject %s has time %v", ErrInvalidPanel, sub.ID, ob.Time)
			}
			for _, v := range ob.Cov {
				if !finite(v) {
					return nil, fmt.Errorf("%w: subject %s has covariate value %v", ErrInvalidPanel, sub.ID, v)
				}
			}
			if j > 0 && ob.Time <= sub.Obs[j-1].Time {
				return nil, fmt.Errorf("%w: subject %s has non-increasing times", ErrInvalidPanel, sub.ID)
			}
			if len(ob.Cov) != len(covnames) {
				return nil, fmt.Errorf("%w: subject %s has %d covariates, expected %d",
					ErrInvalidPanel, sub.ID, len(ob.Cov), len(covnames))
			}
		}
	}

	return p, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func (p *Panel) validState(s int) bool {
	return (s >= 1 && s <= p.NState) || p.IsCensored(s)
}

// IsCensored returns true if the state code is the censoring code.
func (p *Panel) IsCensored(state int) bool {
	return p.Censor != nil && state == p.Censor.Code
}

// Possible returns the 0-based indices of the states that an observation
// with the given code may be in.
func (p *Panel) Possible(state int) []int {
	if p.IsCensored(state) {
		ix := make([]int, len(p.Censor.States))
		for j, s := range p.Censor.States {
			ix[j] = s - 1
		}
		sort.Ints(ix)
		return ix
	}
	return []int{state - 1}
}

// NumSubjects returns the number of subjects.
func (p *Panel) NumSubjects() int {
	return len(p.Subjects)
}

// NumObs returns the total number of observations.
func (p *Panel) NumObs() int {
	var n int
	for _, s := range p.Subjects {
		n += len(s.Obs)
	}
	return n
}

// CovPos returns the position of the named covariate, or -1.
func (p *Panel) CovPos(name string) int {
	for j, na := range p.CovNames {
		if na == name {
			return j
		}
	}
	return -1
}

// Resample returns a panel made of the subjects at the given positions,
// which may repeat.  Repeated subjects get distinct ids.
func (p *Panel) Resample(ix []int) *Panel {
	subs := make([]Subject, len(ix))
	for k, i := range ix {
		subs[k] = Subject{
			ID:  fmt.Sprintf("%s#%d", p.Subjects[i].ID, k),
			Obs: p.Subjects[i].Obs,
		}
	}
	return &Panel{
		NState:   p.NState,
		Censor:   p.Censor,
		CovNames: p.CovNames,
		Subjects: subs,
	}
}

// SurvivalData returns right-censored, left-truncated survival data for
// the time to first entry into any of the given (1-based) absorbing
// states.  The columns are Entry, Time and Status.
func (p *Panel) SurvivalData(absorbing []int) statmodel.Dataset {
	return p.absorptionData(absorbing, false)
}

// CompetingRisksData is like SurvivalData, but Status is k if the subject
// entered absorbing[k-1], and zero if it was not seen to enter any of
// them.
func (p *Panel) CompetingRisksData(absorbing []int) statmodel.Dataset {
	return p.absorptionData(absorbing, true)
}

func (p *Panel) absorptionData(absorbing []int, cause bool) statmodel.Dataset {

	code := make(map[int]float64)
	for k, s := range absorbing {
		code[s] = 1
		if cause {
			code[s] = float64(k + 1)
		}
	}

	var entry, time, status []statmodel.Dtype
	for _, sub := range p.Subjects {
		if len(sub.Obs) < 2 {
			continue
		}
		t0 := sub.Obs[0].Time
		t1 := sub.Obs[len(sub.Obs)-1].Time
		st := 0.0
		for _, ob := range sub.Obs[1:] {
			if c, ok := code[ob.State]; ok {
				t1 = ob.Time
				st = c
				break
			}
		}
		entry = append(entry, t0)
		time = append(time, t1)
		status = append(status, st)
	}

	return statmodel.NewDataset([][]statmodel.Dtype{entry, time, status}, []string{"Entry", "Time", "Status"})
}
