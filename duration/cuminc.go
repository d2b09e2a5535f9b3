package duration

import (
	"fmt"
	"math"
	"sort"

	"github.com/tommyngx/framingham-ms/statmodel"
)

// CumincRight estimates the cumulative incidence functions for
// duration data with competing risks.
type CumincRight struct {

	// The data used to perform the estimation.
	data statmodel.Dataset

	// The name of the variable containing the minimum of the
	// event time and entry time.
	timeVar string

	// The name of a variable containing the status indicator,
	// which is 1, 2, ... for the event types, and 0 for a
	// censored outcome.
	statusVar string

	// The name of a variable containing case weights, optional.
	weightVar string

	// The name of a variable containing entry times, optional.
	entryVar string

	// Times at which events occur, sorted.
	Times []float64

	// The number of occurrences of events of each type at each
	// time in Times.
	Events [][]float64

	// Number of events of any type at each time in Times
	EventsAll []float64

	// Risk set size at each time in times
	NRisk []float64

	// The estimated all-cause survival function
	ProbsAll []float64

	// The cause specific cumulative incidence rates.  Probs[k]
	// contains the rates for the events with Status==k+1
	// (Status==0 indicates censoring, cumulative incidences are
	// not estimated for the censored subjects).
	Probs [][]float64

	// The standard errors of the values in Probs
	ProbsSE [][]float64

	events    []map[float64]float64
	eventsall map[float64]float64
	total     map[float64]float64
	entry     map[float64]float64

	timePos   int
	statusPos int
	weightPos int
	entryPos  int
}

// NewCumincRight creates a CumincRight value that can be used to estimate
// the cumulative incidence function from the given data.
func NewCumincRight(data statmodel.Dataset, timevar, statusvar string) *CumincRight {
	return &CumincRight{
		data:      data,
		timeVar:   timevar,
		statusVar: statusvar,
	}
}

// Weights specifies a variable that provides case weights.
func (ci *CumincRight) Weights(weightvar string) *CumincRight {
	ci.weightVar = weightvar
	return ci
}

// Entry specifies a variable that provides entry times.
func (ci *CumincRight) Entry(entryvar string) *CumincRight {
	ci.entryVar = entryvar
	return ci
}

func (ci *CumincRight) init() error {

	ci.eventsall = make(map[float64]float64)
	ci.total = make(map[float64]float64)
	ci.entry = make(map[float64]float64)

	ci.timePos = statmodel.VarPos(ci.data, ci.timeVar)
	ci.statusPos = statmodel.VarPos(ci.data, ci.statusVar)
	ci.weightPos = -1
	ci.entryPos = -1

	if ci.timePos == -1 {
		return fmt.Errorf("%w: time variable '%s'", ErrVariable, ci.timeVar)
	}
	if ci.statusPos == -1 {
		return fmt.Errorf("%w: status variable '%s'", ErrVariable, ci.statusVar)
	}
	if ci.weightVar != "" {
		if ci.weightPos = statmodel.VarPos(ci.data, ci.weightVar); ci.weightPos == -1 {
			return fmt.Errorf("%w: weight variable '%s'", ErrVariable, ci.weightVar)
		}
	}
	if ci.entryVar != "" {
		if ci.entryPos = statmodel.VarPos(ci.data, ci.entryVar); ci.entryPos == -1 {
			return fmt.Errorf("%w: entry variable '%s'", ErrVariable, ci.entryVar)
		}
	}

	return nil
}

func (ci *CumincRight) scanData() error {

	data := ci.data.Data()
	time := data[ci.timePos]
	status := data[ci.statusPos]

	var entry, weight []float64
	if ci.entryPos != -1 {
		entry = data[ci.entryPos]
	}
	if ci.weightPos != -1 {
		weight = data[ci.weightPos]
	}

	for i, t := range time {

		w := float64(1)
		if ci.weightPos != -1 {
			w = weight[i]
		}

		// Make room for an event type we have not yet seen
		k := int(status[i])
		if k < 0 {
			return fmt.Errorf("duration: negative status %v of case %d", status[i], i)
		}
		for k > len(ci.events) {
			ci.events = append(ci.events, make(map[float64]float64))
		}

		if k > 0 {
			ci.events[k-1][t] += w
			ci.eventsall[t] += w
		}
		ci.total[t] += w

		if ci.entryPos != -1 {
			if entry[i] >= t {
				return fmt.Errorf("duration: entry time %v of case %d is not before its event/censoring time %v",
					entry[i], i, t)
			}
			ci.entry[entry[i]] += w
		}
	}

	return nil
}

func (ci *CumincRight) eventstats() {

	// Get the sorted times (event or censoring)
	ci.Times = make([]float64, 0, len(ci.total))
	for t := range ci.total {
		ci.Times = append(ci.Times, t)
	}
	sort.Float64s(ci.Times)

	// Get the weighted event count and risk set size at each time
	// point (in same order as Times).
	ci.EventsAll = make([]float64, len(ci.Times))
	ci.NRisk = make([]float64, len(ci.Times))
	for i, t := range ci.Times {
		ci.EventsAll[i] = ci.eventsall[t]
		ci.NRisk[i] = ci.total[t]
	}
	rollback(ci.NRisk)

	// Adjust for entry times
	if ci.entryPos != -1 {
		entry := make([]float64, len(ci.Times))
		for t, w := range ci.entry {
			ii := sort.SearchFloat64s(ci.Times, t)
			if ii == len(ci.Times) || t < ci.Times[ii] {
				ii--
			}
			if ii >= 0 {
				entry[ii] += w
			}
		}
		rollback(entry)
		for i := range ci.NRisk {
			ci.NRisk[i] -= entry[i]
		}
	}
}

func (ci *CumincRight) fitall() {

	ci.ProbsAll = make([]float64, len(ci.Times))

	x := float64(1)
	for i := range ci.Times {
		x *= 1 - ci.EventsAll[i]/ci.NRisk[i]
		ci.ProbsAll[i] = x
	}
}

func (ci *CumincRight) fit() {

	for _, ev := range ci.events {

		// Obtain the number of events of each cause at each time.
		evr := make([]float64, len(ci.Times))
		for t, n := range ev {
			ii := sort.SearchFloat64s(ci.Times, t)
			evr[ii] += n
		}

		cir := make([]float64, len(ci.Times))
		x := float64(0)
		for i, y := range evr {
			v := y / ci.NRisk[i]
			if i > 0 {
				v *= ci.ProbsAll[i-1]
			}
			x += v
			cir[i] = x
		}

		ci.Probs = append(ci.Probs, cir)
		ci.Events = append(ci.Events, evr)
	}
}

func (ci *CumincRight) fitse() {

	for k := range ci.Probs {

		var x1, x2, x3, x4, x5, x6 float64
		se := make([]float64, len(ci.Times))

		for i := range ci.Times {

			q := ci.Probs[k][i]
			da := ci.EventsAll[i]
			d := ci.Events[k][i]
			n := ci.NRisk[i]
			s := float64(1)
			if i > 0 {
				s = ci.ProbsAll[i-1]
			}
			s /= n

			ra := da / (n * (n - da))
			x1 += ra
			x2 += q * ra
			x3 += q * q * ra

			ra = (n - d) * d / n
			x4 += s * s * ra

			ra = s * d / n
			x5 += ra
			x6 += q * ra

			v := q*q*x1 - 2*q*x2 + x3 + x4 - 2*q*x5 + 2*x6
			se[i] = math.Sqrt(v)
		}

		ci.ProbsSE = append(ci.ProbsSE, se)
	}
}

// compress removes times where no events occurred.
func (ci *CumincRight) compress() {

	var ix []int
	for i := range ci.Times {
		if ci.EventsAll[i] > 0 {
			ix = append(ix, i)
		}
	}

	if len(ix) < len(ci.Times) {
		for i, j := range ix {
			ci.Times[i] = ci.Times[j]
			ci.EventsAll[i] = ci.EventsAll[j]
			ci.NRisk[i] = ci.NRisk[j]
		}
		ci.Times = ci.Times[0:len(ix)]
		ci.EventsAll = ci.EventsAll[0:len(ix)]
		ci.NRisk = ci.NRisk[0:len(ix)]
	}
}

// Done completes construction and computes all results.
func (ci *CumincRight) Done() (*CumincRight, error) {
	if err := ci.init(); err != nil {
		return nil, err
	}
	if err := ci.scanData(); err != nil {
		return nil, err
	}
	ci.eventstats()
	ci.compress()
	ci.fitall()
	ci.fit()
	ci.fitse()
	return ci, nil
}

// At returns the cumulative incidence of events with status k+1 at time
// t.  Event types that never occur have zero incidence.
func (ci *CumincRight) At(k int, t float64) float64 {
	if k >= len(ci.Probs) {
		return 0
	}
	ii := sort.Search(len(ci.Times), func(i int) bool { return ci.Times[i] > t })
	if ii == 0 {
		return 0
	}
	return ci.Probs[k][ii-1]
}
