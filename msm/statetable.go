package msm

import (
	"fmt"
	"strings"

	"github.com/tommyngx/framingham-ms/panel"
)

// StateTable counts the pairs of states observed at consecutive
// observation times.
type StateTable struct {

	// Number of states
	NState int

	// True if the panel has a censoring code, in which case the
	// censored observations are counted in an extra final row and
	// column.
	Censored bool

	// Counts[r][s] is the number of times state r was followed by
	// state s (0-based).  Censored-to-censored pairs are not counted.
	Counts [][]int

	// TimeAtRisk[r] is the total length of the intervals that begin
	// in state r.
	TimeAtRisk []float64

	censorCode int
}

// NewStateTable tabulates the transitions between consecutive
// observations of every subject in the panel.
func NewStateTable(p *panel.Panel) *StateTable {

	n := p.NState
	st := &StateTable{
		NState:   p.NState,
		Censored: p.Censor != nil,
	}
	if st.Censored {
		n++
		st.censorCode = p.Censor.Code
	}

	st.Counts = make([][]int, n)
	for i := range st.Counts {
		st.Counts[i] = make([]int, n)
	}
	st.TimeAtRisk = make([]float64, n)

	for _, sub := range p.Subjects {
		for j := 1; j < len(sub.Obs); j++ {
			a := st.index(p, sub.Obs[j-1].State)
			b := st.index(p, sub.Obs[j].State)
			if a == p.NState && b == p.NState {
				continue
			}
			st.Counts[a][b]++
			st.TimeAtRisk[a] += sub.Obs[j].Time - sub.Obs[j-1].Time
		}
	}

	return st
}

func (st *StateTable) index(p *panel.Panel, state int) int {
	if p.IsCensored(state) {
		return p.NState
	}
	return state - 1
}

// Count returns the number of observed r -> s pairs (0-based states).
func (st *StateTable) Count(r, s int) int {
	return st.Counts[r][s]
}

// CensoredCount returns the number of pairs from state r (0-based) into
// a censored observation.
func (st *StateTable) CensoredCount(r int) int {
	if !st.Censored {
		return 0
	}
	return st.Counts[r][st.NState]
}

// Observed returns the distinct observed pairs of different states,
// including pairs into or out of a censored observation, which use the
// censoring code.  States are 1-based.
func (st *StateTable) Observed() [][2]int {
	var pairs [][2]int
	code := func(i int) int {
		if i == st.NState {
			return st.censorCode
		}
		return i + 1
	}
	for r := range st.Counts {
		for s := range st.Counts[r] {
			if r != s && st.Counts[r][s] > 0 {
				pairs = append(pairs, [2]int{code(r), code(s)})
			}
		}
	}
	return pairs
}

// String renders the table with "from" states as rows.
func (st *StateTable) String() string {

	labels := make([]string, len(st.Counts))
	for i := range labels {
		if i == st.NState {
			labels[i] = fmt.Sprintf("%d (cens)", st.censorCode)
		} else {
			labels[i] = fmt.Sprintf("%d", i+1)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-10s", "from\\to")
	for _, l := range labels {
		fmt.Fprintf(&b, "%10s", l)
	}
	fmt.Fprintf(&b, "%12s\n", "time")

	for r, row := range st.Counts {
		fmt.Fprintf(&b, "%-10s", labels[r])
		for _, v := range row {
			fmt.Fprintf(&b, "%10d", v)
		}
		fmt.Fprintf(&b, "%12.2f\n", st.TimeAtRisk[r])
	}

	return b.String()
}
