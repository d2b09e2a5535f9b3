package msm

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrZeroSupport is returned by CrudeInits when a permitted transition
// is never observed and no fallback rate was provided.
var ErrZeroSupport = errors.New("msm: permitted transition has no support in the data")

// CrudeInits returns a starting intensity matrix for the given transition
// structure.  Each permitted rate is the number of observed r -> s pairs
// divided by the total time at risk in r, which is the estimate obtained
// if every transition happened exactly at an observation time.  Intervals
// that end in a censored observation count as time at risk only.  A
// permitted transition with no observed pairs takes the fallback rate; if
// fallback is not positive, ErrZeroSupport is returned.
func CrudeInits(st *StateTable, mask QMask, fallback float64) (*mat.Dense, error) {

	n := mask.NumStates()
	if n != st.NState {
		return nil, fmt.Errorf("%w: structure has %d states, data has %d", ErrInvalidQ, n, st.NState)
	}

	q := mat.NewDense(n, n, nil)
	var missing []error
	for _, tr := range mask.Transitions() {
		r, s := tr[0], tr[1]
		var rate float64
		if st.TimeAtRisk[r] > 0 {
			rate = float64(st.Count(r, s)) / st.TimeAtRisk[r]
		}
		if rate <= 0 {
			if fallback <= 0 {
				missing = append(missing, fmt.Errorf("%w: %d -> %d", ErrZeroSupport, r+1, s+1))
				continue
			}
			rate = fallback
		}
		q.Set(r, s, rate)
	}

	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}

	FillDiagonal(q)

	return q, nil
}
