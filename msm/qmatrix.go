package msm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidQ is returned for intensity matrices that do not have
// non-negative off-diagonal entries and zero row sums.
var ErrInvalidQ = errors.New("msm: invalid intensity matrix")

// QMask is a square transition structure: QMask[r][s] is true if a direct
// transition from state r to state s (0-based) is permitted.  The
// diagonal is ignored.
type QMask [][]bool

// NewQMask constructs a mask from a square matrix of indicators, where a
// non-zero off-diagonal value permits the transition.
func NewQMask(allowed [][]int) (QMask, error) {
	n := len(allowed)
	mask := make(QMask, n)
	for r, row := range allowed {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d of the transition structure has length %d, expected %d",
				ErrInvalidQ, r+1, len(row), n)
		}
		mask[r] = make([]bool, n)
		for s, v := range row {
			mask[r][s] = r != s && v != 0
		}
	}
	return mask, nil
}

// MaskFromQ returns the mask of the positive off-diagonal entries of q.
func MaskFromQ(q mat.Matrix) QMask {
	n, _ := q.Dims()
	mask := make(QMask, n)
	for r := 0; r < n; r++ {
		mask[r] = make([]bool, n)
		for s := 0; s < n; s++ {
			mask[r][s] = r != s && q.At(r, s) > 0
		}
	}
	return mask
}

// NumStates returns the number of states.
func (m QMask) NumStates() int {
	return len(m)
}

// Transitions returns the permitted transitions in row-major order.
func (m QMask) Transitions() [][2]int {
	var tr [][2]int
	for r := range m {
		for s := range m[r] {
			if m[r][s] && r != s {
				tr = append(tr, [2]int{r, s})
			}
		}
	}
	return tr
}

// Absorbing returns the (0-based) states that have no permitted exits.
func (m QMask) Absorbing() []int {
	var ab []int
	for r := range m {
		exit := false
		for s := range m[r] {
			if r != s && m[r][s] {
				exit = true
			}
		}
		if !exit {
			ab = append(ab, r)
		}
	}
	return ab
}

// Contains returns true if every transition permitted by o is also
// permitted by m.
func (m QMask) Contains(o QMask) bool {
	if len(m) != len(o) {
		return false
	}
	for r := range o {
		for s := range o[r] {
			if r != s && o[r][s] && !m[r][s] {
				return false
			}
		}
	}
	return true
}

// FillDiagonal sets each diagonal entry of q to the negative sum of the
// off-diagonal entries in its row.
func FillDiagonal(q *mat.Dense) {
	n, _ := q.Dims()
	for r := 0; r < n; r++ {
		var s float64
		for c := 0; c < n; c++ {
			if c != r {
				s += q.At(r, c)
			}
		}
		q.Set(r, r, -s)
	}
}

// CheckQMatrix confirms that q is square, has non-negative off-diagonal
// entries, and rows that sum to zero within tol.
func CheckQMatrix(q mat.Matrix, tol float64) error {

	n, c := q.Dims()
	if n != c {
		return fmt.Errorf("%w: %d x %d is not square", ErrInvalidQ, n, c)
	}

	for r := 0; r < n; r++ {
		var s, mx float64
		for c := 0; c < n; c++ {
			v := q.At(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: entry (%d, %d) is %v", ErrInvalidQ, r+1, c+1, v)
			}
			if c != r && v < 0 {
				return fmt.Errorf("%w: negative intensity %v at (%d, %d)", ErrInvalidQ, v, r+1, c+1)
			}
			s += v
			mx = math.Max(mx, math.Abs(v))
		}
		if math.Abs(s) > tol*math.Max(1, mx) {
			return fmt.Errorf("%w: row %d sums to %v", ErrInvalidQ, r+1, s)
		}
	}

	return nil
}

// PMatrix returns the transition probability matrix exp(q*t) of a
// time-homogeneous chain over an interval of length t.  Rounding
// residue is cleaned so that entries are non-negative and rows sum
// to one.
func PMatrix(q mat.Matrix, t float64) *mat.Dense {

	n, _ := q.Dims()
	if t == 0 {
		return identity(n)
	}

	var qt, p mat.Dense
	qt.Scale(t, q)
	p.Exp(&qt)
	cleanStochastic(&p)

	return &p
}

func identity(n int) *mat.Dense {
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, 1)
	}
	return id
}

// cleanStochastic clips small negative values produced by the matrix
// exponential and renormalizes the rows.
func cleanStochastic(p *mat.Dense) {
	n, _ := p.Dims()
	for r := 0; r < n; r++ {
		row := p.RawRowView(r)
		var s float64
		for j, v := range row {
			if v < 0 {
				row[j] = 0
				v = 0
			}
			s += v
		}
		if s > 0 {
			for j := range row {
				row[j] /= s
			}
		}
	}
}
